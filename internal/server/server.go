package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"warroom/internal/domain"
	"warroom/internal/engine"
	"warroom/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"activation abc: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Warroom API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Warroom API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerActivations(group, cfg.Engine)
	registerAcks(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDirectory(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrActivationClosed) {
		return newAPIError(http.StatusConflict, "activation_closed", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "not in failed state"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Warroom API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerActivations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "activate-playbook",
		Method:        http.MethodPost,
		Path:          "/activations",
		Summary:       "Activate a playbook",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ActivateRequest `json:"body"`
	}) (*struct {
		Body ActivationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Scenario == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "scenario is required", nil)
		}
		if input.Body.Severity == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "severity is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		act, err := e.ActivatePlaybook(ctx, engine.ActivateInput{
			Scenario: input.Body.Scenario,
			Severity: input.Body.Severity,
			Context:  input.Body.Context,
			Plan:     planSpec(input.Body.Plan),
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivationResponse `json:"body"`
		}{Body: activationResponse(act)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activations",
		Method:      http.MethodGet,
		Path:        "/activations",
		Summary:     "List activations",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,completed,aborted"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ActivationResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListActivations(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivationResponse `json:"body"`
		}{Body: mapActivations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activation",
		Method:      http.MethodGet,
		Path:        "/activations/{activation_id}",
		Summary:     "Get activation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActivationID string `path:"activation_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		act, err := e.Repo.GetActivation(ctx, input.ActivationID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, act.ID)
		if err != nil {
			return nil, handleError(err)
		}
		acks, err := e.Repo.ListAcks(ctx, act.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"activation":  activationResponse(act),
			"task_counts": counts,
			"acks":        acks,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-activation",
		Method:      http.MethodPost,
		Path:        "/activations/{activation_id}/abort",
		Summary:     "Abort activation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActivationID string       `path:"activation_id"`
		Body         AbortRequest `json:"body"`
	}) (*struct {
		Body ActivationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Abort(ctx, input.ActivationID, actorID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		act, err := e.Repo.GetActivation(ctx, input.ActivationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivationResponse `json:"body"`
		}{Body: activationResponse(act)}, nil
	})
}

func registerAcks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "acknowledge",
		Method:      http.MethodPost,
		Path:        "/activations/{activation_id}/ack",
		Summary:     "Acknowledge an activation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActivationID string     `path:"activation_id"`
		Body         AckRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		if input.Body.StakeholderID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stakeholder_id is required", nil)
		}
		first, err := e.Acknowledge(ctx, input.ActivationID, input.Body.StakeholderID, input.Body.Channel)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{
			ActivationID:  input.ActivationID,
			StakeholderID: input.Body.StakeholderID,
			First:         first,
		}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/activations/{activation_id}/tasks",
		Summary:     "List plan tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActivationID string `path:"activation_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := e.Repo.GetActivation(ctx, input.ActivationID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTasks(ctx, input.ActivationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phases",
		Method:      http.MethodGet,
		Path:        "/activations/{activation_id}/phases",
		Summary:     "List plan phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActivationID string `path:"activation_id"`
	}) (*struct {
		Body []domain.Phase `json:"body"`
	}, error) {
		if _, err := e.Repo.GetActivation(ctx, input.ActivationID); err != nil {
			return nil, handleError(err)
		}
		phases, err := e.Repo.ListPhases(ctx, input.ActivationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Phase `json:"body"`
		}{Body: phases}, nil
	})

	transition := func(action string) func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			TaskID string `path:"task_id"`
		}) (*struct {
			Body domain.Task `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			task, err := e.TransitionTask(ctx, input.TaskID, action, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Task `json:"body"`
			}{Body: task}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/start",
		Summary:     "Start a ready task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, transition("start"))

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/done",
		Summary:     "Complete an in-progress task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, transition("done"))
}

func registerApprovals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-approval",
		Method:        http.MethodPost,
		Path:          "/activations/{activation_id}/approvals",
		Summary:       "Record an approval",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActivationID string          `path:"activation_id"`
		Body         ApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		if input.Body.ApproverID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "approver_id is required", nil)
		}
		appr, err := e.RecordApproval(ctx, input.ActivationID, input.Body.ApproverID, input.Body.AmountCents, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: appr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/activations/{activation_id}/approvals",
		Summary:     "List approvals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActivationID string `path:"activation_id"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		if _, err := e.Repo.GetActivation(ctx, input.ActivationID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListApprovals(ctx, input.ActivationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: items}, nil
	})
}

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		ActivationID string `query:"activation_id"`
		State        string `query:"state" enum:"pending,processing,completed,failed,canceled"`
		Type         string `query:"type" enum:"send,escalation-check,stall-check"`
		Limit        int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		items, err := e.Repo.ListJobs(ctx, repo.JobFilters{
			ActivationID: input.ActivationID,
			State:        input.State,
			Type:         input.Type,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job with delivery attempts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		job, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		attempts, err := e.Repo.ListDeliveryAttempts(ctx, job.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"job":      job,
			"attempts": attempts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/resolve",
		Summary:     "Resolve a failed job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResolveJob(ctx, input.JobID, actorID); err != nil {
			return nil, handleError(err)
		}
		job, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
	}, func(ctx context.Context, input *struct {
		ActivationID string `query:"activation_id"`
		Type         string `query:"type"`
		EntityKind   string `query:"entity_kind"`
		EntityID     string `query:"entity_id"`
		Cursor       int64  `query:"cursor"`
		Limit        int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Cursor, input.ActivationID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerDirectory(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stakeholders",
		Method:      http.MethodGet,
		Path:        "/stakeholders",
		Summary:     "List directory stakeholders",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Stakeholder `json:"body"`
	}, error) {
		items, err := e.Repo.ListStakeholders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Stakeholder `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stakeholder",
		Method:      http.MethodGet,
		Path:        "/stakeholders/{stakeholder_id}",
		Summary:     "Get stakeholder",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StakeholderID string `path:"stakeholder_id"`
	}) (*struct {
		Body domain.Stakeholder `json:"body"`
	}, error) {
		s, err := e.Repo.GetStakeholder(ctx, input.StakeholderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stakeholder `json:"body"`
		}{Body: s}, nil
	})
}
