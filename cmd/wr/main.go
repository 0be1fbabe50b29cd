package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"warroom/internal/config"
	"warroom/internal/db"
	"warroom/internal/domain"
	"warroom/internal/engine"
	"warroom/internal/migrate"
	"warroom/internal/queue"
	"warroom/internal/repo"
	"warroom/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wr",
	Short: "Warroom CLI",
	Long: `Warroom orchestrates playbook activations: who gets told, how loudly it
escalates when nobody answers, and which tasks run in what order.
Core concepts:
- Workspace: the .warroom directory holding the database; warroom.yml holds
  channels, the stakeholder directory and notification rules.
- Activation: one playbook run for a (scenario, severity) pair. It resolves
  a notification rule, notifies tier zero immediately and schedules
  escalation checks for the later tiers.
- Acks: stakeholders acknowledge an activation (wr ack); a satisfied tier
  suppresses its escalation. Delivery success alone never counts.
- Jobs: every notification and timer is a durable queue row. Failed jobs
  stay visible until an operator resolves them (wr jobs resolve).
- Plans: phases of tasks with dependencies and approval gates; tasks flow
  blocked -> ready -> in_progress -> done, with stall detection.
- Event log: diary of everything, view with 'wr log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WARROOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(activateCmd())
	rootCmd.AddCommand(activationCmd())
	rootCmd.AddCommand(ackCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default warroom.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

// configImportCmd loads a YAML config, validates it and syncs the
// stakeholder directory and notification rules into the database.
func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML: validate, copy to workspace, sync directory and rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			if err := os.WriteFile(config.Path(workspace), data, 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := importConfig(ctx, r, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported %d stakeholders and %d rules\n", len(cfg.Directory), len(cfg.Rules))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func importConfig(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, s := range cfg.Directory {
		err := r.UpsertStakeholder(ctx, tx, domain.Stakeholder{
			ID:                s.ID,
			Name:              s.Name,
			Role:              s.Role,
			Endpoints:         s.Endpoints,
			PreferredChannel:  s.PreferredChannel,
			EmergencyOverride: s.EmergencyOverride,
			Timezone:          s.Timezone,
			BusinessStartHour: s.BusinessStartHour,
			BusinessEndHour:   s.BusinessEndHour,
			Weekends:          s.Weekends,
		})
		if err != nil {
			return err
		}
	}
	for _, rc := range cfg.Rules {
		rule := domain.NotificationRule{
			ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte("warroom:rule:"+rc.Scenario+"/"+rc.Severity)).String(),
			Scenario: rc.Scenario,
			Severity: rc.Severity,
		}
		for i, lvl := range rc.Levels {
			rule.Levels = append(rule.Levels, domain.EscalationLevel{
				Index:        i,
				DelayMinutes: lvl.DelayMinutes,
				Targets:      lvl.Targets,
				Channel:      lvl.Channel,
				AckPolicy:    lvl.AckPolicy,
			})
		}
		if err := r.UpsertRule(ctx, tx, rule); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func activateCmd() *cobra.Command {
	var scenario, severity, contextNote, planFile string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate a playbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			var plan *engine.PlanSpec
			if planFile != "" {
				data, err := os.ReadFile(planFile)
				if err != nil {
					return err
				}
				var spec engine.PlanSpec
				if err := yaml.Unmarshal(data, &spec); err != nil {
					return fmt.Errorf("invalid plan yaml: %w", err)
				}
				plan = &spec
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				act, err := e.ActivatePlaybook(ctx, engine.ActivateInput{
					Scenario: scenario,
					Severity: severity,
					Context:  contextNote,
					Plan:     plan,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "scenario name")
	cmd.Flags().StringVar(&severity, "severity", "", "severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&contextNote, "context", "", "free-form context included in notifications")
	cmd.Flags().StringVar(&planFile, "plan", "", "path to plan YAML")
	_ = cmd.MarkFlagRequired("scenario")
	_ = cmd.MarkFlagRequired("severity")
	return cmd
}

func activationCmd() *cobra.Command {
	act := &cobra.Command{Use: "activations", Short: "Inspect activations"}
	act.AddCommand(activationListCmd())
	act.AddCommand(activationShowCmd())
	act.AddCommand(activationAbortCmd())
	return act
}

func activationListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActivations(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Scenario", "Severity", "Status", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Scenario, a.Severity, a.Status, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, completed, aborted)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func activationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <activation_id>",
		Short: "Show an activation with task counts and acks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				act, err := r.GetActivation(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := r.CountTasksByStatus(ctx, act.ID)
				if err != nil {
					return err
				}
				acks, err := r.ListAcks(ctx, act.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"activation":  act,
					"task_counts": counts,
					"acks":        acks,
				})
			})
		},
	}
	return cmd
}

func activationAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <activation_id>",
		Short: "Abort an activation and cancel its pending jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Abort(ctx, args[0], viper.GetString("actor-id"), reason); err != nil {
					return err
				}
				act, err := e.Repo.GetActivation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "abort reason")
	return cmd
}

func ackCmd() *cobra.Command {
	var stakeholder, channelName string
	cmd := &cobra.Command{
		Use:   "ack <activation_id>",
		Short: "Acknowledge an activation on behalf of a stakeholder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stakeholder == "" {
				stakeholder = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				first, err := e.Acknowledge(ctx, args[0], stakeholder, channelName)
				if err != nil {
					return err
				}
				if first {
					fmt.Printf("Ack recorded for %s on %s\n", stakeholder, args[0])
				} else {
					fmt.Printf("%s had already acknowledged %s\n", stakeholder, args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stakeholder, "stakeholder", "", "stakeholder id (defaults to --actor-id)")
	cmd.Flags().StringVar(&channelName, "channel", "", "channel the ack arrived on")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage plan tasks",
		Long:  "Plan tasks flow blocked -> ready -> in_progress -> done. A task is ready once its dependencies are done, its phase is live and any required approval exists. Tasks past their estimate plus grace get flagged stalled.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskDoneCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var activationID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks of an activation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if activationID == "" {
				return fmt.Errorf("--activation required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, activationID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Role", "Estimate", "Deps"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.AssignedRole, t.EstimateMinutes, len(t.DependsOn)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&activationID, "activation", "", "activation id")
	return cmd
}

func taskStartCmd() *cobra.Command {
	return taskTransitionCmd("start", "Start a ready task")
}

func taskDoneCmd() *cobra.Command {
	return taskTransitionCmd("done", "Complete an in-progress task")
}

func taskTransitionCmd(action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " <task_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				task, err := e.TransitionTask(ctx, args[0], action, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	return cmd
}

func approveCmd() *cobra.Command {
	var amountCents int64
	var note string
	cmd := &cobra.Command{
		Use:   "approve <activation_id>",
		Short: "Record an approval, unblocking approval-gated tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				appr, err := e.RecordApproval(ctx, args[0], viper.GetString("actor-id"), amountCents, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(appr)
			})
		},
	}
	cmd.Flags().Int64Var(&amountCents, "amount-cents", 0, "approved amount in cents")
	cmd.Flags().StringVar(&note, "note", "", "approval note")
	return cmd
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect the durable job queue"}
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsShowCmd())
	jobs.AddCommand(jobsResolveCmd())
	return jobs
}

func jobsListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Attempts", "Not before", "Last error"})
				for _, j := range jobs {
					lastErr := ""
					if j.LastError != nil {
						lastErr = *j.LastError
					}
					tw.AppendRow(table.Row{j.ID, j.Type, j.State, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), j.ScheduledNotBefore, lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ActivationID, "activation", "", "activation id filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job_id>",
		Short: "Show a job with its delivery attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				job, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				attempts, err := r.ListDeliveryAttempts(ctx, job.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job": job, "attempts": attempts})
			})
		},
	}
	return cmd
}

func jobsResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <job_id>",
		Short: "Mark a failed job resolved so retention can reclaim it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ResolveJob(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				job, err := e.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	return cmd
}

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{Use: "directory", Short: "Stakeholder directory"}
	dir.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stakeholders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStakeholders(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Preferred", "Override", "Timezone"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Role, s.PreferredChannel, s.EmergencyOverride, s.Timezone})
				}
				tw.Render()
				return nil
			})
		},
	})
	return dir
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			secret := "wrk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actorID,
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (save it now, it is not stored): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as (default: --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key_id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var activationID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, activationID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&activationID, "activation", "", "activation id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// serveCmd runs the HTTP API and the worker pool in one process; both stop
// on SIGINT/SIGTERM, the pool draining in-flight jobs first.
func serveCmd() *cobra.Command {
	var addr, basePath string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("WARROOM_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("WARROOM_ALLOW_LEGACY_ACTOR") == "1",
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("WARROOM_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = e.Config.Workers()
			}
			pool := &queue.Pool{
				Queue:     e.Queue,
				Handlers:  e.Handlers(),
				Workers:   workers,
				Poll:      time.Second,
				Retention: e.Config.Retention(),
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			srv := &http.Server{Addr: addr, Handler: handler}
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return pool.Run(ctx) })
			g.Go(func() error {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				fmt.Printf("Serving Warroom API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs), %d workers\n", addr, basePath, workers)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (0 = config default)")
	return cmd
}

// workCmd runs only the worker pool, for deployments that split the API
// from the workers.
func workCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the worker pool without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			if workers <= 0 {
				workers = e.Config.Workers()
			}
			pool := &queue.Pool{
				Queue:     e.Queue,
				Handlers:  e.Handlers(),
				Workers:   workers,
				Poll:      time.Second,
				Retention: e.Config.Retention(),
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fmt.Printf("Running %d workers\n", workers)
			return pool.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (0 = config default)")
	return cmd
}

// --- helpers ---

func buildEngine() (*engine.Engine, func(), error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return engine.New(conn, cfg), func() { conn.Close() }, nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	e, cleanup, err := buildEngine()
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
