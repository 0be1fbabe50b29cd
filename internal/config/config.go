package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownChannels are the delivery media warroom can be configured with.
var KnownChannels = []string{"email", "sms", "push", "chat"}

// Config models warroom.yml.
type Config struct {
	Defaults  Defaults            `yaml:"defaults"`
	Channels  Channels            `yaml:"channels"`
	Directory []StakeholderConfig `yaml:"directory"`
	Rules     []RuleConfig        `yaml:"rules"`
}

type Defaults struct {
	ChannelOrder       []string `yaml:"channel_order"`
	AckPolicy          string   `yaml:"ack_policy"`
	Workers            int      `yaml:"workers"`
	MaxAttempts        int      `yaml:"max_attempts"`
	BackoffBaseSeconds int      `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int      `yaml:"backoff_cap_seconds"`
	LeaseSeconds       int      `yaml:"lease_seconds"`
	RetentionHours     int      `yaml:"retention_hours"`
	StallGraceMinutes  int      `yaml:"stall_grace_minutes"`
}

// Channels holds one closed, typed block per delivery medium. A nil block
// means the channel is not configured.
type Channels struct {
	Email *EmailChannel `yaml:"email,omitempty"`
	SMS   *SMSChannel   `yaml:"sms,omitempty"`
	Push  *PushChannel  `yaml:"push,omitempty"`
	Chat  *ChatChannel  `yaml:"chat,omitempty"`
}

type EmailChannel struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	TimeoutS int    `yaml:"timeout_seconds"`
}

type SMSChannel struct {
	APIURL     string `yaml:"api_url"`
	AccountID  string `yaml:"account_id"`
	Token      string `yaml:"token"`
	FromNumber string `yaml:"from_number"`
	TimeoutS   int    `yaml:"timeout_seconds"`
}

type PushChannel struct {
	APIURL   string `yaml:"api_url"`
	APIKey   string `yaml:"api_key"`
	TimeoutS int    `yaml:"timeout_seconds"`
}

type ChatChannel struct {
	WebhookURL string `yaml:"webhook_url"`
	TimeoutS   int    `yaml:"timeout_seconds"`
}

type StakeholderConfig struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Role              string            `yaml:"role"`
	Endpoints         map[string]string `yaml:"endpoints"`
	PreferredChannel  string            `yaml:"preferred_channel"`
	EmergencyOverride bool              `yaml:"emergency_override"`
	Timezone          string            `yaml:"timezone"`
	BusinessStartHour int               `yaml:"business_start_hour"`
	BusinessEndHour   int               `yaml:"business_end_hour"`
	Weekends          bool              `yaml:"weekends"`
}

type RuleConfig struct {
	Scenario string        `yaml:"scenario"`
	Severity string        `yaml:"severity"`
	Levels   []LevelConfig `yaml:"levels"`
}

type LevelConfig struct {
	DelayMinutes int      `yaml:"delay_minutes"`
	Targets      []string `yaml:"targets"`
	Channel      string   `yaml:"channel"`
	AckPolicy    string   `yaml:"ack_policy"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with wr config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) channelConfigured(name string) bool {
	switch name {
	case "email":
		return c.Channels.Email != nil
	case "sms":
		return c.Channels.SMS != nil
	case "push":
		return c.Channels.Push != nil
	case "chat":
		return c.Channels.Chat != nil
	}
	return false
}

func validChannelName(name string) bool {
	for _, c := range KnownChannels {
		if c == name {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure. Anything referencing
// an unconfigured channel, an unknown stakeholder or a bad timezone is
// rejected here rather than at dispatch time.
func (c *Config) Validate() error {
	if c.Defaults.AckPolicy != "" && c.Defaults.AckPolicy != "any" && c.Defaults.AckPolicy != "all" {
		return fmt.Errorf("defaults.ack_policy must be any or all, got %q", c.Defaults.AckPolicy)
	}
	for _, name := range c.Defaults.ChannelOrder {
		if !validChannelName(name) {
			return fmt.Errorf("defaults.channel_order contains unknown channel %q", name)
		}
	}
	if ch := c.Channels.Email; ch != nil {
		if ch.Host == "" || ch.Port == 0 {
			return fmt.Errorf("channels.email requires host and port")
		}
		if ch.From == "" {
			return fmt.Errorf("channels.email requires from")
		}
	}
	if ch := c.Channels.SMS; ch != nil {
		if ch.APIURL == "" || ch.AccountID == "" || ch.Token == "" || ch.FromNumber == "" {
			return fmt.Errorf("channels.sms requires api_url, account_id, token and from_number")
		}
	}
	if ch := c.Channels.Push; ch != nil {
		if ch.APIURL == "" || ch.APIKey == "" {
			return fmt.Errorf("channels.push requires api_url and api_key")
		}
	}
	if ch := c.Channels.Chat; ch != nil {
		if ch.WebhookURL == "" {
			return fmt.Errorf("channels.chat requires webhook_url")
		}
	}
	known := map[string]bool{}
	for _, s := range c.Directory {
		if s.ID == "" {
			return fmt.Errorf("directory entry missing id")
		}
		if known[s.ID] {
			return fmt.Errorf("duplicate stakeholder id %s", s.ID)
		}
		known[s.ID] = true
		if s.PreferredChannel != "" && !validChannelName(s.PreferredChannel) {
			return fmt.Errorf("stakeholder %s has unknown preferred channel %q", s.ID, s.PreferredChannel)
		}
		for ch := range s.Endpoints {
			if !validChannelName(ch) {
				return fmt.Errorf("stakeholder %s has endpoint for unknown channel %q", s.ID, ch)
			}
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("stakeholder %s has invalid timezone %q", s.ID, s.Timezone)
			}
		}
		if s.BusinessStartHour < 0 || s.BusinessStartHour > 23 || s.BusinessEndHour < 0 || s.BusinessEndHour > 24 {
			return fmt.Errorf("stakeholder %s has business hours out of range", s.ID)
		}
	}
	seenRule := map[string]bool{}
	for _, r := range c.Rules {
		if r.Scenario == "" || r.Severity == "" {
			return fmt.Errorf("rule missing scenario or severity")
		}
		key := r.Scenario + "/" + r.Severity
		if seenRule[key] {
			return fmt.Errorf("duplicate rule for %s", key)
		}
		seenRule[key] = true
		if len(r.Levels) == 0 {
			return fmt.Errorf("rule %s has no escalation levels", key)
		}
		prevDelay := -1
		for i, lvl := range r.Levels {
			if lvl.DelayMinutes < 0 {
				return fmt.Errorf("rule %s level %d has negative delay", key, i)
			}
			if lvl.DelayMinutes < prevDelay {
				return fmt.Errorf("rule %s levels must have non-decreasing delays", key)
			}
			prevDelay = lvl.DelayMinutes
			if len(lvl.Targets) == 0 {
				return fmt.Errorf("rule %s level %d has no targets", key, i)
			}
			for _, target := range lvl.Targets {
				if len(c.Directory) > 0 && !known[target] {
					return fmt.Errorf("rule %s level %d targets unknown stakeholder %s", key, i, target)
				}
			}
			if lvl.Channel != "" && !validChannelName(lvl.Channel) {
				return fmt.Errorf("rule %s level %d has unknown channel %q", key, i, lvl.Channel)
			}
			if lvl.AckPolicy != "" && lvl.AckPolicy != "any" && lvl.AckPolicy != "all" {
				return fmt.Errorf("rule %s level %d ack_policy must be any or all", key, i)
			}
		}
	}
	return nil
}

// ChannelOrder returns the configured global fallback order, or the
// built-in default.
func (c *Config) ChannelOrder() []string {
	if len(c.Defaults.ChannelOrder) > 0 {
		return c.Defaults.ChannelOrder
	}
	return []string{"email", "push", "sms", "chat"}
}

// AckPolicy returns the default satisfaction policy for escalation levels.
func (c *Config) AckPolicy() string {
	if c.Defaults.AckPolicy != "" {
		return c.Defaults.AckPolicy
	}
	return "any"
}

func (c *Config) Workers() int {
	if c.Defaults.Workers > 0 {
		return c.Defaults.Workers
	}
	return 4
}

func (c *Config) MaxAttempts() int {
	if c.Defaults.MaxAttempts > 0 {
		return c.Defaults.MaxAttempts
	}
	return 5
}

func (c *Config) BackoffBase() time.Duration {
	if c.Defaults.BackoffBaseSeconds > 0 {
		return time.Duration(c.Defaults.BackoffBaseSeconds) * time.Second
	}
	return 30 * time.Second
}

func (c *Config) BackoffCap() time.Duration {
	if c.Defaults.BackoffCapSeconds > 0 {
		return time.Duration(c.Defaults.BackoffCapSeconds) * time.Second
	}
	return time.Hour
}

func (c *Config) Lease() time.Duration {
	if c.Defaults.LeaseSeconds > 0 {
		return time.Duration(c.Defaults.LeaseSeconds) * time.Second
	}
	return 60 * time.Second
}

func (c *Config) Retention() time.Duration {
	if c.Defaults.RetentionHours > 0 {
		return time.Duration(c.Defaults.RetentionHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

func (c *Config) StallGrace() time.Duration {
	if c.Defaults.StallGraceMinutes > 0 {
		return time.Duration(c.Defaults.StallGraceMinutes) * time.Minute
	}
	return 15 * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "warroom.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns a minimal usable Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `defaults:
  channel_order: [email, push, sms, chat]
  ack_policy: any
  workers: 4
  max_attempts: 5
  backoff_base_seconds: 30
  backoff_cap_seconds: 3600
  lease_seconds: 60
  retention_hours: 168
  stall_grace_minutes: 15

channels:
  chat:
    webhook_url: "https://example.invalid/webhook"

directory:
  - id: duty-officer
    name: "Duty Officer"
    role: operations
    endpoints:
      chat: "#crisis-room"
    preferred_channel: chat
    emergency_override: true
    timezone: UTC

rules:
  - scenario: default
    severity: critical
    levels:
      - delay_minutes: 0
        targets: [duty-officer]
      - delay_minutes: 15
        targets: [duty-officer]
        ack_policy: any
`
