package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AccountConfig declares one bound provider account.
type AccountConfig struct {
	// ID is the stable account identifier, e.g. "google:me@example.com".
	ID string `mapstructure:"id" yaml:"id"`

	// Kind is one of "google", "microsoft" or "imap".
	Kind string `mapstructure:"kind" yaml:"kind"`

	Email string `mapstructure:"email" yaml:"email"`
	Alias string `mapstructure:"alias" yaml:"alias"`

	// ColdStartDays is the backfill window used when no cursor exists.
	ColdStartDays int `mapstructure:"cold_start_days" yaml:"cold_start_days"`

	Capabilities CapabilitiesConfig `mapstructure:"capabilities" yaml:"capabilities"`

	Gmail *GmailMeta `mapstructure:"gmail" yaml:"gmail"`
	Graph *GraphMeta `mapstructure:"graph" yaml:"graph"`
	IMAP  *IMAPMeta  `mapstructure:"imap" yaml:"imap"`
}

// CapabilitiesConfig declares account features. Mail is on unless
// explicitly disabled.
type CapabilitiesConfig struct {
	Mail     *bool `mapstructure:"mail" yaml:"mail"`
	Calendar bool  `mapstructure:"calendar" yaml:"calendar"`
	Contacts bool  `mapstructure:"contacts" yaml:"contacts"`
}

// Account converts the declaration into a registry account.
func (c AccountConfig) Account() Account {
	return Account{
		ID:            c.ID,
		Kind:          ProviderKind(strings.ToLower(c.Kind)),
		Email:         c.Email,
		Alias:         c.Alias,
		Capabilities: Capabilities{
			Mail:     c.Capabilities.Mail == nil || *c.Capabilities.Mail,
			Calendar: c.Capabilities.Calendar,
			Contacts: c.Capabilities.Contacts,
		},
		ColdStartDays: c.ColdStartDays,
		Meta: ProviderMeta{
			Gmail: c.Gmail,
			Graph: c.Graph,
			IMAP:  c.IMAP,
		},
	}
}

// FetchConfig tunes paging and backoff for ingestion.
type FetchConfig struct {
	DefaultColdStartDays  int           `mapstructure:"default_cold_start_days" yaml:"default_cold_start_days"`
	MaxResultsPerPage     int           `mapstructure:"max_results_per_page" yaml:"max_results_per_page"`
	MinResultsPerPage     int           `mapstructure:"min_results_per_page" yaml:"min_results_per_page"`
	MaxPagesPerRun        int           `mapstructure:"max_pages_per_run" yaml:"max_pages_per_run"`
	BackoffRetries        int           `mapstructure:"backoff_retries" yaml:"backoff_retries"`
	BackoffInitialSeconds int           `mapstructure:"backoff_initial_seconds" yaml:"backoff_initial_seconds"`
	BackoffMaxSeconds     int           `mapstructure:"backoff_max_seconds" yaml:"backoff_max_seconds"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// MailConfig holds polling and triage behavior.
type MailConfig struct {
	Fetch FetchConfig `mapstructure:"fetch" yaml:"fetch"`

	// PollInterval is the loop cadence; it also sizes scheduler windows.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	AutoReply     bool `mapstructure:"auto_reply" yaml:"auto_reply"`
	AutoReplySend bool `mapstructure:"auto_reply_send" yaml:"auto_reply_send"`

	SuggestMaxItems     int `mapstructure:"suggest_max_items" yaml:"suggest_max_items"`
	ReplyNeededMaxItems int `mapstructure:"reply_needed_max_items" yaml:"reply_needed_max_items"`
}

// RulesConfig points at the YAML rule files.
type RulesConfig struct {
	TagsPath        string `mapstructure:"tags_path" yaml:"tags_path"`
	ReplyNeededPath string `mapstructure:"reply_needed_path" yaml:"reply_needed_path"`
}

// ReplyConfig gates outbound sends.
type ReplyConfig struct {
	// GateWord must appear in a send confirmation.
	GateWord string `mapstructure:"gate_word" yaml:"gate_word"`

	// Disclosure is appended to generated drafts.
	Disclosure string `mapstructure:"disclosure" yaml:"disclosure"`

	// RequirePayload makes manual sends carry an explicit payload unless
	// bypass is requested and allowed.
	RequirePayload bool `mapstructure:"require_payload" yaml:"require_payload"`

	// AllowBypass permits sending the stored draft without a payload.
	AllowBypass bool `mapstructure:"allow_bypass" yaml:"allow_bypass"`

	ListLimit int `mapstructure:"list_limit" yaml:"list_limit"`
}

// JobScheduleConfig is one recurring job window.
type JobScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Weekdays string `mapstructure:"weekdays" yaml:"weekdays"`
	Times    string `mapstructure:"times" yaml:"times"`
	// DaysOfMonth replaces the weekday check when set.
	DaysOfMonth string `mapstructure:"days_of_month" yaml:"days_of_month"`
}

// SchedulerConfig holds the job windows evaluated in the scheduler timezone.
type SchedulerConfig struct {
	Timezone string            `mapstructure:"timezone" yaml:"timezone"`
	Digest   JobScheduleConfig `mapstructure:"digest" yaml:"digest"`
	Summary  JobScheduleConfig `mapstructure:"summary" yaml:"summary"`
	Billing  JobScheduleConfig `mapstructure:"billing" yaml:"billing"`
}

// AgentConfig selects the external draft generator.
type AgentConfig struct {
	// Backend is "command", "api" or "" (rule-based drafts only).
	Backend string        `mapstructure:"backend" yaml:"backend"`
	Command string        `mapstructure:"command" yaml:"command"`
	Args    []string      `mapstructure:"args" yaml:"args"`
	Model   string        `mapstructure:"model" yaml:"model"`
	APIURL  string        `mapstructure:"api_url" yaml:"api_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	MaxTokens int `mapstructure:"max_tokens" yaml:"max_tokens"`

	// FailureThreshold consecutive failures open the breaker for CoolDown.
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down" yaml:"cool_down"`
}

// OAuthConfig holds client registrations used to refresh stored tokens.
type OAuthConfig struct {
	GoogleClientID     string `mapstructure:"google_client_id" yaml:"google_client_id"`
	GoogleClientSecret string `mapstructure:"google_client_secret" yaml:"google_client_secret"`
	MSClientID         string `mapstructure:"ms_client_id" yaml:"ms_client_id"`
	MSClientSecret     string `mapstructure:"ms_client_secret" yaml:"ms_client_secret"`
}

// SecurityConfig holds at-rest settings.
type SecurityConfig struct {
	// RawPayloadKey is a base64 32-byte key; when set, raw payloads are sealed.
	RawPayloadKey string `mapstructure:"raw_payload_key" yaml:"raw_payload_key"`

	KeyringService string `mapstructure:"keyring_service" yaml:"keyring_service"`
	KeyringDir     string `mapstructure:"keyring_dir" yaml:"keyring_dir"`

	// KeyringBackend pins one backend, e.g. "file"; empty tries the
	// platform keychains first.
	KeyringBackend string `mapstructure:"keyring_backend" yaml:"keyring_backend"`
}

// LoggingConfig selects the logger flavor.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// MetricsConfig exposes Prometheus metrics when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DatabasePath string          `mapstructure:"database_path" yaml:"database_path"`
	Accounts     []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Mail         MailConfig      `mapstructure:"mail" yaml:"mail"`
	Rules        RulesConfig     `mapstructure:"rules" yaml:"rules"`
	Reply        ReplyConfig     `mapstructure:"reply" yaml:"reply"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Agent        AgentConfig     `mapstructure:"agent" yaml:"agent"`
	OAuth        OAuthConfig     `mapstructure:"oauth" yaml:"oauth"`
	Security     SecurityConfig  `mapstructure:"security" yaml:"security"`
	Logging      LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics      MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// DefaultConfigDir returns ~/.config/mailhub.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailhub")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailhub/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// setDefaults registers every default so missing keys and env-only keys
// resolve.
func setDefaults(v *viper.Viper) {
	dir := DefaultConfigDir()

	v.SetDefault("database_path", filepath.Join(dir, "mailhub.db"))

	v.SetDefault("mail.fetch.default_cold_start_days", 30)
	v.SetDefault("mail.fetch.max_results_per_page", 50)
	v.SetDefault("mail.fetch.min_results_per_page", 10)
	v.SetDefault("mail.fetch.max_pages_per_run", 5)
	v.SetDefault("mail.fetch.backoff_retries", 4)
	v.SetDefault("mail.fetch.backoff_initial_seconds", 1)
	v.SetDefault("mail.fetch.backoff_max_seconds", 16)
	v.SetDefault("mail.fetch.request_timeout", 30*time.Second)
	v.SetDefault("mail.poll_interval", 15*time.Minute)
	v.SetDefault("mail.auto_reply", false)
	v.SetDefault("mail.auto_reply_send", false)
	v.SetDefault("mail.suggest_max_items", 10)
	v.SetDefault("mail.reply_needed_max_items", 20)

	v.SetDefault("rules.tags_path", filepath.Join(dir, "rules.email_tags.yml"))
	v.SetDefault("rules.reply_needed_path", filepath.Join(dir, "rules.reply_needed.yml"))

	v.SetDefault("reply.gate_word", "send")
	v.SetDefault("reply.disclosure", "")
	v.SetDefault("reply.require_payload", false)
	v.SetDefault("reply.allow_bypass", true)
	v.SetDefault("reply.list_limit", 200)

	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.digest.enabled", true)
	v.SetDefault("scheduler.digest.weekdays", "mon,tue,wed,thu,fri")
	v.SetDefault("scheduler.digest.times", "09:00")
	v.SetDefault("scheduler.summary.enabled", true)
	v.SetDefault("scheduler.summary.weekdays", "mon,tue,wed,thu,fri")
	v.SetDefault("scheduler.summary.times", "18:00")
	v.SetDefault("scheduler.billing.enabled", false)
	v.SetDefault("scheduler.billing.days_of_month", "1")
	v.SetDefault("scheduler.billing.times", "10:00")

	v.SetDefault("agent.backend", "")
	v.SetDefault("agent.timeout", 45*time.Second)
	v.SetDefault("agent.api_url", "https://api.anthropic.com/v1/messages")
	v.SetDefault("agent.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("agent.max_tokens", 1024)
	v.SetDefault("agent.failure_threshold", 3)
	v.SetDefault("agent.cool_down", 5*time.Minute)

	v.SetDefault("security.keyring_service", "mailhub")
	v.SetDefault("security.keyring_dir", filepath.Join(dir, "credentials"))
	v.SetDefault("security.keyring_backend", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A .env file in the working directory is loaded first, and MAILHUB_*
// environment variables override file values. If the file does not exist,
// defaults and environment are used.
func LoadConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].ColdStartDays <= 0 {
			cfg.Accounts[i].ColdStartDays = cfg.Mail.Fetch.DefaultColdStartDays
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *AppConfig) Validate() error {
	f := c.Mail.Fetch
	if f.MinResultsPerPage < 1 || f.MaxResultsPerPage < f.MinResultsPerPage {
		return E(KindInvalidInput,
			"mail.fetch: need 1 <= min_results_per_page (%d) <= max_results_per_page (%d)",
			f.MinResultsPerPage, f.MaxResultsPerPage)
	}
	if f.MaxPagesPerRun < 1 {
		return E(KindInvalidInput, "mail.fetch.max_pages_per_run must be >= 1")
	}
	if f.BackoffInitialSeconds < 1 || f.BackoffMaxSeconds < f.BackoffInitialSeconds {
		return E(KindInvalidInput,
			"mail.fetch: need 1 <= backoff_initial_seconds (%d) <= backoff_max_seconds (%d)",
			f.BackoffInitialSeconds, f.BackoffMaxSeconds)
	}
	if strings.TrimSpace(c.Reply.GateWord) == "" {
		return E(KindInvalidInput, "reply.gate_word must not be empty")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, ac := range c.Accounts {
		if seen[ac.ID] {
			return E(KindInvalidInput, "duplicate account id %q", ac.ID)
		}
		seen[ac.ID] = true
		if err := ac.Account().Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BackoffInitial returns the first retry delay.
func (f FetchConfig) BackoffInitial() time.Duration {
	return time.Duration(f.BackoffInitialSeconds) * time.Second
}

// BackoffMax returns the retry delay cap.
func (f FetchConfig) BackoffMax() time.Duration {
	return time.Duration(f.BackoffMaxSeconds) * time.Second
}
