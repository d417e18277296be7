// Package app wires configuration, persistence, providers and the mail
// services into one application.
package app

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/nhle/mailhub/internal/agent"
	"github.com/nhle/mailhub/internal/backoff"
	"github.com/nhle/mailhub/internal/credential"
	"github.com/nhle/mailhub/internal/crypto"
	"github.com/nhle/mailhub/internal/cursor"
	"github.com/nhle/mailhub/internal/ingest"
	"github.com/nhle/mailhub/internal/jobs"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/provider/gmail"
	"github.com/nhle/mailhub/internal/provider/graph"
	"github.com/nhle/mailhub/internal/provider/imap"
	"github.com/nhle/mailhub/internal/reply"
	"github.com/nhle/mailhub/internal/rules"
	"github.com/nhle/mailhub/internal/schedule"
	"github.com/nhle/mailhub/internal/store"
	"github.com/nhle/mailhub/internal/triage"
)

// APIKeyEnv names the environment variable holding the drafting API key.
const APIKeyEnv = "ANTHROPIC_API_KEY"

// APIKeyCredential is the keyring entry consulted when APIKeyEnv is unset.
const APIKeyCredential = "anthropic:api_key"

// App holds the wired services of one process.
type App struct {
	Config      *model.AppConfig
	Logger      *zap.Logger
	Store       *store.SQLiteStore
	Credentials credential.Store
	Registry    *provider.Registry
	Cursors     *cursor.Manager
	Ingest      *ingest.Orchestrator
	Rules       *rules.RuleSet
	Triage      *triage.Triager
	Replies     *reply.Queue
	Slots       *schedule.Tracker
	Jobs        *jobs.Runner

	// AgentErr is why the drafter is unavailable, if it is.
	AgentErr error
}

type options struct {
	creds    credential.Store
	adapters []provider.Adapter
}

// Option customizes New.
type Option func(*options)

// WithCredentials replaces the system keyring.
func WithCredentials(c credential.Store) Option {
	return func(o *options) { o.creds = c }
}

// WithAdapters replaces the provider adapters built from configuration.
func WithAdapters(adapters ...provider.Adapter) Option {
	return func(o *options) { o.adapters = adapters }
}

// New opens the store, registers the configured accounts and builds every
// service. A misconfigured drafter does not fail New; replies then fall
// back to rule-based drafts and AgentErr records why.
func New(ctx context.Context, cfg *model.AppConfig, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var storeOpts []store.Option
	if cfg.Security.RawPayloadKey != "" {
		sealer, err := crypto.NewSealer(cfg.Security.RawPayloadKey)
		if err != nil {
			return nil, err
		}
		storeOpts = append(storeOpts, store.WithSealer(sealer))
	}
	s, err := store.NewSQLiteStore(cfg.DatabasePath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a, err := build(ctx, cfg, logger, s, o)
	if err != nil {
		s.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *model.AppConfig, logger *zap.Logger, s *store.SQLiteStore, o options) (*App, error) {
	creds := o.creds
	if creds == nil {
		ring, err := credential.Open(cfg.Security)
		if err != nil {
			return nil, err
		}
		creds = ring
	}

	if _, err := RegisterAccounts(ctx, s, cfg.Accounts); err != nil {
		return nil, err
	}

	adapters := o.adapters
	if adapters == nil {
		adapters = Adapters(cfg, creds)
	}
	registry := provider.NewRegistry(adapters...)

	fetch := cfg.Mail.Fetch
	cursors := cursor.NewManager(s, cursor.LimitsFromConfig(fetch), nil)
	orch := ingest.New(s, cursors, registry, backoff.FromConfig(fetch), fetch.MaxPagesPerRun,
		ingest.WithLogger(logger.Named("ingest")))

	rs, err := rules.Load(cfg.Rules.TagsPath, cfg.Rules.ReplyNeededPath)
	if err != nil {
		return nil, err
	}
	triager := triage.New(s, rs, cfg.Mail, logger.Named("triage"))

	replyOpts := []reply.Option{reply.WithLogger(logger.Named("reply"))}
	var apiKey string
	if cfg.Agent.Backend == agent.BackendAPI {
		apiKey = loadAPIKey(creds)
	}
	drafter, agentErr := agent.New(cfg.Agent, apiKey, logger.Named("agent"))
	if agentErr != nil {
		logger.Warn("drafter unavailable, using rule-based drafts", zap.Error(agentErr))
	} else if drafter != nil {
		replyOpts = append(replyOpts, reply.WithDrafter(drafter))
	}
	queue := reply.New(s, registry, cfg.Reply, replyOpts...)

	slots := schedule.NewTracker(s)
	runner, err := jobs.New(s, orch, triager, queue, slots, cfg, jobs.WithLogger(logger.Named("jobs")))
	if err != nil {
		return nil, err
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       s,
		Credentials: creds,
		Registry:    registry,
		Cursors:     cursors,
		Ingest:      orch,
		Rules:       rs,
		Triage:      triager,
		Replies:     queue,
		Slots:       slots,
		Jobs:        runner,
		AgentErr:    agentErr,
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Adapters builds one adapter per provider kind from configuration.
func Adapters(cfg *model.AppConfig, creds credential.Store) []provider.Adapter {
	timeout := cfg.Mail.Fetch.RequestTimeout
	return []provider.Adapter{
		gmail.New(gmail.OAuthServices(creds, GoogleOAuthConfig(cfg.OAuth)), timeout),
		graph.New(graph.OAuthClients(creds, cfg.OAuth.MSClientID, cfg.OAuth.MSClientSecret), timeout),
		imap.New(creds, timeout),
	}
}

// GoogleOAuthConfig returns the client registration used to refresh Gmail
// tokens.
func GoogleOAuthConfig(c model.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.GoogleClientID,
		ClientSecret: c.GoogleClientSecret,
		Endpoint:     endpoints.Google,
		Scopes:       gmail.Scopes,
	}
}

// loadAPIKey reads the drafting API key from the environment or the
// keyring. Returns "" if no key is available.
func loadAPIKey(creds credential.Store) string {
	if key := os.Getenv(APIKeyEnv); key != "" {
		return key
	}
	key, err := creds.Get(APIKeyCredential)
	if err != nil {
		return ""
	}
	return key
}
