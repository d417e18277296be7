// Package agent runs external reply drafters behind a circuit breaker.
package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailhub/internal/metrics"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/reply"
)

// Backend names.
const (
	BackendNone    = ""
	BackendCommand = "command"
	BackendAPI     = "api"
)

// DefaultTimeout bounds one draft call when config leaves it unset.
const DefaultTimeout = 60 * time.Second

// Guarded wraps a drafter with a timeout and a circuit breaker.
type Guarded struct {
	backend string
	next    reply.Drafter
	breaker *Breaker
	timeout time.Duration
	logger  *zap.Logger
}

var _ reply.Drafter = (*Guarded)(nil)

// Guard wraps next.
func Guard(backend string, next reply.Drafter, breaker *Breaker, timeout time.Duration, logger *zap.Logger) *Guarded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{backend: backend, next: next, breaker: breaker, timeout: timeout, logger: logger}
}

// Draft calls the wrapped drafter unless the breaker is open.
func (g *Guarded) Draft(ctx context.Context, req reply.DraftRequest) (*reply.Draft, error) {
	var d *reply.Draft
	start := time.Now()
	err := g.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		var err error
		d, err = g.next.Draft(ctx, req)
		return err
	})

	status := "ok"
	switch {
	case errors.Is(err, ErrBreakerOpen):
		status = "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	metrics.RecordAgentCall(g.backend, status, time.Since(start))

	if err != nil {
		g.logger.Warn("agent_draft_failed",
			zap.String("event", "agent_draft_failed"),
			zap.String("backend", g.backend),
			zap.String("status", status),
			zap.String("breaker", g.breaker.State().String()),
			zap.Error(err),
		)
		return nil, err
	}
	return d, nil
}

// New builds the configured drafter. It returns nil when no backend is
// configured, leaving replies to the rule-based fallback.
func New(cfg model.AgentConfig, apiKey string, logger *zap.Logger) (reply.Drafter, error) {
	var next reply.Drafter
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendCommand:
		if cfg.Command == "" {
			return nil, model.E(model.KindInvalidInput, "agent.command is required for the command backend")
		}
		next = NewCommandDrafter(cfg.Command, cfg.Args...)
	case BackendAPI:
		if apiKey == "" {
			return nil, model.E(model.KindInvalidInput, "ANTHROPIC_API_KEY is required for the api backend")
		}
		next = NewMessagesDrafter(apiKey, cfg.APIURL, cfg.Model, cfg.MaxTokens, &http.Client{})
	default:
		return nil, model.E(model.KindInvalidInput, "unknown agent backend %q", cfg.Backend)
	}

	breaker := NewBreaker(BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		CoolDown:         cfg.CoolDown,
	}, time.Now)
	return Guard(cfg.Backend, next, breaker, cfg.Timeout, logger), nil
}
