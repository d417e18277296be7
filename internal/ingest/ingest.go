// Package ingest polls provider accounts page by page and stores the
// normalized messages, advancing each account's cursor.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/mailhub/internal/backoff"
	"github.com/nhle/mailhub/internal/cursor"
	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/metrics"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/store"
)

// sampleLimit caps the items echoed per account in a result.
const sampleLimit = 50

// Poll modes recorded in results.
const (
	ModeAlerts    = "alerts"
	ModeIngest    = "ingest"
	ModeBootstrap = "bootstrap"
)

// Item is a short description of one ingested message.
type Item struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
}

// AccountResult is the outcome of polling one account.
type AccountResult struct {
	AccountID   string             `json:"account_id"`
	Kind        model.ProviderKind `json:"kind"`
	Count       int                `json:"count"`
	Pages       int                `json:"pages"`
	SampleItems []Item             `json:"items"`
	Watermark   time.Time          `json:"watermark"`
	PageSize    int                `json:"page_size"`
	Error       *model.Failure     `json:"error,omitempty"`
}

// PollResult is the outcome of one poll run over several accounts.
type PollResult struct {
	RunID      string          `json:"run_id"`
	Mode       string          `json:"mode"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Accounts   []AccountResult `json:"accounts"`
}

// Total sums the ingested counts.
func (r *PollResult) Total() int {
	n := 0
	for _, a := range r.Accounts {
		n += a.Count
	}
	return n
}

// Failed reports how many accounts ended with an error.
func (r *PollResult) Failed() int {
	n := 0
	for _, a := range r.Accounts {
		if a.Error != nil {
			n++
		}
	}
	return n
}

// Store is the persistence the orchestrator needs.
type Store interface {
	store.AccountStore
	store.MessageStore
}

// Orchestrator runs polls.
type Orchestrator struct {
	store    Store
	cursors  *cursor.Manager
	adapters *provider.Registry
	policy   backoff.Policy
	maxPages int
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an Orchestrator polling at most maxPages pages per account
// and run.
func New(
	s Store,
	cursors *cursor.Manager,
	adapters *provider.Registry,
	policy backoff.Policy,
	maxPages int,
	opts ...Option,
) *Orchestrator {
	if maxPages < 1 {
		maxPages = 1
	}
	o := &Orchestrator{
		store:    s,
		cursors:  cursors,
		adapters: adapters,
		policy:   policy,
		maxPages: maxPages,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PollBound polls every mail-capable account in the registry, or only
// accountID when it is non-empty.
func (o *Orchestrator) PollBound(ctx context.Context, mode, accountID string) (*PollResult, error) {
	accounts, err := o.store.ListAccounts(ctx, store.AccountFilter{Capability: model.CapabilityMail})
	if err != nil {
		return nil, err
	}
	if accountID != "" {
		filtered := accounts[:0]
		for _, a := range accounts {
			if a.ID == accountID {
				filtered = append(filtered, a)
			}
		}
		accounts = filtered
	}
	return o.Poll(ctx, accounts, mode), nil
}

// BootstrapAccount clears the cursor of accountID, optionally replacing
// its cold start window, and polls it once.
func (o *Orchestrator) BootstrapAccount(ctx context.Context, accountID string, coldStartDays *int) (*PollResult, error) {
	if _, err := o.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if err := o.cursors.Reset(ctx, accountID, coldStartDays); err != nil {
		return nil, err
	}
	// Reload so a new cold start window is visible to Load.
	acct, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return o.Poll(ctx, []model.Account{*acct}, ModeBootstrap), nil
}

// Poll processes accounts sequentially. A failing account is recorded in
// its result and does not stop the others.
func (o *Orchestrator) Poll(ctx context.Context, accounts []model.Account, mode string) *PollResult {
	res := &PollResult{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: o.now().UTC(),
		Accounts:  make([]AccountResult, 0, len(accounts)),
	}
	logger := o.logger.With(zap.String("run_id", res.RunID), zap.String("mode", mode))
	logging.Event(logger, "inbox_poll_start", zap.Int("account_count", len(accounts)))

	for _, acct := range accounts {
		started := time.Now()
		alog := logger.With(zap.String("account_id", acct.ID), zap.String("kind", string(acct.Kind)))
		logging.Event(alog, "provider_poll_start")

		ar := o.pollAccount(ctx, alog, acct)

		errKind := ""
		if ar.Error != nil {
			errKind = string(ar.Error.Kind)
			alog.Error("provider_poll_error",
				zap.String("event", "provider_poll_error"),
				zap.String("error_kind", errKind),
				zap.String("error", ar.Error.Message),
			)
		} else {
			logging.Event(alog, "provider_poll_done", zap.Int("count", ar.Count), zap.Int("pages", ar.Pages))
		}
		metrics.RecordPoll(acct.ID, string(acct.Kind), ar.Count, errKind, time.Since(started))
		res.Accounts = append(res.Accounts, ar)
	}

	res.FinishedAt = o.now().UTC()
	logging.Event(logger, "inbox_poll_done",
		zap.Int("account_count", len(res.Accounts)),
		zap.Int("total_count", res.Total()),
	)
	return res
}

func (o *Orchestrator) pollAccount(ctx context.Context, logger *zap.Logger, acct model.Account) AccountResult {
	ar := AccountResult{AccountID: acct.ID, Kind: acct.Kind, SampleItems: []Item{}}

	adapter, err := o.adapters.For(acct)
	if err != nil {
		ar.Error = model.FailureOf(err)
		return ar
	}

	st, err := o.cursors.Load(ctx, acct)
	if err != nil {
		ar.Error = model.FailureOf(err)
		return ar
	}
	limits := o.cursors.Limits()
	st.PageSize = limits.ClampPageSize(st.PageSize)
	since := st.Watermark
	latest := st.Watermark

	tracker, tracksUID := adapter.(provider.UIDTracker)
	if tracksUID {
		st.Token = tracker.ResumeToken(st.LastUID)
	}

	logging.Event(logger, "provider_cursor_loaded",
		zap.Time("since", since),
		zap.Int("page_size", st.PageSize),
		zap.Uint32("last_uid", st.LastUID),
		zap.Bool("fresh", st.Fresh),
	)

	runErr := func() error {
		retries := 0
		relisted := false
		for ar.Pages < o.maxPages {
			page, err := adapter.ListPage(ctx, acct, since, st.Token, st.PageSize)
			if err != nil {
				if model.IsRateLimited(err) && retries < o.policy.Retries {
					metrics.RecordRateLimit(string(acct.Kind))
					delay := o.policy.DelayFor(retries, err)
					st.PageSize = backoff.HalvePageSize(st.PageSize, limits.MinPageSize)
					retries++
					logger.Warn("provider_rate_limited",
						zap.String("event", "provider_rate_limited"),
						zap.Int("retry", retries),
						zap.Duration("delay", delay),
						zap.Int("page_size", st.PageSize),
					)
					if werr := o.policy.Wait(ctx, delay); werr != nil {
						return werr
					}
					continue
				}
				if model.IsRateLimited(err) {
					return model.Wrap(model.KindRateLimited, err, "listing page %d: retries exhausted", ar.Pages+1)
				}
				return err
			}
			retries = 0

			if tracksUID && page.UIDValidity != 0 && page.UIDValidity != st.UIDValidity {
				stale := st.UIDValidity != 0
				logger.Warn("provider_uid_validity_changed",
					zap.String("event", "provider_uid_validity_changed"),
					zap.Uint32("previous", st.UIDValidity),
					zap.Uint32("current", page.UIDValidity),
				)
				st.UIDValidity = page.UIDValidity
				if stale {
					if relisted {
						return model.E(model.KindTransport, "uid validity changed twice in one run")
					}
					// Stored UIDs belong to an older mailbox generation.
					relisted = true
					st.LastUID = 0
					st.Token = ""
					continue
				}
			}

			pageLatest := latest
			for _, ref := range page.Refs {
				msg, err := backoff.Do(ctx, o.policy, func(ctx context.Context) (*model.Message, error) {
					return adapter.GetFull(ctx, acct, ref)
				})
				if err != nil {
					return err
				}
				if err := o.store.UpsertMessage(ctx, *msg); err != nil {
					return err
				}
				if msg.ReceivedAt.After(pageLatest) {
					pageLatest = msg.ReceivedAt
				}
				ar.Count++
				if len(ar.SampleItems) < sampleLimit {
					ar.SampleItems = append(ar.SampleItems, Item{
						ID:         msg.ID,
						Subject:    msg.Subject,
						ReceivedAt: msg.ReceivedAt,
					})
				}
			}

			// The page is complete; its timestamps are safe to commit. A
			// sender clock in the future must not move the watermark past now.
			if ceiling := o.now().UTC(); pageLatest.After(ceiling) {
				pageLatest = ceiling
			}
			latest = pageLatest
			if tracksUID {
				if uid := tracker.MaxUID(page.Refs); uid > st.LastUID {
					st.LastUID = uid
				}
			}
			ar.Pages++
			st.Token = page.NextToken
			if page.NextToken == "" || len(page.Refs) == 0 {
				return nil
			}
		}
		return nil
	}()

	if latest.After(st.Watermark) {
		st.Watermark = latest
	}
	// A cancelled run still records its progress.
	saved, err := o.cursors.Save(context.WithoutCancel(ctx), acct.ID, st)
	if err != nil && runErr == nil {
		runErr = err
	}
	if err == nil {
		ar.Watermark = saved.Watermark
		ar.PageSize = saved.PageSize
	} else {
		ar.Watermark = st.Watermark
		ar.PageSize = st.PageSize
	}
	ar.Error = model.FailureOf(runErr)
	return ar
}
