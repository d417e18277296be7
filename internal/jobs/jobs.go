// Package jobs runs one full mail cycle: poll, triage, auto reply and the
// scheduled digest, billing and summary jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailhub/internal/ingest"
	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/metrics"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/reply"
	"github.com/nhle/mailhub/internal/schedule"
	"github.com/nhle/mailhub/internal/store"
	"github.com/nhle/mailhub/internal/triage"
)

// Scheduled job kinds.
const (
	JobDigest  = "digest"
	JobBilling = "billing"
	JobSummary = "summary"
)

// BillingTag is the triage tag marking billing statements.
const BillingTag = "billing"

// BillingLookback is how far back the billing job collects statements.
const BillingLookback = 45 * 24 * time.Hour

// DefaultInterval is the loop cadence when none is configured.
const DefaultInterval = 15 * time.Minute

// ErrNoAccounts is returned when no mail account is bound.
var ErrNoAccounts = errors.New("no mail account is bound")

// Store is the persistence the runner reads directly.
type Store interface {
	store.AccountStore
	store.MessageStore
	store.ReplyStore
}

// Poller polls bound accounts.
type Poller interface {
	PollBound(ctx context.Context, mode, accountID string) (*ingest.PollResult, error)
}

// Triager tags a day and picks suggestions.
type Triager interface {
	Day(ctx context.Context, day string) (*triage.Report, error)
	Suggest(ctx context.Context, day string) ([]triage.Suggestion, error)
}

// AutoReplier drafts and optionally sends pending replies.
type AutoReplier interface {
	Auto(ctx context.Context, dryRun bool) (*reply.AutoResult, error)
}

// SlotTracker decides which scheduled slots are due.
type SlotTracker interface {
	IsDue(ctx context.Context, kind string, nowLocal time.Time, w schedule.Window, tolerance time.Duration) ([]string, error)
	MarkFired(ctx context.Context, key string) error
}

// Summary is the day's mail status.
type Summary struct {
	Day          string                    `json:"day"`
	Total        int                       `json:"total"`
	TagCounts    []model.TagCount          `json:"tag_counts"`
	ReplyCounts  map[model.ReplyStatus]int `json:"reply_counts"`
	PendingReply int                       `json:"pending_replies"`
}

// Statement is one message tagged as a billing statement.
type Statement struct {
	MessageID  string    `json:"message_id"`
	AccountID  string    `json:"account_id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
}

// BillingReport lists the statements received since Since, newest first.
// MonthCount counts those received in Month, in the scheduler timezone.
type BillingReport struct {
	Since      time.Time   `json:"since"`
	Month      string      `json:"month"`
	Detected   []Statement `json:"detected"`
	MonthCount int         `json:"month_count"`
}

// JobRun is one fired scheduled job.
type JobRun struct {
	Kind    string         `json:"kind"`
	Slots   []string       `json:"slots"`
	Digest  *triage.Report `json:"digest,omitempty"`
	Billing *BillingReport `json:"billing,omitempty"`
	Summary *Summary       `json:"summary,omitempty"`
}

// RunReport is the outcome of RunOnce.
type RunReport struct {
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	NowLocal    time.Time           `json:"now_local"`
	Tolerance   string              `json:"tolerance"`
	Poll        *ingest.PollResult  `json:"poll"`
	Triage      *triage.Report      `json:"triage"`
	Suggestions []triage.Suggestion `json:"suggestions"`
	Summary     *Summary            `json:"summary"`
	AutoReply   *reply.AutoResult   `json:"auto_reply,omitempty"`
	Jobs        []JobRun            `json:"jobs"`
}

// Runner executes job cycles.
type Runner struct {
	store    Store
	poller   Poller
	triager  Triager
	replies  AutoReplier
	slots    SlotTracker
	mail     model.MailConfig
	sched    model.SchedulerConfig
	loc      *time.Location
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New returns a Runner. It fails when the scheduler timezone is invalid.
func New(
	s Store,
	p Poller,
	t Triager,
	replies AutoReplier,
	slots SlotTracker,
	cfg *model.AppConfig,
	opts ...Option,
) (*Runner, error) {
	loc, err := schedule.Location(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	interval := cfg.Mail.PollInterval
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Runner{
		store:    s,
		poller:   p,
		triager:  t,
		replies:  replies,
		slots:    slots,
		mail:     cfg.Mail,
		sched:    cfg.Scheduler,
		loc:      loc,
		interval: interval,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunOnce polls every bound account, triages today, runs auto reply when
// enabled and fires the due scheduled jobs. Per-account poll failures are
// reported in the poll result; any other failure aborts the cycle.
func (r *Runner) RunOnce(ctx context.Context) (*RunReport, error) {
	accounts, err := r.store.ListAccounts(ctx, store.AccountFilter{Capability: model.CapabilityMail})
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		r.logger.Warn("jobs_run_no_provider_bound", zap.String("event", "jobs_run_no_provider_bound"))
		return nil, ErrNoAccounts
	}

	started := r.now()
	today := started.UTC().Format(model.DayLayout)
	report := &RunReport{StartedAt: started.UTC(), Jobs: []JobRun{}}
	logging.Event(r.logger, "jobs_run_start", zap.Int("account_count", len(accounts)))

	if report.Poll, err = r.poller.PollBound(ctx, ingest.ModeIngest, ""); err != nil {
		return nil, fmt.Errorf("polling: %w", err)
	}
	logging.Event(r.logger, "jobs_poll_finished",
		zap.Int("total", report.Poll.Total()),
		zap.Int("failed", report.Poll.Failed()),
	)

	if report.Triage, err = r.triager.Day(ctx, today); err != nil {
		return nil, fmt.Errorf("triaging %s: %w", today, err)
	}
	if report.Suggestions, err = r.triager.Suggest(ctx, today); err != nil {
		return nil, fmt.Errorf("suggesting for %s: %w", today, err)
	}
	logging.Event(r.logger, "jobs_triage_finished",
		zap.Int("total", report.Triage.Total),
		zap.Int("reply_needed", len(report.Triage.ReplyNeeded)),
	)

	if report.Summary, err = r.Summary(ctx, today); err != nil {
		return nil, err
	}

	if r.mail.AutoReply {
		if report.AutoReply, err = r.replies.Auto(ctx, !r.mail.AutoReplySend); err != nil {
			return nil, fmt.Errorf("auto reply: %w", err)
		}
		logging.Event(r.logger, "jobs_auto_reply_finished",
			zap.Bool("dry_run", report.AutoReply.DryRun),
			zap.Int("drafted", len(report.AutoReply.Drafted)),
			zap.Int("sent", len(report.AutoReply.Sent)),
		)
	}

	nowLocal := r.now().In(r.loc)
	tolerance := schedule.Tolerance(r.interval)
	report.NowLocal = nowLocal
	report.Tolerance = tolerance.String()

	jobs := []struct {
		kind string
		cfg  model.JobScheduleConfig
		run  func(context.Context, *JobRun) error
	}{
		{JobDigest, r.sched.Digest, func(ctx context.Context, jr *JobRun) (err error) {
			jr.Digest, err = r.triager.Day(ctx, today)
			return err
		}},
		{JobBilling, r.sched.Billing, func(ctx context.Context, jr *JobRun) (err error) {
			jr.Billing, err = r.Billing(ctx)
			return err
		}},
		{JobSummary, r.sched.Summary, func(ctx context.Context, jr *JobRun) (err error) {
			jr.Summary, err = r.Summary(ctx, today)
			return err
		}},
	}
	for _, job := range jobs {
		if !job.cfg.Enabled {
			continue
		}
		due, err := r.slots.IsDue(ctx, job.kind, nowLocal, schedule.WindowFromConfig(job.cfg), tolerance)
		if err != nil {
			return nil, fmt.Errorf("checking %s slots: %w", job.kind, err)
		}
		if len(due) == 0 {
			continue
		}

		jr := JobRun{Kind: job.kind, Slots: due}
		if err := job.run(ctx, &jr); err != nil {
			return nil, fmt.Errorf("running %s: %w", job.kind, err)
		}
		for _, key := range due {
			if err := r.slots.MarkFired(ctx, key); err != nil {
				return nil, err
			}
			metrics.RecordSlotFire(job.kind)
		}
		logging.Event(r.logger, "jobs_"+job.kind+"_triggered", zap.Strings("slots", due))
		report.Jobs = append(report.Jobs, jr)
	}

	report.FinishedAt = r.now().UTC()
	logging.Event(r.logger, "jobs_run_done", zap.Int("jobs_fired", len(report.Jobs)))
	return report, nil
}

// Loop runs RunOnce immediately and then every poll interval until ctx is
// done. Failed cycles are logged and do not stop the loop.
func (r *Runner) Loop(ctx context.Context, onReport func(*RunReport)) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		report, err := r.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			r.logger.Error("jobs_run_failed", zap.String("event", "jobs_run_failed"), zap.Error(err))
		case onReport != nil:
			onReport(report)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Summary reports message, tag and reply counts for day.
func (r *Runner) Summary(ctx context.Context, day string) (*Summary, error) {
	day, err := triage.ResolveDay(day, r.now())
	if err != nil {
		return nil, err
	}
	msgs, err := r.store.ListMessages(ctx, store.MessageFilter{Day: day})
	if err != nil {
		return nil, err
	}
	tags, err := r.store.TagCountsForDay(ctx, day)
	if err != nil {
		return nil, err
	}
	replies, err := r.store.ReplyCountsForDay(ctx, day)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Day:          day,
		Total:        len(msgs),
		TagCounts:    tags,
		ReplyCounts:  replies,
		PendingReply: replies[model.ReplyPending],
	}, nil
}

// Billing collects the billing statements of the last BillingLookback.
func (r *Runner) Billing(ctx context.Context) (*BillingReport, error) {
	now := r.now()
	since := now.UTC().Add(-BillingLookback)
	msgs, err := r.store.ListMessages(ctx, store.MessageFilter{Since: &since, Tag: BillingTag})
	if err != nil {
		return nil, err
	}

	month := now.In(r.loc).Format("2006-01")
	report := &BillingReport{Since: since, Month: month, Detected: make([]Statement, 0, len(msgs))}
	for _, m := range msgs {
		report.Detected = append(report.Detected, Statement{
			MessageID:  m.ID,
			AccountID:  m.AccountID,
			From:       m.From,
			Subject:    m.Subject,
			ReceivedAt: m.ReceivedAt,
		})
		if m.ReceivedAt.In(r.loc).Format("2006-01") == month {
			report.MonthCount++
		}
	}
	logging.Event(r.logger, "jobs_billing_detected",
		zap.Int("detected_count", len(report.Detected)),
		zap.Int("month_count", report.MonthCount),
	)
	return report, nil
}
