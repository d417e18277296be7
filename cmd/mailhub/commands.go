package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nhle/mailhub/internal/ingest"
	"github.com/nhle/mailhub/internal/jobs"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/reply"
	"github.com/nhle/mailhub/internal/schedule"
	"github.com/nhle/mailhub/internal/triage"
)

func runPoll(ctx context.Context, e *env, args []string) (any, error) {
	fs := newFlagSet(e, "poll")
	mode := fs.String("mode", ingest.ModeIngest, "ingest or alerts")
	account := fs.String("account", "", "poll only this account id")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if *mode != ingest.ModeIngest && *mode != ingest.ModeAlerts {
		return nil, errUsage
	}

	a, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	return a.Ingest.PollBound(ctx, *mode, *account)
}

func runBootstrap(ctx context.Context, e *env, args []string) (any, error) {
	fs := newFlagSet(e, "bootstrap")
	account := fs.String("account", "", "account id to backfill")
	days := fs.Int("cold-start-days", 0, "replace the account's cold start window")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if *account == "" {
		return nil, errUsage
	}

	a, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	var coldStart *int
	if fs.Changed("cold-start-days") {
		coldStart = days
	}
	return a.Ingest.BootstrapAccount(ctx, *account, coldStart)
}

type triageOutput struct {
	*triage.Report
	Suggestions []triage.Suggestion `json:"suggestions,omitempty"`
}

func runTriage(ctx context.Context, e *env, args []string) (any, error) {
	fs := newFlagSet(e, "triage")
	day := fs.String("day", "today", "day to triage")
	suggest := fs.Bool("suggest", false, "also list messages worth reading")
	if err := parse(fs, args); err != nil {
		return nil, err
	}

	a, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	report, err := a.Triage.Day(ctx, *day)
	if err != nil {
		return nil, err
	}
	out := triageOutput{Report: report}
	if *suggest {
		if out.Suggestions, err = a.Triage.Suggest(ctx, report.Day); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func runSummary(ctx context.Context, e *env, args []string) (any, error) {
	fs := newFlagSet(e, "summary")
	day := fs.String("day", "today", "day to summarize")
	if err := parse(fs, args); err != nil {
		return nil, err
	}

	a, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	return a.Jobs.Summary(ctx, *day)
}

func runDoctor(ctx context.Context, e *env, args []string) (any, error) {
	if err := parse(newFlagSet(e, "doctor"), args); err != nil {
		return nil, err
	}
	a, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	return a.Doctor(ctx)
}

func runJobs(ctx context.Context, e *env, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errUsage
	}
	fs := newFlagSet(e, "jobs "+args[0])
	metricsAddr := fs.String("metrics-addr", "", "serve /metrics on this address while looping")
	if err := parse(fs, args[1:]); err != nil {
		return nil, err
	}

	switch args[0] {
	case "run":
		a, err := e.open(ctx)
		if err != nil {
			return nil, err
		}
		return a.Jobs.RunOnce(ctx)
	case "loop":
		a, err := e.open(ctx)
		if err != nil {
			return nil, err
		}
		addr := a.Config.Metrics.ListenAddr
		if fs.Changed("metrics-addr") {
			addr = *metricsAddr
		}
		if addr != "" {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("listening on %s: %w", addr, err)
			}
			go func() {
				if err := jobs.ServeMetrics(ctx, ln, a.Logger); err != nil {
					a.Logger.Error("metrics server stopped", zap.Error(err))
				}
			}()
		}

		runs := 0
		err = a.Jobs.Loop(ctx, func(r *jobs.RunReport) {
			runs++
			_ = writeJSON(e.stdout, r)
		})
		return map[string]int{"runs": runs}, err
	}
	return nil, errUsage
}

type dueOutput struct {
	Kind      string    `json:"kind"`
	NowLocal  time.Time `json:"now_local"`
	Tolerance string    `json:"tolerance"`
	Due       []string  `json:"due"`
}

func runSlots(ctx context.Context, e *env, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errUsage
	}
	fs := newFlagSet(e, "slots "+args[0])

	switch args[0] {
	case "due":
		kind := fs.String("kind", jobs.JobDigest, "digest, billing or summary")
		at := fs.String("at", "", "evaluate at this RFC 3339 time instead of now")
		if err := parse(fs, args[1:]); err != nil {
			return nil, err
		}
		now := time.Now()
		if *at != "" {
			t, err := time.Parse(time.RFC3339, *at)
			if err != nil {
				return nil, model.E(model.KindInvalidInput, "invalid --at %q", *at)
			}
			now = t
		}

		a, err := e.open(ctx)
		if err != nil {
			return nil, err
		}
		sched := a.Config.Scheduler
		var job model.JobScheduleConfig
		switch *kind {
		case jobs.JobDigest:
			job = sched.Digest
		case jobs.JobBilling:
			job = sched.Billing
		case jobs.JobSummary:
			job = sched.Summary
		default:
			return nil, model.E(model.KindInvalidInput, "unknown job kind %q", *kind)
		}
		loc, err := schedule.Location(sched.Timezone)
		if err != nil {
			return nil, err
		}
		tolerance := schedule.Tolerance(a.Config.Mail.PollInterval)
		nowLocal := now.In(loc)
		due, err := a.Slots.IsDue(ctx, *kind, nowLocal, schedule.WindowFromConfig(job), tolerance)
		if err != nil {
			return nil, err
		}
		return dueOutput{Kind: *kind, NowLocal: nowLocal, Tolerance: tolerance.String(), Due: due}, nil

	case "mark":
		key := fs.String("key", "", "slot key, e.g. digest.2025-03-10.09:00")
		if err := parse(fs, args[1:]); err != nil {
			return nil, err
		}
		a, err := e.open(ctx)
		if err != nil {
			return nil, err
		}
		if err := a.Slots.MarkFired(ctx, *key); err != nil {
			return nil, err
		}
		return map[string]string{"marked": *key}, nil
	}
	return nil, errUsage
}

// replyFlags are the flags shared by reply subcommands.
type replyFlags struct {
	fs      *pflag.FlagSet
	id      *int64
	message *string
	reason  *string
	mode    *string
	content *string
}

func newReplyFlags(e *env, sub string) *replyFlags {
	fs := newFlagSet(e, "reply "+sub)
	rf := &replyFlags{fs: fs}
	switch sub {
	case "draft", "prepare", "revise", "send", "skip":
		rf.id = fs.Int64("id", 0, "reply queue item id")
	}
	switch sub {
	case "enqueue", "compose":
		rf.message = fs.String("message", "", "stored message id")
	}
	switch sub {
	case "enqueue", "skip":
		rf.reason = fs.String("reason", "", "free-form reason")
	}
	switch sub {
	case "compose", "revise":
		rf.mode = fs.String("mode", string(reply.DraftAuto), "auto, optimize or raw")
		rf.content = fs.String("content", "", "hint or raw body")
	}
	return rf
}

func runReply(ctx context.Context, e *env, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errUsage
	}
	sub := args[0]
	rf := newReplyFlags(e, sub)
	fs := rf.fs

	var (
		status, subject, body, confirm, sendMode *string
		to, from, payloadContext                 *string
		limit                                    *int
		bypass, confirmAll, dryRun               *bool
	)
	switch sub {
	case "list":
		status = fs.String("status", string(model.ReplyPending), "pending, sent, skipped or empty for all")
		limit = fs.Int("limit", 0, "maximum items")
	case "draft":
		subject = fs.String("subject", "", "draft subject")
		body = fs.String("body", "", "draft body")
	case "send":
		confirm = fs.String("confirm", "", "confirmation containing the gate word")
		sendMode = fs.String("send-mode", string(model.SendManual), "manual or auto")
		bypass = fs.Bool("bypass", false, "send the stored draft without a payload")
		subject = fs.String("subject", "", "payload subject")
		to = fs.String("to", "", "payload recipient")
		from = fs.String("from", "", "payload sender")
		payloadContext = fs.String("context", "", "payload body")
	case "send-all":
		confirmAll = fs.Bool("confirm", false, "confirm sending every pending draft")
		bypass = fs.Bool("bypass", false, "send stored drafts without payloads")
		limit = fs.Int("limit", 0, "maximum items")
	case "auto":
		dryRun = fs.Bool("dry-run", false, "draft but do not send")
	case "enqueue", "prepare", "compose", "revise", "skip":
	default:
		return nil, errUsage
	}
	if err := parse(fs, args[1:]); err != nil {
		return nil, err
	}
	if rf.id != nil && *rf.id <= 0 {
		return nil, errUsage
	}
	if rf.message != nil && *rf.message == "" {
		return nil, errUsage
	}

	a, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	q := a.Replies

	switch sub {
	case "list":
		return q.List(ctx, model.ReplyStatus(*status), *limit)

	case "enqueue":
		reason := *rf.reason
		if reason == "" {
			reason = reply.ComposeReason
		}
		id, err := q.Enqueue(ctx, *rf.message, reason)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"id": id}, nil

	case "draft":
		if err := q.Draft(ctx, *rf.id, *subject, *body); err != nil {
			return nil, err
		}
		return map[string]any{"id": *rf.id, "drafted": true}, nil

	case "prepare":
		return q.Prepare(ctx, *rf.id)

	case "compose":
		mode, err := reply.ParseDraftMode(*rf.mode)
		if err != nil {
			return nil, err
		}
		return q.Compose(ctx, *rf.message, mode, *rf.content)

	case "revise":
		mode, err := reply.ParseDraftMode(*rf.mode)
		if err != nil {
			return nil, err
		}
		return q.Revise(ctx, *rf.id, mode, *rf.content)

	case "send":
		req := reply.SendRequest{
			Confirmation: *confirm,
			Mode:         model.SendMode(*sendMode),
			Bypass:       *bypass,
			Payload:      sendPayload(fs, map[string]*string{"subject": subject, "to": to, "from": from, "context": payloadContext}),
		}
		return q.Send(ctx, *rf.id, req)

	case "skip":
		if err := q.Skip(ctx, *rf.id, *rf.reason); err != nil {
			return nil, err
		}
		return map[string]any{"id": *rf.id, "skipped": true}, nil

	case "send-all":
		return q.SendAll(ctx, reply.BulkRequest{Confirm: *confirmAll, Bypass: *bypass, Limit: *limit})

	case "auto":
		return q.Auto(ctx, *dryRun)
	}
	return nil, errUsage
}

// sendPayload collects the payload flags that were set. It returns nil
// when none were, so the stored draft is sent.
func sendPayload(fs *pflag.FlagSet, flags map[string]*string) map[string]string {
	var payload map[string]string
	for key, v := range flags {
		if !fs.Changed(key) {
			continue
		}
		if payload == nil {
			payload = make(map[string]string)
		}
		payload[key] = *v
	}
	return payload
}
