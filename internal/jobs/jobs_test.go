package jobs_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/mailhub/internal/backoff"
	"github.com/nhle/mailhub/internal/cursor"
	"github.com/nhle/mailhub/internal/ingest"
	"github.com/nhle/mailhub/internal/jobs"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/reply"
	"github.com/nhle/mailhub/internal/rules"
	"github.com/nhle/mailhub/internal/schedule"
	"github.com/nhle/mailhub/internal/store"
	"github.com/nhle/mailhub/internal/testutil"
	"github.com/nhle/mailhub/internal/triage"
)

// 2025-03-10 is a Monday.
var now = time.Date(2025, 3, 10, 9, 5, 0, 0, time.UTC)

const replyRules = `
reply_needed:
  any:
    - body_regex: "\\?"
`

type harness struct {
	store   *store.SQLiteStore
	adapter *testutil.FakeAdapter
	runner  *jobs.Runner
}

func testConfig() *model.AppConfig {
	return &model.AppConfig{
		Mail: model.MailConfig{
			PollInterval:        15 * time.Minute,
			AutoReply:           true,
			SuggestMaxItems:     10,
			ReplyNeededMaxItems: 20,
		},
		Reply: model.ReplyConfig{GateWord: "send"},
		Scheduler: model.SchedulerConfig{
			Timezone: "UTC",
			Digest:   model.JobScheduleConfig{Enabled: true, Weekdays: "mon", Times: "09:00"},
			Summary:  model.JobScheduleConfig{Enabled: true, Weekdays: "mon", Times: "18:00"},
		},
	}
}

func newHarness(t *testing.T, cfg *model.AppConfig) *harness {
	t.Helper()

	s := testutil.NewTestStore(t)
	adapter := testutil.NewFakeAdapter(model.ProviderGoogle)
	clock := func() time.Time { return now }

	cursors := cursor.NewManager(s, cursor.Limits{DefaultColdStartDays: 7, MinPageSize: 2, MaxPageSize: 10}, clock)
	registry := provider.NewRegistry(adapter)
	orch := ingest.New(s, cursors, registry, backoff.Policy{Retries: 1}, 3, ingest.WithClock(clock))

	rs, err := rules.Parse(nil, []byte(replyRules))
	require.NoError(t, err)
	triager := triage.New(s, rs, cfg.Mail, nil)
	queue := reply.New(s, registry, cfg.Reply, reply.WithClock(clock))

	runner, err := jobs.New(s, orch, triager, queue, schedule.NewTracker(s), cfg, jobs.WithClock(clock))
	require.NoError(t, err)
	return &harness{store: s, adapter: adapter, runner: runner}
}

func TestRunOnceWithoutAccounts(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.runner.RunOnce(context.Background())
	assert.ErrorIs(t, err, jobs.ErrNoAccounts)
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	h.adapter.Add(
		model.Message{ProviderID: "p1", From: "Alice <alice@example.org>", Subject: "Lunch", BodyText: "Free on Friday?", ReceivedAt: now.Add(-time.Hour)},
		model.Message{ProviderID: "p2", From: "Shop <news@shop.example>", Subject: "Sale", BodyText: "Everything half off.", ReceivedAt: now.Add(-2 * time.Hour)},
	)

	report, err := h.runner.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Poll.Total())
	assert.Equal(t, 2, report.Triage.Total)
	require.Len(t, report.Triage.ReplyNeeded, 1)
	assert.Equal(t, "Lunch", report.Triage.ReplyNeeded[0].Subject)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.PendingReply)

	// Auto reply drafts but does not send unless sending is enabled.
	require.NotNil(t, report.AutoReply)
	assert.True(t, report.AutoReply.DryRun)
	assert.Len(t, report.AutoReply.Drafted, 1)
	assert.Empty(t, h.adapter.Sent())

	require.Len(t, report.Jobs, 1)
	assert.Equal(t, jobs.JobDigest, report.Jobs[0].Kind)
	assert.Equal(t, []string{"digest.2025-03-10.09:00"}, report.Jobs[0].Slots)
	assert.NotNil(t, report.Jobs[0].Digest)
	assert.Equal(t, "15m0s", report.Tolerance)

	// A second cycle in the same slot stores nothing new and fires nothing.
	report, err = h.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Empty(t, report.Jobs)
	assert.Equal(t, 1, report.Summary.PendingReply)
}

func TestRunOnceBillingJob(t *testing.T) {
	cfg := testConfig()
	cfg.Mail.AutoReply = false
	cfg.Scheduler.Digest.Enabled = false
	cfg.Scheduler.Billing = model.JobScheduleConfig{Enabled: true, DaysOfMonth: "1,10", Times: "09:00"}
	require.NoError(t, schedule.ValidateJob(cfg.Scheduler.Timezone, cfg.Scheduler.Billing))
	h := newHarness(t, cfg)
	ctx := context.Background()
	testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)

	march := testutil.SeedMessage(t, h.store, "g1", "b1", "March statement", "due", time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC))
	feb := testutil.SeedMessage(t, h.store, "g1", "b2", "February statement", "due", time.Date(2025, 2, 10, 8, 0, 0, 0, time.UTC))
	old := testutil.SeedMessage(t, h.store, "g1", "b3", "December statement", "due", time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC))
	testutil.SeedMessage(t, h.store, "g1", "n1", "Untagged", "hello", time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC))
	for _, m := range []model.Message{march, feb, old} {
		require.NoError(t, h.store.SetMessageTag(ctx, model.MessageTag{MessageID: m.ID, Tag: jobs.BillingTag, Score: 1}))
	}

	report, err := h.runner.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Jobs, 1)
	jr := report.Jobs[0]
	assert.Equal(t, jobs.JobBilling, jr.Kind)
	assert.Equal(t, []string{"billing.2025-03-10.09:00"}, jr.Slots)

	require.NotNil(t, jr.Billing)
	assert.Equal(t, "2025-03", jr.Billing.Month)
	assert.Equal(t, now.Add(-jobs.BillingLookback), jr.Billing.Since)
	require.Len(t, jr.Billing.Detected, 2)
	assert.Equal(t, march.ID, jr.Billing.Detected[0].MessageID)
	assert.Equal(t, feb.ID, jr.Billing.Detected[1].MessageID)
	assert.Equal(t, 1, jr.Billing.MonthCount)

	report, err = h.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Jobs)
}

func TestRunOnceAutoSend(t *testing.T) {
	cfg := testConfig()
	cfg.Mail.AutoReplySend = true
	cfg.Scheduler.Digest.Enabled = false
	h := newHarness(t, cfg)
	testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	h.adapter.Add(model.Message{
		ProviderID: "p1",
		From:       "Alice <alice@example.org>",
		Subject:    "Lunch",
		BodyText:   "Free on Friday?",
		ReceivedAt: now.Add(-time.Hour),
	})

	report, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.AutoReply.Sent, 1)
	assert.Equal(t, model.SendAuto, report.AutoReply.Sent[0].Mode)
	require.Len(t, h.adapter.Sent(), 1)
	assert.Equal(t, []string{"alice@example.org"}, h.adapter.Sent()[0].To)
	assert.Empty(t, report.Jobs)
}

func TestRunOnceIsolatesAccountFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	h.adapter.FailList(model.E(model.KindAuth, "token revoked"))

	report, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Poll.Failed())
	assert.Equal(t, 0, report.Triage.Total)
}

func TestNewRejectsBadTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Timezone = "Nowhere/Special"
	_, err := jobs.New(nil, nil, nil, nil, nil, cfg)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestSummary(t *testing.T) {
	h := newHarness(t, testConfig())
	testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	testutil.SeedMessage(t, h.store, "g1", "p1", "Hello", "Hi", now.Add(-time.Hour))

	sum, err := h.runner.Summary(context.Background(), "today")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", sum.Day)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 0, sum.PendingReply)

	_, err = h.runner.Summary(context.Background(), "10/03/2025")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestLoopStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Mail.PollInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)

	ctx, cancel := context.WithCancel(context.Background())
	runs := 0
	err := h.runner.Loop(ctx, func(*jobs.RunReport) {
		runs++
		if runs == 2 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
}

func TestServeMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- jobs.ServeMetrics(ctx, ln, zap.NewNop()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
