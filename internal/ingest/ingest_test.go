package ingest_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/backoff"
	"github.com/nhle/mailhub/internal/cursor"
	"github.com/nhle/mailhub/internal/ingest"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/store"
	"github.com/nhle/mailhub/internal/testutil"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	store  *store.SQLiteStore
	orch   *ingest.Orchestrator
	google *testutil.FakeAdapter
	ms     *testutil.FakeAdapter

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, maxPages int) *harness {
	t.Helper()
	h := &harness{
		store:  testutil.NewTestStore(t),
		google: testutil.NewFakeAdapter(model.ProviderGoogle),
		ms:     testutil.NewFakeAdapter(model.ProviderMicrosoft),
	}
	cursors := cursor.NewManager(h.store, cursor.Limits{
		DefaultColdStartDays: 7,
		MinPageSize:          2,
		MaxPageSize:          8,
	}, func() time.Time { return now })

	policy := backoff.Policy{
		Retries: 2,
		Initial: time.Second,
		Max:     8 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sleeps = append(h.sleeps, d)
			return nil
		},
	}
	h.orch = ingest.New(h.store, cursors, provider.NewRegistry(h.google, h.ms), policy, maxPages,
		ingest.WithClock(func() time.Time { return now }))
	return h
}

func msgs(n int, start time.Time) []model.Message {
	out := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Message{
			ProviderID: fmt.Sprintf("p%02d", i),
			Subject:    fmt.Sprintf("subject %d", i),
			BodyText:   "body",
			ReceivedAt: start.Add(time.Duration(i) * time.Hour),
		})
	}
	return out
}

func TestPollStoresMessagesAndAdvancesCursor(t *testing.T) {
	h := newHarness(t, 5)
	acct := testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	h.google.Add(msgs(12, now.Add(-24*time.Hour))...)

	res := h.orch.Poll(context.Background(), []model.Account{acct}, ingest.ModeAlerts)

	require.Len(t, res.Accounts, 1)
	ar := res.Accounts[0]
	assert.Nil(t, ar.Error)
	assert.Equal(t, 12, ar.Count)
	assert.Equal(t, 2, ar.Pages)
	assert.Len(t, ar.SampleItems, 12)
	assert.Equal(t, now.Add(-13*time.Hour), ar.Watermark)
	assert.Equal(t, 8, ar.PageSize)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, ingest.ModeAlerts, res.Mode)

	calls := h.google.ListCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, now.AddDate(0, 0, -30), calls[0].Since, "account cold start window")
	assert.Empty(t, calls[0].Token)
	assert.Equal(t, "8", calls[1].Token)

	stored, err := h.store.ListMessages(context.Background(), store.MessageFilter{AccountID: "g1"})
	require.NoError(t, err)
	assert.Len(t, stored, 12)

	c, err := h.store.GetCursor(context.Background(), "g1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, now.Add(-13*time.Hour), c.Watermark)

	// A second run starts from the watermark and re-reads only the newest item.
	res = h.orch.Poll(context.Background(), []model.Account{acct}, ingest.ModeAlerts)
	assert.Equal(t, 1, res.Accounts[0].Count)
	assert.Equal(t, now.Add(-13*time.Hour), h.google.ListCalls()[2].Since)
}

func TestPollStopsAtMaxPages(t *testing.T) {
	h := newHarness(t, 1)
	acct := testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	h.google.Add(msgs(12, now.Add(-24*time.Hour))...)

	res := h.orch.Poll(context.Background(), []model.Account{acct}, ingest.ModeIngest)
	ar := res.Accounts[0]
	assert.Nil(t, ar.Error)
	assert.Equal(t, 1, ar.Pages)
	assert.Equal(t, 8, ar.Count)
	assert.Len(t, h.google.ListCalls(), 1)
}

func TestPollHalvesPageSizeOnRateLimit(t *testing.T) {
	h := newHarness(t, 5)
	acct := testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	h.google.Add(msgs(3, now.Add(-2*time.Hour))...)
	h.google.FailList(
		&model.Error{Kind: model.KindRateLimited, Message: "slow down"},
		&model.Error{Kind: model.KindRateLimited, Message: "slow down", RetryAfter: 5 * time.Second},
	)

	res := h.orch.Poll(context.Background(), []model.Account{acct}, ingest.ModeAlerts)
	ar := res.Accounts[0]
	require.Nil(t, ar.Error)
	assert.Equal(t, 3, ar.Count)
	assert.Equal(t, 2, ar.PageSize)

	calls := h.google.ListCalls()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, 8, calls[0].PageSize)
	assert.Equal(t, 4, calls[1].PageSize)
	assert.Equal(t, 2, calls[2].PageSize)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, h.sleeps)
}

func TestPollRateLimitExhaustedIsolatesAccount(t *testing.T) {
	h := newHarness(t, 5)
	g := testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	m := testutil.SeedAccount(t, h.store, "m1", model.ProviderMicrosoft)
	h.google.FailList(model.ErrRateLimited, model.ErrRateLimited, model.ErrRateLimited)
	h.ms.Add(msgs(2, now.Add(-time.Hour))...)

	res := h.orch.Poll(context.Background(), []model.Account{g, m}, ingest.ModeAlerts)
	require.Len(t, res.Accounts, 2)

	require.NotNil(t, res.Accounts[0].Error)
	assert.Equal(t, model.KindRateLimited, res.Accounts[0].Error.Kind)
	assert.Equal(t, 2, res.Accounts[0].PageSize)

	assert.Nil(t, res.Accounts[1].Error)
	assert.Equal(t, 2, res.Accounts[1].Count)
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, 2, res.Total())

	// The failed account still saved its shrunken page size.
	c, err := h.store.GetCursor(context.Background(), "g1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 2, c.PageSize)
	assert.Equal(t, now.AddDate(0, 0, -30), c.Watermark)
}

func TestPollTransportFailureIsolatesAccount(t *testing.T) {
	h := newHarness(t, 5)
	g := testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	m := testutil.SeedAccount(t, h.store, "m1", model.ProviderMicrosoft)
	h.google.Add(msgs(2, now.Add(-time.Hour))...)
	h.google.FailList(model.E(model.KindTransport, "connection reset"))
	h.ms.Add(msgs(3, now.Add(-3*time.Hour))...)

	res := h.orch.Poll(context.Background(), []model.Account{g, m}, ingest.ModeAlerts)
	require.Len(t, res.Accounts, 2)

	require.NotNil(t, res.Accounts[0].Error)
	assert.Equal(t, model.KindTransport, res.Accounts[0].Error.Kind)
	assert.Equal(t, 0, res.Accounts[0].Count)

	assert.Nil(t, res.Accounts[1].Error)
	assert.Equal(t, 3, res.Accounts[1].Count)
	require.Len(t, res.Accounts[1].SampleItems, 3)
	assert.Equal(t, "m1:p02", res.Accounts[1].SampleItems[0].ID)
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, 3, res.Total())
	assert.Empty(t, h.sleeps, "transport failures are not retried")

	stored, err := h.store.ListMessages(context.Background(), store.MessageFilter{AccountID: "m1"})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestPollFutureDatedMessageDoesNotStallWatermark(t *testing.T) {
	h := newHarness(t, 5)
	acct := testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	h.google.Add(model.Message{
		ProviderID: "spam",
		Subject:    "dated far ahead",
		BodyText:   "win",
		ReceivedAt: time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	res := h.orch.Poll(context.Background(), []model.Account{acct}, ingest.ModeAlerts)
	require.Nil(t, res.Accounts[0].Error)
	assert.Equal(t, 1, res.Accounts[0].Count)
	assert.Equal(t, now, res.Accounts[0].Watermark)

	h.google.Add(model.Message{
		ProviderID: "late",
		Subject:    "arrived after",
		BodyText:   "hello",
		ReceivedAt: now.Add(time.Minute),
	})
	res = h.orch.Poll(context.Background(), []model.Account{acct}, ingest.ModeAlerts)
	require.Nil(t, res.Accounts[0].Error)

	calls := h.google.ListCalls()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].Since.After(now))

	got, err := h.store.GetMessage(context.Background(), model.MessageID("g1", "late"))
	require.NoError(t, err)
	assert.Equal(t, "arrived after", got.Subject)
}

func TestPollFailureMidPageKeepsCompletedPages(t *testing.T) {
	h := newHarness(t, 5)
	acct := testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	items := msgs(10, now.Add(-24*time.Hour))
	h.google.Add(items...)
	// Newest first: page one holds p09..p02, page two p01 and p00.
	h.google.FailGet("p00", model.E(model.KindTransport, "boom"))

	res := h.orch.Poll(context.Background(), []model.Account{acct}, ingest.ModeAlerts)
	ar := res.Accounts[0]
	require.NotNil(t, ar.Error)
	assert.Equal(t, model.KindTransport, ar.Error.Kind)
	assert.Equal(t, 9, ar.Count)
	assert.Equal(t, 1, ar.Pages)
	assert.Equal(t, items[9].ReceivedAt, ar.Watermark)
}

func TestPollDoesNotRetryAuthFailures(t *testing.T) {
	h := newHarness(t, 5)
	acct := testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	h.google.Add(msgs(1, now.Add(-time.Hour))...)
	h.google.FailGet("p00", model.E(model.KindAuth, "revoked"))

	res := h.orch.Poll(context.Background(), []model.Account{acct}, ingest.ModeAlerts)
	require.NotNil(t, res.Accounts[0].Error)
	assert.Equal(t, model.KindAuth, res.Accounts[0].Error.Kind)
	assert.Empty(t, h.sleeps, "auth failures are not retried")
}

func TestPollUnknownKind(t *testing.T) {
	h := newHarness(t, 5)
	acct := testutil.SeedAccount(t, h.store, "i1", model.ProviderIMAP)

	res := h.orch.Poll(context.Background(), []model.Account{acct}, ingest.ModeAlerts)
	require.NotNil(t, res.Accounts[0].Error)
	assert.Equal(t, model.KindInvalidInput, res.Accounts[0].Error.Kind)
}

func TestPollBound(t *testing.T) {
	h := newHarness(t, 5)
	testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	testutil.SeedAccount(t, h.store, "m1", model.ProviderMicrosoft)
	noMail := model.Account{ID: "g2", Kind: model.ProviderGoogle, ColdStartDays: 1}
	require.NoError(t, h.store.UpsertAccount(context.Background(), noMail))

	res, err := h.orch.PollBound(context.Background(), ingest.ModeAlerts, "")
	require.NoError(t, err)
	var ids []string
	for _, a := range res.Accounts {
		ids = append(ids, a.AccountID)
	}
	assert.ElementsMatch(t, []string{"g1", "m1"}, ids)

	res, err = h.orch.PollBound(context.Background(), ingest.ModeAlerts, "m1")
	require.NoError(t, err)
	require.Len(t, res.Accounts, 1)
	assert.Equal(t, "m1", res.Accounts[0].AccountID)
}

func TestBootstrapAccount(t *testing.T) {
	h := newHarness(t, 5)
	acct := testutil.SeedAccount(t, h.store, "g1", model.ProviderGoogle)
	h.google.Add(msgs(3, now.Add(-72*time.Hour))...)

	_, err := h.store.SaveCursor(context.Background(), model.Cursor{AccountID: acct.ID, Watermark: now, PageSize: 4})
	require.NoError(t, err)

	days := 0
	res, err := h.orch.BootstrapAccount(context.Background(), acct.ID, &days)
	require.NoError(t, err)
	assert.Equal(t, ingest.ModeBootstrap, res.Mode)
	require.Len(t, res.Accounts, 1)
	// A zero override is floored to one day.
	assert.Equal(t, 0, res.Accounts[0].Count)
	assert.Equal(t, now.AddDate(0, 0, -1), h.google.ListCalls()[0].Since)

	got, err := h.store.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ColdStartDays)

	days = 5
	res, err = h.orch.BootstrapAccount(context.Background(), acct.ID, &days)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accounts[0].Count)
}

func TestBootstrapUnknownAccount(t *testing.T) {
	h := newHarness(t, 5)
	_, err := h.orch.BootstrapAccount(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// uidMailbox lists ascending numeric UIDs after the resume token, the way
// an IMAP mailbox does.
type uidMailbox struct {
	mu       sync.Mutex
	validity uint32
	uids     []uint32
	tokens   []string
}

var _ provider.UIDTracker = (*uidMailbox)(nil)

func (b *uidMailbox) reset(validity uint32, uids ...uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validity, b.uids = validity, uids
}

func (b *uidMailbox) Kind() model.ProviderKind { return model.ProviderIMAP }

func (b *uidMailbox) ListPage(_ context.Context, _ model.Account, _ time.Time, token string, pageSize int) (*provider.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = append(b.tokens, token)

	var after uint64
	if token != "" {
		n, err := strconv.ParseUint(token, 10, 32)
		if err != nil {
			return nil, err
		}
		after = n
	}
	page := &provider.Page{UIDValidity: b.validity}
	for _, uid := range b.uids {
		if uint64(uid) <= after {
			continue
		}
		if len(page.Refs) == pageSize {
			page.NextToken = page.Refs[len(page.Refs)-1].ID
			break
		}
		page.Refs = append(page.Refs, provider.ItemRef{ID: strconv.FormatUint(uint64(uid), 10)})
	}
	return page, nil
}

func (b *uidMailbox) GetFull(_ context.Context, acct model.Account, ref provider.ItemRef) (*model.Message, error) {
	return &model.Message{
		ID:         model.MessageID(acct.ID, ref.ID),
		AccountID:  acct.ID,
		ProviderID: ref.ID,
		Subject:    "uid " + ref.ID,
		BodyText:   "body",
		ReceivedAt: now.Add(-time.Hour),
	}, nil
}

func (b *uidMailbox) Send(context.Context, model.Account, model.OutgoingMail) (*model.SendReceipt, error) {
	return nil, model.E(model.KindInvalidInput, "not supported")
}

func (b *uidMailbox) ResumeToken(lastUID uint32) string {
	if lastUID == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(lastUID), 10)
}

func (b *uidMailbox) MaxUID(refs []provider.ItemRef) uint32 {
	var highest uint32
	for _, r := range refs {
		if n, err := strconv.ParseUint(r.ID, 10, 32); err == nil && uint32(n) > highest {
			highest = uint32(n)
		}
	}
	return highest
}

func TestPollRestartsUIDsWhenValidityChanges(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "i1", model.ProviderIMAP)
	box := &uidMailbox{}
	box.reset(7, 1, 2, 3)
	cursors := cursor.NewManager(s, cursor.Limits{DefaultColdStartDays: 7, MinPageSize: 2, MaxPageSize: 8},
		func() time.Time { return now })
	orch := ingest.New(s, cursors, provider.NewRegistry(box), backoff.Policy{}, 5,
		ingest.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	res := orch.Poll(ctx, []model.Account{acct}, ingest.ModeIngest)
	require.Nil(t, res.Accounts[0].Error)
	assert.Equal(t, 3, res.Accounts[0].Count)
	c, err := s.GetCursor(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), c.LastUID)
	assert.Equal(t, uint32(7), c.UIDValidity)

	res = orch.Poll(ctx, []model.Account{acct}, ingest.ModeIngest)
	assert.Equal(t, 0, res.Accounts[0].Count)

	// The mailbox was recreated and its UIDs start over.
	box.reset(9, 1, 2)
	res = orch.Poll(ctx, []model.Account{acct}, ingest.ModeIngest)
	require.Nil(t, res.Accounts[0].Error)
	assert.Equal(t, 2, res.Accounts[0].Count)
	assert.Equal(t, 1, res.Accounts[0].Pages)

	c, err = s.GetCursor(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), c.LastUID)
	assert.Equal(t, uint32(9), c.UIDValidity)

	box.mu.Lock()
	defer box.mu.Unlock()
	assert.Equal(t, []string{"", "3", "3", ""}, box.tokens)
}
