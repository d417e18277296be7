package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/store"
	"github.com/nhle/mailhub/internal/testutil"
)

func TestMigrationsApplied(t *testing.T) {
	s := testutil.NewTestStore(t)

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestUpsertAccountKeepsColdStartOverride(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	acct := testutil.SeedAccount(t, s, "g1", model.ProviderGoogle)
	require.NoError(t, s.SetColdStartDays(ctx, "g1", 7))

	acct.Alias = "work"
	acct.ColdStartDays = 30
	require.NoError(t, s.UpsertAccount(ctx, acct))

	got, err := s.GetAccount(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "work", got.Alias)
	assert.Equal(t, 7, got.ColdStartDays)
	assert.True(t, got.Capabilities.Mail)
}

func TestUpsertAccountRejectsForeignMeta(t *testing.T) {
	s := testutil.NewTestStore(t)

	err := s.UpsertAccount(context.Background(), model.Account{
		ID:   "g1",
		Kind: model.ProviderGoogle,
		Meta: model.ProviderMeta{IMAP: &model.IMAPMeta{Host: "x"}},
	})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestListAccountsFilters(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	testutil.SeedAccount(t, s, "g1", model.ProviderGoogle)
	testutil.SeedAccount(t, s, "i1", model.ProviderIMAP)
	require.NoError(t, s.UpsertAccount(ctx, model.Account{
		ID: "m1", Kind: model.ProviderMicrosoft, Capabilities: model.Capabilities{Calendar: true},
	}))

	all, err := s.ListAccounts(ctx, store.AccountFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mail, err := s.ListAccounts(ctx, store.AccountFilter{Capability: model.CapabilityMail})
	require.NoError(t, err)
	assert.Len(t, mail, 2)

	imap, err := s.ListAccounts(ctx, store.AccountFilter{Kind: model.ProviderIMAP})
	require.NoError(t, err)
	require.Len(t, imap, 1)
	require.NotNil(t, imap[0].Meta.IMAP)
	assert.Equal(t, "imap.example.com", imap[0].Meta.IMAP.Host)
}

func TestGetAccountNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.GetAccount(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.SetColdStartDays(context.Background(), "nope", 3), model.ErrNotFound)
}

func TestSetColdStartDaysClampsToOne(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "g1", model.ProviderGoogle)

	require.NoError(t, s.SetColdStartDays(ctx, "g1", 0))
	got, err := s.GetAccount(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ColdStartDays)
}

func TestMarkSlotFiredIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	fired, err := s.SlotFired(ctx, "digest.2025-03-03.09:00")
	require.NoError(t, err)
	assert.False(t, fired)

	first, err := s.MarkSlotFired(ctx, "digest.2025-03-03.09:00", now)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkSlotFired(ctx, "digest.2025-03-03.09:00", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, second)

	fired, err = s.SlotFired(ctx, "digest.2025-03-03.09:00")
	require.NoError(t, err)
	assert.True(t, fired)
}
