package cursor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/cursor"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/testutil"
)

var (
	now    = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	limits = cursor.Limits{DefaultColdStartDays: 30, MinPageSize: 10, MaxPageSize: 50}
)

func TestLoadSynthesizesColdStartWatermark(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "g1", model.ProviderGoogle)
	acct.ColdStartDays = 7

	m := cursor.NewManager(s, limits, func() time.Time { return now })
	st, err := m.Load(ctx, acct)
	require.NoError(t, err)

	assert.True(t, st.Fresh)
	assert.Equal(t, time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC), st.Watermark)
	assert.Equal(t, 50, st.PageSize)
	assert.Empty(t, st.Token)
}

func TestLoadColdStartMinimumOneDay(t *testing.T) {
	s := testutil.NewTestStore(t)
	m := cursor.NewManager(s, cursor.Limits{MinPageSize: 10, MaxPageSize: 50}, func() time.Time { return now })

	st, err := m.Load(context.Background(), model.Account{ID: "g1", ColdStartDays: 0})
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -1), st.Watermark)
}

func TestSaveIsMonotonicAndDropsToken(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "g1", model.ProviderGoogle)
	m := cursor.NewManager(s, limits, func() time.Time { return now })

	st, err := m.Load(ctx, acct)
	require.NoError(t, err)
	st.Watermark = now.Add(-time.Hour)
	st.Token = "next-page"
	st.PageSize = 25

	saved, err := m.Save(ctx, acct.ID, st)
	require.NoError(t, err)
	assert.Empty(t, saved.Token)
	assert.Equal(t, 25, saved.PageSize)

	saved.Watermark = now.Add(-48 * time.Hour)
	saved, err = m.Save(ctx, acct.ID, saved)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour), saved.Watermark)

	loaded, err := m.Load(ctx, acct)
	require.NoError(t, err)
	assert.False(t, loaded.Fresh)
	assert.Equal(t, now.Add(-time.Hour), loaded.Watermark)
	assert.Equal(t, 25, loaded.PageSize)
}

func TestLoadClampsStoredPageSize(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "g1", model.ProviderGoogle)

	_, err := s.SaveCursor(ctx, model.Cursor{AccountID: "g1", Watermark: now, PageSize: 3})
	require.NoError(t, err)

	st, err := cursor.NewManager(s, limits, nil).Load(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 10, st.PageSize)
}

func TestResetRecomputesFromNow(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "g1", model.ProviderGoogle)
	m := cursor.NewManager(s, limits, func() time.Time { return now })

	_, err := m.Save(ctx, acct.ID, cursor.State{Cursor: model.Cursor{Watermark: now, PageSize: 12}})
	require.NoError(t, err)

	days := 3
	require.NoError(t, m.Reset(ctx, acct.ID, &days))

	stored, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ColdStartDays)

	st, err := m.Load(ctx, *stored)
	require.NoError(t, err)
	assert.True(t, st.Fresh)
	assert.Equal(t, now.AddDate(0, 0, -3), st.Watermark)
	assert.Equal(t, 50, st.PageSize)
}

func TestResetUnknownAccountWithOverride(t *testing.T) {
	s := testutil.NewTestStore(t)
	m := cursor.NewManager(s, limits, nil)

	days := 5
	assert.ErrorIs(t, m.Reset(context.Background(), "nope", &days), model.ErrNotFound)
}
