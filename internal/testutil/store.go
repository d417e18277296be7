package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:", opts...)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount stores an account of the given kind and returns it.
func SeedAccount(t *testing.T, s store.AccountStore, id string, kind model.ProviderKind) model.Account {
	t.Helper()

	acct := model.Account{
		ID:            id,
		Kind:          kind,
		Email:         id + "@example.com",
		Capabilities:  model.Capabilities{Mail: true},
		ColdStartDays: 30,
	}
	if kind == model.ProviderIMAP {
		acct.Meta.IMAP = &model.IMAPMeta{Host: "imap.example.com", Port: "993", Username: id}
	}
	require.NoError(t, s.UpsertAccount(context.Background(), acct))
	return acct
}

// SeedMessage stores a message for accountID and returns it.
func SeedMessage(
	t *testing.T,
	s store.MessageStore,
	accountID, providerID, subject, body string,
	received time.Time,
) model.Message {
	t.Helper()

	msg := model.Message{
		ID:         model.MessageID(accountID, providerID),
		AccountID:  accountID,
		ProviderID: providerID,
		ThreadID:   "t-" + providerID,
		From:       "Alice <alice@example.org>",
		To:         accountID + "@example.com",
		Subject:    subject,
		ReceivedAt: received.UTC().Truncate(time.Second),
		BodyText:   body,
	}
	require.NoError(t, s.UpsertMessage(context.Background(), msg))
	return msg
}
