package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailhub/internal/credential"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/store"
)

// RegisterAccounts upserts every configured account into the registry.
// Accounts bound earlier but absent from the configuration are kept.
func RegisterAccounts(ctx context.Context, s store.AccountStore, accounts []model.AccountConfig) (int, error) {
	registered := 0
	for _, ac := range accounts {
		if err := s.UpsertAccount(ctx, ac.Account()); err != nil {
			return registered, fmt.Errorf("registering account %s: %w", ac.ID, err)
		}
		registered++
	}
	return registered, nil
}

// CredentialKey returns the keyring entry an account authenticates with.
func CredentialKey(acct model.Account) string {
	if acct.Kind == model.ProviderIMAP {
		return credential.PasswordKey(acct.ID)
	}
	return credential.TokenKey(acct.ID)
}

// HasCredential reports whether the account's secret is in creds.
func HasCredential(creds credential.Store, acct model.Account) (bool, error) {
	_, err := creds.Get(CredentialKey(acct))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, model.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
