package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/nhle/mailhub/internal/model"
)

// Store reads and writes account secrets.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// PasswordKey is the key of an account's IMAP/SMTP password.
func PasswordKey(accountID string) string { return accountID + ":password" }

// TokenKey is the key of an account's OAuth token.
func TokenKey(accountID string) string { return accountID + ":oauth_token" }

// Keyring stores secrets in the system keyring.
type Keyring struct {
	ring keyring.Keyring
}

var _ Store = (*Keyring)(nil)

// Open returns a keyring configured from cfg.
func Open(cfg model.SecurityConfig) (*Keyring, error) {
	service := cfg.KeyringService
	if service == "" {
		service = "mailhub"
	}
	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	if cfg.KeyringBackend != "" {
		backends = []keyring.BackendType{keyring.BackendType(cfg.KeyringBackend)}
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              service,
		AllowedBackends:          backends,
		FileDir:                  cfg.KeyringDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

// Get retrieves a credential value by key. A missing key is a NotFound
// error.
func (k *Keyring) Get(key string) (string, error) {
	item, err := k.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", model.E(model.KindNotFound, "credential %q not found", key)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (k *Keyring) Set(key, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (k *Keyring) Delete(key string) error {
	if err := k.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// LoadToken reads the stored OAuth token of an account.
func LoadToken(s Store, accountID string) (*oauth2.Token, error) {
	raw, err := s.Get(TokenKey(accountID))
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decoding token of %s: %w", accountID, err)
	}
	return &tok, nil
}

// SaveToken stores the OAuth token of an account.
func SaveToken(s Store, accountID string, tok *oauth2.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token of %s: %w", accountID, err)
	}
	return s.Set(TokenKey(accountID), string(raw))
}

// TokenSource returns a source that refreshes the stored token of an
// account with conf and writes refreshed tokens back to s.
func TokenSource(ctx context.Context, s Store, conf *oauth2.Config, accountID string) (oauth2.TokenSource, error) {
	tok, err := LoadToken(s, accountID)
	if err != nil {
		return nil, model.Wrap(model.KindAuth, err, "no oauth token for %s", accountID)
	}
	return &persistingSource{
		base:      conf.TokenSource(ctx, tok),
		store:     s,
		accountID: accountID,
		last:      tok.AccessToken,
	}, nil
}

type persistingSource struct {
	base      oauth2.TokenSource
	store     Store
	accountID string

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, model.Wrap(model.KindAuth, err, "refreshing token of %s", p.accountID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := SaveToken(p.store, p.accountID, tok); err != nil {
			return nil, err
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}
