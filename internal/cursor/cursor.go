// Package cursor loads and advances per-account ingestion positions.
package cursor

import (
	"context"
	"time"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/store"
)

// Store persists cursors and cold start overrides.
type Store interface {
	store.CursorStore
	SetColdStartDays(ctx context.Context, id string, days int) error
}

// State is a cursor plus the continuation token of the current run. The
// token is never persisted.
type State struct {
	model.Cursor
	Token string
	// Fresh is true when no cursor was stored and the watermark was
	// synthesized from the cold start window.
	Fresh bool
}

// Limits bounds page sizes and the default cold start window.
type Limits struct {
	DefaultColdStartDays int
	MinPageSize          int
	MaxPageSize          int
}

// LimitsFromConfig reads the fetch settings.
func LimitsFromConfig(f model.FetchConfig) Limits {
	return Limits{
		DefaultColdStartDays: f.DefaultColdStartDays,
		MinPageSize:          f.MinResultsPerPage,
		MaxPageSize:          f.MaxResultsPerPage,
	}
}

// ClampPageSize bounds size to [MinPageSize, MaxPageSize].
func (l Limits) ClampPageSize(size int) int {
	if size > l.MaxPageSize {
		size = l.MaxPageSize
	}
	if size < l.MinPageSize {
		size = l.MinPageSize
	}
	return size
}

// Manager reads and writes cursors.
type Manager struct {
	store  Store
	limits Limits
	now    func() time.Time
}

// NewManager returns a Manager. now defaults to time.Now.
func NewManager(s Store, limits Limits, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: s, limits: limits, now: now}
}

// Limits returns the configured bounds.
func (m *Manager) Limits() Limits { return m.limits }

// Load returns the stored cursor of acct, or a fresh one whose watermark is
// now minus the account's cold start window.
func (m *Manager) Load(ctx context.Context, acct model.Account) (State, error) {
	c, err := m.store.GetCursor(ctx, acct.ID)
	if err != nil {
		return State{}, err
	}
	if c != nil {
		st := State{Cursor: *c}
		st.PageSize = m.limits.ClampPageSize(st.PageSize)
		return st, nil
	}

	days := acct.ColdStartDays
	if days <= 0 {
		days = m.limits.DefaultColdStartDays
	}
	if days < 1 {
		days = 1
	}
	return State{
		Cursor: model.Cursor{
			AccountID: acct.ID,
			Watermark: m.now().UTC().Truncate(time.Second).AddDate(0, 0, -days),
			PageSize:  m.limits.MaxPageSize,
		},
		Fresh: true,
	}, nil
}

// Save persists st atomically. The stored watermark never regresses.
func (m *Manager) Save(ctx context.Context, accountID string, st State) (State, error) {
	c := st.Cursor
	c.AccountID = accountID
	c.PageSize = m.limits.ClampPageSize(c.PageSize)

	saved, err := m.store.SaveCursor(ctx, c)
	if err != nil {
		return State{}, err
	}
	return State{Cursor: saved}, nil
}

// Reset clears the cursor of an account so the next Load recomputes it
// from now. A non-nil coldStartDays also replaces the account's window.
func (m *Manager) Reset(ctx context.Context, accountID string, coldStartDays *int) error {
	if coldStartDays != nil {
		days := *coldStartDays
		if days < 1 {
			days = 1
		}
		if err := m.store.SetColdStartDays(ctx, accountID, days); err != nil {
			return err
		}
	}
	return m.store.DeleteCursor(ctx, accountID)
}
