package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailhub/internal/model"
)

// Sealer encrypts raw provider payloads at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithSealer encrypts the raw payload column with sealer.
func WithSealer(sealer Sealer) Option {
	return func(s *SQLiteStore) { s.sealer = sealer }
}

// WithClock overrides the time source used for bookkeeping columns.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	sealer Sealer
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// accountRow is the stored shape of an account.
type accountRow struct {
	ID            string `db:"id"`
	Kind          string `db:"kind"`
	Email         string `db:"email"`
	Alias         string `db:"alias"`
	CapMail       int    `db:"cap_mail"`
	CapCalendar   int    `db:"cap_calendar"`
	CapContacts   int    `db:"cap_contacts"`
	ColdStartDays int    `db:"cold_start_days"`
	MetaJSON      string `db:"meta_json"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
}

func (r accountRow) toModel() (model.Account, error) {
	kind := model.ProviderKind(r.Kind)
	meta, err := model.DecodeMeta(kind, r.MetaJSON)
	if err != nil {
		return model.Account{}, err
	}
	acct := model.Account{
		ID:    r.ID,
		Kind:  kind,
		Email: r.Email,
		Alias: r.Alias,
		Capabilities: model.Capabilities{
			Mail:     r.CapMail != 0,
			Calendar: r.CapCalendar != 0,
			Contacts: r.CapContacts != 0,
		},
		ColdStartDays: r.ColdStartDays,
		Meta:          meta,
	}
	if acct.CreatedAt, err = model.ParseUTC(r.CreatedAt); err != nil {
		return model.Account{}, err
	}
	if acct.UpdatedAt, err = model.ParseUTC(r.UpdatedAt); err != nil {
		return model.Account{}, err
	}
	return acct, nil
}

// UpsertAccount inserts an account or refreshes its descriptive fields.
// The cold start window of an existing account is kept, since it is
// owned by bootstrap once the account is bound.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct model.Account) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	meta, err := model.EncodeMeta(acct.Meta)
	if err != nil {
		return err
	}
	if acct.ColdStartDays < 1 {
		acct.ColdStartDays = 1
	}
	now := model.FormatUTC(s.now())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, kind, email, alias, cap_mail, cap_calendar, cap_contacts,
			cold_start_days, meta_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			email = excluded.email,
			alias = excluded.alias,
			cap_mail = excluded.cap_mail,
			cap_calendar = excluded.cap_calendar,
			cap_contacts = excluded.cap_contacts,
			meta_json = excluded.meta_json,
			updated_at = excluded.updated_at`,
		acct.ID, string(acct.Kind), acct.Email, acct.Alias,
		boolToInt(acct.Capabilities.Mail),
		boolToInt(acct.Capabilities.Calendar),
		boolToInt(acct.Capabilities.Contacts),
		acct.ColdStartDays, meta, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", acct.ID, err)
	}
	return nil
}

// GetAccount retrieves a single account by its ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "account %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	acct, err := row.toModel()
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	return &acct, nil
}

// ListAccounts returns accounts ordered by creation time, then id.
func (s *SQLiteStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]model.Account, error) {
	query := "SELECT * FROM accounts WHERE 1=1"
	var args []any

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	switch filter.Capability {
	case model.CapabilityMail:
		query += " AND cap_mail = 1"
	case model.CapabilityCalendar:
		query += " AND cap_calendar = 1"
	case model.CapabilityContacts:
		query += " AND cap_contacts = 1"
	}
	query += " ORDER BY created_at, id"

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}

	accounts := make([]model.Account, 0, len(rows))
	for _, r := range rows {
		acct, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("scanning account %s: %w", r.ID, err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// SetColdStartDays overrides the cold start window of an account.
func (s *SQLiteStore) SetColdStartDays(ctx context.Context, id string, days int) error {
	if days < 1 {
		days = 1
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET cold_start_days = ?, updated_at = ? WHERE id = ?",
		days, model.FormatUTC(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("setting cold start for %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.E(model.KindNotFound, "account %s not found", id)
	}
	return nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
