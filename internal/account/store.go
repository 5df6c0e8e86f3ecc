// Package account owns the local side of identity reconciliation: the user
// store, the provider linkage map (authmap) and the browser session.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

var (
	// ErrNameTaken is returned by Save when the desired username belongs
	// to a different account.
	ErrNameTaken = errors.New("username already taken")
)

// User is the projection of a local account the bridge works with.
type User struct {
	ID      int64
	Name    string
	Email   string
	Init    string
	Blocked bool

	// IsNew is true between Register's insert and its commit; it is not
	// persisted.
	IsNew bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Sync code runs inside Register's transaction and must not grab a second
// connection (the sqlite pool is single-writer).
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PresaveFunc runs inside Register's transaction, after the placeholder
// row exists and before commit. Returning an error rolls the whole
// creation back.
type PresaveFunc func(ctx context.Context, q Querier, u *User) error

// Store is the SQLite-backed account and linkage store.
type Store struct {
	db     *sql.DB
	logger hclog.Logger
}

// Open opens (and migrates) the store at path. ":memory:" gives an
// ephemeral store for tests.
func Open(path string, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Querier exposes the live database as a Querier for code that runs both
// inside and outside a Register transaction.
func (s *Store) Querier() Querier { return s.db }

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			init TEXT NOT NULL DEFAULT '',
			blocked INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,

		// Provider linkage: at most one account per (provider, authname).
		`CREATE TABLE IF NOT EXISTS authmap (
			provider TEXT NOT NULL,
			authname TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			PRIMARY KEY (provider, authname),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_authmap_user ON authmap(provider, user_id)`,

		// Synced profile attributes; field names come from the admin
		// mapping, so they are rows, not columns.
		`CREATE TABLE IF NOT EXISTS user_fields (
			user_id INTEGER NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (user_id, field),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const userColumns = `id, name, email, init, blocked, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var blocked int
	var created, updated string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Init, &blocked, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Blocked = blocked != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &u, nil
}

// Load resolves a (provider, authname) linkage to its user, or nil when no
// linkage exists.
func (s *Store) Load(ctx context.Context, authname, provider string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id = (SELECT user_id FROM authmap WHERE provider = ? AND authname = ?)`,
		provider, authname)
	return scanUser(row)
}

// FindByName returns the user with the exact username, or nil.
func (s *Store) FindByName(ctx context.Context, name string) (*User, error) {
	return FindUserByName(ctx, s.db, name)
}

// FindByEmail returns the first user with the exact email, or nil.
func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? ORDER BY id LIMIT 1`, email)
	return scanUser(row)
}

// FindUserByName is the Querier-based variant of FindByName, usable inside
// a Register transaction.
func FindUserByName(ctx context.Context, q Querier, name string) (*User, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE name = ?`, name)
	return scanUser(row)
}

// LinkExisting records (provider, authname) -> user. If the user already
// has a linkage under this provider, or the authname is already claimed,
// the call is a no-op: a bookkeeping conflict must not block a login.
func (s *Store) LinkExisting(ctx context.Context, authname, provider string, u *User) error {
	var existing int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM authmap WHERE provider = ? AND user_id = ?`,
		provider, u.ID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("check linkage: %w", err)
	}
	if existing > 0 {
		s.logger.Debug("account already linked under provider, skipping",
			"provider", provider, "uid", u.ID)
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO authmap (provider, authname, user_id) VALUES (?, ?, ?)
		 ON CONFLICT(provider, authname) DO NOTHING`,
		provider, authname, u.ID)
	if err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	return nil
}

// Register creates a new user for (provider, authname). The row is first
// inserted with a synthetic placeholder name and a non-email init marker,
// then presave runs inside the same transaction to fill in real values
// (attribute synchronization). Any presave error rolls everything back, so
// a half-initialized account is never committed.
func (s *Store) Register(ctx context.Context, authname, provider string, presave PresaveFunc) (*User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin register: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	placeholder := provider + "_" + authname
	res, err := tx.ExecContext(ctx, `
		INSERT INTO users (name, email, init, blocked, created_at, updated_at)
		VALUES (?, '', ?, 0, ?, ?)`,
		placeholder, placeholder, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("account id: %w", err)
	}

	u := &User{
		ID:    id,
		Name:  placeholder,
		Init:  placeholder,
		IsNew: true,
	}
	if presave != nil {
		if err := presave(ctx, tx, u); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET name = ?, email = ?, init = ?, updated_at = ? WHERE id = ?`,
		u.Name, u.Email, u.Init, now, u.ID); err != nil {
		return nil, fmt.Errorf("finalize account: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO authmap (provider, authname, user_id) VALUES (?, ?, ?)`,
		provider, authname, u.ID); err != nil {
		return nil, fmt.Errorf("link new account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit register: %w", err)
	}
	u.IsNew = false
	s.logger.Info("account created", "uid", u.ID, "provider", provider)
	return u, nil
}

// Save persists name/email/init changes to an existing user. A username
// collision surfaces as ErrNameTaken.
func (s *Store) Save(ctx context.Context, u *User) error {
	other, err := FindUserByName(ctx, s.db, u.Name)
	if err != nil {
		return err
	}
	if other != nil && other.ID != u.ID {
		return fmt.Errorf("%w: %s", ErrNameTaken, u.Name)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET name = ?, email = ?, init = ?, updated_at = ? WHERE id = ?`,
		u.Name, u.Email, u.Init, now, u.ID)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// SetBlocked flips the blocked flag (admin/test hook).
func (s *Store) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	b := 0
	if blocked {
		b = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE users SET blocked = ? WHERE id = ?`, b, id)
	return err
}

// SetUserField upserts one synced profile field.
func SetUserField(ctx context.Context, q Querier, uid int64, field, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_fields (user_id, field, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, field) DO UPDATE SET value = excluded.value`,
		uid, field, value)
	if err != nil {
		return fmt.Errorf("set field %s: %w", field, err)
	}
	return nil
}

// SetField is the Store-level variant of SetUserField.
func (s *Store) SetField(ctx context.Context, uid int64, field, value string) error {
	return SetUserField(ctx, s.db, uid, field, value)
}

// Fields returns the synced profile fields for a user.
func (s *Store) Fields(ctx context.Context, uid int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM user_fields WHERE user_id = ?`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}
