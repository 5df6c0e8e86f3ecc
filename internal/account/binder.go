package account

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-hclog"
)

// Binder is the externalauth-style primitive the reconciliation engine
// drives: map an (authname, provider) pair to a local account, create
// accounts, finalize login sessions.
type Binder struct {
	store    *Store
	sessions *SessionManager
	logger   hclog.Logger
}

// NewBinder wires the store and session manager together.
func NewBinder(store *Store, sessions *SessionManager, logger hclog.Logger) *Binder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Binder{
		store:    store,
		sessions: sessions,
		logger:   logger.Named("binder"),
	}
}

// Load resolves an existing linkage; nil user means no linkage.
func (b *Binder) Load(ctx context.Context, authname, provider string) (*User, error) {
	return b.store.Load(ctx, authname, provider)
}

// FindByName looks up an account by exact username.
func (b *Binder) FindByName(ctx context.Context, name string) (*User, error) {
	return b.store.FindByName(ctx, name)
}

// FindByEmail looks up an account by exact email.
func (b *Binder) FindByEmail(ctx context.Context, email string) (*User, error) {
	return b.store.FindByEmail(ctx, email)
}

// LinkExisting records the linkage best-effort.
func (b *Binder) LinkExisting(ctx context.Context, authname, provider string, u *User) error {
	return b.store.LinkExisting(ctx, authname, provider, u)
}

// Register creates and links a new account, running presave inside the
// creation transaction.
func (b *Binder) Register(ctx context.Context, authname, provider string, presave PresaveFunc) (*User, error) {
	return b.store.Register(ctx, authname, provider, presave)
}

// Save persists changes to an existing account.
func (b *Binder) Save(ctx context.Context, u *User) error {
	return b.store.Save(ctx, u)
}

// Querier exposes the live store for out-of-transaction field sync.
func (b *Binder) Querier() Querier { return b.store.Querier() }

// LoginFinalize binds the browser session to the account.
func (b *Binder) LoginFinalize(w http.ResponseWriter, u *User, authname, provider, idpID, nameID, sessionIndex string) error {
	if err := b.sessions.Issue(w, u, idpID, nameID, sessionIndex); err != nil {
		return err
	}
	b.logger.Info("login finalized",
		"uid", u.ID, "authname", authname, "provider", provider, "idp", idpID)
	return nil
}

// Sessions exposes the session manager for logout handling.
func (b *Binder) Sessions() *SessionManager { return b.sessions }

// Store exposes the underlying store.
func (b *Binder) Store() *Store { return b.store }
