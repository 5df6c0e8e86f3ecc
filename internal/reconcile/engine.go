package reconcile

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/eidentita/spidbridge/internal/account"
	"github.com/eidentita/spidbridge/internal/gateway"
	"github.com/eidentita/spidbridge/internal/spid"
)

// AccountBinder is the externalauth-style contract the engine drives.
// Satisfied by account.Binder.
type AccountBinder interface {
	Load(ctx context.Context, authname, provider string) (*account.User, error)
	FindByName(ctx context.Context, name string) (*account.User, error)
	FindByEmail(ctx context.Context, email string) (*account.User, error)
	LinkExisting(ctx context.Context, authname, provider string, u *account.User) error
	Register(ctx context.Context, authname, provider string, presave account.PresaveFunc) (*account.User, error)
	Save(ctx context.Context, u *account.User) error
	Querier() account.Querier
	LoginFinalize(w http.ResponseWriter, u *account.User, authname, provider, idpID, nameID, sessionIndex string) error
}

// LinkFunc is the link-lookup extension point: given the full assertion it
// may supply an account to link instead of the engine's name/email
// heuristics. It is consulted first because explicit site customization
// outranks implicit matching.
type LinkFunc func(ctx context.Context, a *gateway.Assertion) (*account.User, error)

// Config assembles an Engine. Zero values fall back to the SPID defaults.
type Config struct {
	// Provider is the linkage namespace, "spid" unless overridden.
	Provider string

	// NameAttribute is the identity key; MailAttribute the address used
	// for email matching and new-account email.
	NameAttribute string
	MailAttribute string

	// MatchByEmail enables linking unlinked accounts by email equality.
	// The account's address is not re-verified before linking, which is
	// an account-takeover vector if local registration is open; sites
	// that allow self-service registration should turn this off.
	MatchByEmail bool

	LinkHook LinkFunc
	Binder   AccountBinder
	Sync     *SyncPolicy
	Logger   hclog.Logger
}

// Engine is the authentication-response reconciliation state machine.
type Engine struct {
	provider     string
	nameAttr     string
	mailAttr     string
	matchByEmail bool
	linkHook     LinkFunc
	binder       AccountBinder
	sync         *SyncPolicy
	logger       hclog.Logger
}

// New builds an Engine from the config.
func New(cfg Config) *Engine {
	if cfg.Provider == "" {
		cfg.Provider = "spid"
	}
	if cfg.NameAttribute == "" {
		cfg.NameAttribute = spid.AttrFiscalNumber
	}
	if cfg.MailAttribute == "" {
		cfg.MailAttribute = spid.AttrEmail
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Engine{
		provider:     cfg.Provider,
		nameAttr:     cfg.NameAttribute,
		mailAttr:     cfg.MailAttribute,
		matchByEmail: cfg.MatchByEmail,
		linkHook:     cfg.LinkHook,
		binder:       cfg.Binder,
		sync:         cfg.Sync,
		logger:       cfg.Logger.Named("reconcile"),
	}
}

// Reconcile runs the state machine for one verified assertion and binds
// the browser session on success. a must be the product of a non-failing
// gateway.ProcessResponse; nil means the gateway never vouched for this
// request.
func (e *Engine) Reconcile(ctx context.Context, w http.ResponseWriter, idpID string, a *gateway.Assertion) Outcome {
	if a == nil {
		return failed(ErrNotAuthenticated)
	}

	authname := a.Get(e.nameAttr)
	if authname == "" {
		return failed(ErrMissingIdentityAttribute)
	}

	acct, err := e.binder.Load(ctx, authname, e.provider)
	if err != nil {
		return failed(err)
	}

	if acct == nil {
		acct, err = e.discoverUnlinked(ctx, authname, a)
		if err != nil {
			return failed(err)
		}
	}

	newlyCreated := false
	switch {
	case acct == nil:
		// Nothing to link: create from the assertion. Attribute sync runs
		// inside the creation transaction so a failed sync leaves no
		// account behind.
		acct, err = e.binder.Register(ctx, authname, e.provider,
			func(ctx context.Context, q account.Querier, u *account.User) error {
				return e.sync.Sync(ctx, q, u, a, ModeCreate)
			})
		if err != nil {
			return failed(err)
		}
		newlyCreated = true

	case acct.Blocked:
		// Expected business rule, not an error: no session, no mutation.
		e.logger.Info("login rejected for blocked account", "uid", acct.ID, "authname", authname)
		return Outcome{
			Status:  StatusRejected,
			Account: acct,
			Reason:  "This account is blocked.",
			Err:     ErrAccountBlocked,
		}

	default:
		if err := e.sync.Sync(ctx, e.binder.Querier(), acct, a, ModeRefresh); err != nil {
			return failed(err)
		}
		if err := e.binder.Save(ctx, acct); err != nil {
			return failed(err)
		}
	}

	// Keep the IdP and federation session index with the browser session
	// so a later logout can address the right single-logout endpoint.
	if err := e.binder.LoginFinalize(w, acct, authname, e.provider, idpID, a.NameID, a.SessionIndex); err != nil {
		return failed(err)
	}

	status := StatusLoggedInExisting
	if newlyCreated {
		status = StatusLoggedInNewlyCreated
	}
	e.logger.Info("reconciliation finished", "status", status.String(), "uid", acct.ID, "idp", idpID)
	return Outcome{Status: status, Account: acct}
}

// discoverUnlinked tries to find an account to link instead of creating a
// new one. The priority order is fixed: link hook, then exact username,
// then exact email — trust descending from explicit customization to
// implicit heuristics.
func (e *Engine) discoverUnlinked(ctx context.Context, authname string, a *gateway.Assertion) (*account.User, error) {
	e.logger.Debug("no linked account for identity", "authname", authname)

	var acct *account.User
	var err error

	if e.linkHook != nil {
		acct, err = e.linkHook(ctx, a)
		if err != nil {
			return nil, err
		}
	}

	if acct == nil {
		acct, err = e.binder.FindByName(ctx, authname)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			e.logger.Info("matching account found by username, associating", "uid", acct.ID, "name", authname)
		}
	}

	if acct == nil && e.matchByEmail {
		if mailValue := a.Get(e.mailAttr); mailValue != "" {
			acct, err = e.binder.FindByEmail(ctx, mailValue)
			if err != nil {
				return nil, err
			}
			if acct != nil {
				e.logger.Info("matching account found by e-mail, associating", "uid", acct.ID)
			}
		}
	}

	if acct != nil {
		// Best-effort: the account may already carry a linkage from
		// another identity, in which case this is a no-op and the login
		// proceeds anyway.
		if err := e.binder.LinkExisting(ctx, authname, e.provider, acct); err != nil {
			e.logger.Error("could not record account linkage", "uid", acct.ID, "error", err)
		}
	}
	return acct, nil
}
