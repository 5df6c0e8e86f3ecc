// Package reconcile maps a verified identity assertion onto a local
// account: link an existing one, create a new one, reject, or fail. This
// is the decision core of the bridge; everything around it is plumbing.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/eidentita/spidbridge/internal/account"
)

// Status enumerates the terminal states of one reconciliation.
type Status int

const (
	// StatusLoggedInExisting means the session was bound to an account
	// that existed before this call.
	StatusLoggedInExisting Status = iota
	// StatusLoggedInNewlyCreated means the account was created by this
	// call and the session bound to it.
	StatusLoggedInNewlyCreated
	// StatusRejected means an expected business rule aborted the login
	// (no session, no mutation).
	StatusRejected
	// StatusFailed means an unexpected failure aborted the login (no
	// session; cause logged, never shown).
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoggedInExisting:
		return "logged-in-existing"
	case StatusLoggedInNewlyCreated:
		return "logged-in-newly-created"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome is the result of one Reconcile call. It is produced exactly once
// per inbound response and never retried.
type Outcome struct {
	Status  Status
	Account *account.User

	// Reason is safe to show to the user (Rejected only).
	Reason string

	// Err carries the cause for Failed outcomes; server-side log only.
	Err error
}

// LoggedIn reports whether a session was bound.
func (o Outcome) LoggedIn() bool {
	return o.Status == StatusLoggedInExisting || o.Status == StatusLoggedInNewlyCreated
}

var (
	// ErrNotAuthenticated marks an assertion the gateway never vouched
	// for reaching the engine.
	ErrNotAuthenticated = errors.New("could not authenticate")

	// ErrMissingIdentityAttribute marks an assertion without the
	// configured identity key. An IdP attribute-release misconfiguration,
	// not a user-recoverable condition.
	ErrMissingIdentityAttribute = errors.New("identity attribute missing from assertion")

	// ErrAccountBlocked is the expected business rejection for blocked
	// accounts.
	ErrAccountBlocked = errors.New("requested account is blocked")
)

// UsernameCollisionError reports a desired username already held by a
// different account. Fatal when creating, soft when refreshing.
type UsernameCollisionError struct {
	Name string
}

func (e *UsernameCollisionError) Error() string {
	return fmt.Sprintf("an account with the username %q already exists", e.Name)
}

// InvalidEmailError reports a mail attribute that does not parse as an
// address.
type InvalidEmailError struct {
	Mail string
}

func (e *InvalidEmailError) Error() string {
	return fmt.Sprintf("invalid e-mail address %q", e.Mail)
}

func failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}
