package reconcile

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/eidentita/spidbridge/internal/account"
	"github.com/eidentita/spidbridge/internal/gateway"
)

// Mode selects the strictness of one sync run.
type Mode int

const (
	// ModeCreate runs inside account creation: identity name and email
	// are mandatory and validated, failures abort the creation.
	ModeCreate Mode = iota
	// ModeRefresh runs on login of an existing account: mapped profile
	// fields are refreshed, identity problems degrade softly.
	ModeRefresh
)

// FieldSkip is the mapping value meaning "do not sync this attribute".
const FieldSkip = "none"

// Notifier surfaces non-fatal, user-visible notices collected during a
// login (e.g. "could not update your username"). Wording stays generic;
// details go to the log.
type Notifier interface {
	Notice(message string)
}

type nopNotifier struct{}

func (nopNotifier) Notice(string) {}

// SyncPolicy copies assertion attributes onto an account according to the
// admin-configured mapping and the mode's strictness. All fatal problems
// found in one run are aggregated into a single error so the log shows the
// complete picture, and no partial save survives them.
type SyncPolicy struct {
	NameAttribute string
	MailAttribute string

	// FieldMapping maps attribute names to account field names; FieldSkip
	// or empty means the attribute is not synced.
	FieldMapping map[string]string

	// ValidName and ValidEmail are the injected syntax predicates.
	ValidName  func(string) error
	ValidEmail func(string) error

	Notifier Notifier
	Logger   hclog.Logger
}

// NewSyncPolicy builds a policy with the default predicates.
func NewSyncPolicy(nameAttr, mailAttr string, mapping map[string]string, notifier Notifier, logger hclog.Logger) *SyncPolicy {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &SyncPolicy{
		NameAttribute: nameAttr,
		MailAttribute: mailAttr,
		FieldMapping:  mapping,
		ValidName:     ValidAccountName,
		ValidEmail:    ValidEmailAddress,
		Notifier:      notifier,
		Logger:        logger.Named("sync"),
	}
}

// Sync applies the assertion to the account. The querier is the creation
// transaction in ModeCreate and the live store otherwise. Field mutations
// on u (name, email, init) are left for the caller to persist; mapped
// profile fields are written through q directly.
func (p *SyncPolicy) Sync(ctx context.Context, q account.Querier, u *account.User, a *gateway.Assertion, mode Mode) error {
	var fatal *multierror.Error

	p.syncName(ctx, q, u, a, mode, &fatal)
	p.syncEmail(u, a, mode, &fatal)

	// The mapped profile fields are the site's explicit declaration of
	// what stays in sync; they are applied on every login, not only on
	// creation.
	for attr, field := range p.FieldMapping {
		if field == "" || field == FieldSkip {
			continue
		}
		if err := account.SetUserField(ctx, q, u.ID, field, a.Get(attr)); err != nil {
			fatal = multierror.Append(fatal, err)
		}
	}

	if err := fatal.ErrorOrNil(); err != nil {
		return fmt.Errorf("attribute synchronization: %w", err)
	}
	return nil
}

func (p *SyncPolicy) syncName(ctx context.Context, q account.Querier, u *account.User, a *gateway.Assertion, mode Mode, fatal **multierror.Error) {
	name := a.Get(p.NameAttribute)
	if name == "" || name == u.Name {
		return
	}
	if err := p.ValidName(name); err != nil {
		// Not an attack mitigation (the assertion is already verified);
		// this guards against IdP attribute misconfiguration.
		*fatal = multierror.Append(*fatal, fmt.Errorf("account name %q: %w", name, err))
		return
	}
	existing, err := account.FindUserByName(ctx, q, name)
	if err != nil {
		*fatal = multierror.Append(*fatal, err)
		return
	}
	if existing == nil || existing.ID == u.ID {
		u.Name = name
		return
	}
	collision := &UsernameCollisionError{Name: name}
	if mode == ModeCreate {
		*fatal = multierror.Append(*fatal, collision)
		return
	}
	// Existing account: keep the old name and carry on. Login happens
	// interactively, so a notice is enough.
	p.Logger.Error("could not update username from identity attribute", "name", name, "uid", u.ID)
	p.Notifier.Notice("Your username could not be updated.")
}

func (p *SyncPolicy) syncEmail(u *account.User, a *gateway.Assertion, mode Mode, fatal **multierror.Error) {
	if mode != ModeCreate {
		return
	}
	mail := a.Get(p.MailAttribute)
	if mail == "" {
		// A new account with no e-mail is not allowed.
		*fatal = multierror.Append(*fatal, fmt.Errorf("e-mail address not provided in %s attribute", p.MailAttribute))
		return
	}
	if mail == u.Email {
		return
	}
	if err := p.ValidEmail(mail); err != nil {
		*fatal = multierror.Append(*fatal, &InvalidEmailError{Mail: mail})
		return
	}
	u.Email = mail
	// The linking primitive initializes init with a non-email placeholder;
	// point it at the real address once known.
	u.Init = mail
}

// ValidAccountName is the default username syntax predicate.
func ValidAccountName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is empty")
	case strings.HasPrefix(name, " "):
		return fmt.Errorf("name begins with whitespace")
	case strings.HasSuffix(name, " "):
		return fmt.Errorf("name ends with whitespace")
	case strings.Contains(name, "  "):
		return fmt.Errorf("name contains consecutive spaces")
	case utf8.RuneCountInString(name) > 60:
		return fmt.Errorf("name is longer than 60 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("name contains an illegal character")
		}
	}
	return nil
}

// ValidEmailAddress is the default email syntax predicate: a single bare
// address, no display name.
func ValidEmailAddress(address string) error {
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return err
	}
	if parsed.Address != address {
		return fmt.Errorf("address %q contains extra content", address)
	}
	return nil
}
