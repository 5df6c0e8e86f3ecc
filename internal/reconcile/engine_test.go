package reconcile

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidentita/spidbridge/internal/account"
	"github.com/eidentita/spidbridge/internal/gateway"
	"github.com/eidentita/spidbridge/internal/spid"
)

type testHarness struct {
	store  *account.Store
	binder *account.Binder
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := account.Open(":memory:", hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions := account.NewSessionManager([]byte("test-secret"), time.Hour,
		"https://sp.example.org", false, hclog.NewNullLogger())
	return &testHarness{
		store:  store,
		binder: account.NewBinder(store, sessions, hclog.NewNullLogger()),
	}
}

func (h *testHarness) engine(cfg Config) *Engine {
	cfg.Binder = h.binder
	if cfg.Sync == nil {
		cfg.Sync = NewSyncPolicy(spid.AttrFiscalNumber, spid.AttrEmail, nil, nil, nil)
	}
	return New(cfg)
}

func assertion(fiscalNumber, email string) *gateway.Assertion {
	a := &gateway.Assertion{
		NameID:       "transient-abc",
		SessionIndex: "six-1",
		Attributes:   map[string][]string{},
	}
	if fiscalNumber != "" {
		a.Attributes[spid.AttrFiscalNumber] = []string{fiscalNumber}
	}
	if email != "" {
		a.Attributes[spid.AttrEmail] = []string{email}
	}
	return a
}

func TestReconcileRejectsNilAssertion(t *testing.T) {
	e := newHarness(t).engine(Config{})
	out := e.Reconcile(context.Background(), httptest.NewRecorder(), "posteid", nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrNotAuthenticated)
}

func TestReconcileRejectsMissingIdentityAttribute(t *testing.T) {
	e := newHarness(t).engine(Config{})
	out := e.Reconcile(context.Background(), httptest.NewRecorder(), "posteid",
		assertion("", "a@example.com"))
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrMissingIdentityAttribute)
}

func TestReconcileCreatesAccount(t *testing.T) {
	h := newHarness(t)
	e := h.engine(Config{})
	rec := httptest.NewRecorder()

	out := e.Reconcile(context.Background(), rec, "posteid",
		assertion("RSSMRA80A01H501U", "mario.rossi@example.com"))

	require.Equal(t, StatusLoggedInNewlyCreated, out.Status)
	assert.True(t, out.LoggedIn())
	require.NotNil(t, out.Account)
	assert.Equal(t, "RSSMRA80A01H501U", out.Account.Name)
	assert.Equal(t, "mario.rossi@example.com", out.Account.Email)

	// Session cookie must be bound.
	require.NotEmpty(t, rec.Result().Cookies())
	assert.Equal(t, account.DefaultSessionCookie, rec.Result().Cookies()[0].Name)

	// The linkage is durable: the same identity resolves to the same
	// account next time around.
	linked, err := h.store.Load(context.Background(), "RSSMRA80A01H501U", "spid")
	require.NoError(t, err)
	require.NotNil(t, linked)
	assert.Equal(t, out.Account.ID, linked.ID)
}

func TestReconcileSecondLoginFindsFirst(t *testing.T) {
	h := newHarness(t)
	e := h.engine(Config{})
	ctx := context.Background()

	first := e.Reconcile(ctx, httptest.NewRecorder(), "posteid",
		assertion("RSSMRA80A01H501U", "mario.rossi@example.com"))
	require.Equal(t, StatusLoggedInNewlyCreated, first.Status)

	second := e.Reconcile(ctx, httptest.NewRecorder(), "arubaid",
		assertion("RSSMRA80A01H501U", "mario.rossi@example.com"))
	require.Equal(t, StatusLoggedInExisting, second.Status)
	assert.Equal(t, first.Account.ID, second.Account.ID)
}

func TestReconcileCreateFailsWithoutEmail(t *testing.T) {
	h := newHarness(t)
	e := h.engine(Config{})
	ctx := context.Background()

	out := e.Reconcile(ctx, httptest.NewRecorder(), "posteid",
		assertion("RSSMRA80A01H501U", ""))
	require.Equal(t, StatusFailed, out.Status)
	require.Error(t, out.Err)

	// The failed creation must leave nothing behind.
	linked, err := h.store.Load(ctx, "RSSMRA80A01H501U", "spid")
	require.NoError(t, err)
	assert.Nil(t, linked)
}

func TestReconcileRejectsBlockedAccount(t *testing.T) {
	h := newHarness(t)
	e := h.engine(Config{})
	ctx := context.Background()

	first := e.Reconcile(ctx, httptest.NewRecorder(), "posteid",
		assertion("RSSMRA80A01H501U", "mario.rossi@example.com"))
	require.True(t, first.LoggedIn())
	require.NoError(t, h.store.SetBlocked(ctx, first.Account.ID, true))

	rec := httptest.NewRecorder()
	out := e.Reconcile(ctx, rec, "posteid",
		assertion("RSSMRA80A01H501U", "mario.rossi@example.com"))

	assert.Equal(t, StatusRejected, out.Status)
	assert.False(t, out.LoggedIn())
	assert.ErrorIs(t, out.Err, ErrAccountBlocked)
	assert.NotEmpty(t, out.Reason)
	assert.Empty(t, rec.Result().Cookies(), "blocked login must not bind a session")
}

func TestReconcileLinksByUsername(t *testing.T) {
	h := newHarness(t)
	e := h.engine(Config{})
	ctx := context.Background()

	// A pre-existing local account whose username equals the identity.
	local, err := h.store.Register(ctx, "legacy-import", "migration",
		func(ctx context.Context, q account.Querier, u *account.User) error {
			u.Name = "RSSMRA80A01H501U"
			u.Email = "old@example.com"
			return nil
		})
	require.NoError(t, err)

	out := e.Reconcile(ctx, httptest.NewRecorder(), "posteid",
		assertion("RSSMRA80A01H501U", "mario.rossi@example.com"))

	require.Equal(t, StatusLoggedInExisting, out.Status)
	assert.Equal(t, local.ID, out.Account.ID)

	linked, err := h.store.Load(ctx, "RSSMRA80A01H501U", "spid")
	require.NoError(t, err)
	require.NotNil(t, linked)
	assert.Equal(t, local.ID, linked.ID)
}

func TestReconcileLinksByEmailWhenEnabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	local, err := h.store.Register(ctx, "legacy-import", "migration",
		func(ctx context.Context, q account.Querier, u *account.User) error {
			u.Name = "mario"
			u.Email = "mario.rossi@example.com"
			return nil
		})
	require.NoError(t, err)

	// Disabled: a fresh account gets created instead.
	disabled := h.engine(Config{MatchByEmail: false})
	out := disabled.Reconcile(ctx, httptest.NewRecorder(), "posteid",
		assertion("VRDLGU70A01H501X", "mario.rossi@example.com"))
	require.Equal(t, StatusLoggedInNewlyCreated, out.Status)
	assert.NotEqual(t, local.ID, out.Account.ID)

	// Enabled: a second identity with the same address links up.
	enabled := h.engine(Config{MatchByEmail: true})
	out = enabled.Reconcile(ctx, httptest.NewRecorder(), "posteid",
		assertion("BNCFNC75A41H501Z", "mario.rossi@example.com"))
	require.Equal(t, StatusLoggedInExisting, out.Status)
	assert.Equal(t, local.ID, out.Account.ID)
}

func TestReconcileConsultsLinkHookFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Two candidates: the hook target and a username match. The hook wins.
	hooked, err := h.store.Register(ctx, "hooked", "migration",
		func(ctx context.Context, q account.Querier, u *account.User) error {
			u.Name = "hook-target"
			return nil
		})
	require.NoError(t, err)
	_, err = h.store.Register(ctx, "named", "migration",
		func(ctx context.Context, q account.Querier, u *account.User) error {
			u.Name = "RSSMRA80A01H501U"
			return nil
		})
	require.NoError(t, err)

	e := h.engine(Config{
		LinkHook: func(ctx context.Context, a *gateway.Assertion) (*account.User, error) {
			return h.store.FindByName(ctx, "hook-target")
		},
	})
	out := e.Reconcile(ctx, httptest.NewRecorder(), "posteid",
		assertion("RSSMRA80A01H501U", "mario.rossi@example.com"))

	require.Equal(t, StatusLoggedInExisting, out.Status)
	assert.Equal(t, hooked.ID, out.Account.ID)
}

func TestReconcileLinkHookErrorFails(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("hook exploded")
	e := h.engine(Config{
		LinkHook: func(ctx context.Context, a *gateway.Assertion) (*account.User, error) {
			return nil, boom
		},
	})
	out := e.Reconcile(context.Background(), httptest.NewRecorder(), "posteid",
		assertion("RSSMRA80A01H501U", "mario.rossi@example.com"))
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, boom)
}

func TestReconcileRefreshesMappedFields(t *testing.T) {
	h := newHarness(t)
	mapping := map[string]string{
		spid.AttrSpidCode:   "field_spid_code",
		spid.AttrName:       FieldSkip,
		spid.AttrFamilyName: "",
	}
	e := h.engine(Config{
		Sync: NewSyncPolicy(spid.AttrFiscalNumber, spid.AttrEmail, mapping, nil, nil),
	})
	ctx := context.Background()

	a := assertion("RSSMRA80A01H501U", "mario.rossi@example.com")
	a.Attributes[spid.AttrSpidCode] = []string{"SPID-001"}
	a.Attributes[spid.AttrName] = []string{"Mario"}
	first := e.Reconcile(ctx, httptest.NewRecorder(), "posteid", a)
	require.True(t, first.LoggedIn())

	fields, err := h.store.Fields(ctx, first.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"field_spid_code": "SPID-001"}, fields)

	// A later login refreshes the mapped value.
	a.Attributes[spid.AttrSpidCode] = []string{"SPID-002"}
	second := e.Reconcile(ctx, httptest.NewRecorder(), "posteid", a)
	require.Equal(t, StatusLoggedInExisting, second.Status)

	fields, err = h.store.Fields(ctx, first.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, "SPID-002", fields["field_spid_code"])
}
