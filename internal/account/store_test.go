package account

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadWithoutLinkage(t *testing.T) {
	s := newTestStore(t)
	u, err := s.Load(context.Background(), "RSSMRA80A01H501U", "spid")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestRegisterCreatesAndLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, "RSSMRA80A01H501U", "spid",
		func(ctx context.Context, q Querier, u *User) error {
			assert.True(t, u.IsNew)
			assert.Equal(t, "spid_RSSMRA80A01H501U", u.Name)
			assert.Equal(t, "spid_RSSMRA80A01H501U", u.Init) // non-email placeholder
			u.Name = "RSSMRA80A01H501U"
			u.Email = "a@example.com"
			u.Init = "a@example.com"
			return nil
		})
	require.NoError(t, err)
	assert.False(t, u.IsNew)

	loaded, err := s.Load(ctx, "RSSMRA80A01H501U", "spid")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, u.ID, loaded.ID)
	assert.Equal(t, "RSSMRA80A01H501U", loaded.Name)
	assert.Equal(t, "a@example.com", loaded.Email)
	assert.Equal(t, "a@example.com", loaded.Init)
}

func TestRegisterRollsBackOnPresaveError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("sync failed")

	_, err := s.Register(ctx, "RSSMRA80A01H501U", "spid",
		func(ctx context.Context, q Querier, u *User) error {
			// A field write inside the transaction must vanish with it.
			require.NoError(t, SetUserField(ctx, q, u.ID, "field_spidCode", "X"))
			return boom
		})
	assert.ErrorIs(t, err, boom)

	u, err := s.Load(ctx, "RSSMRA80A01H501U", "spid")
	require.NoError(t, err)
	assert.Nil(t, u, "no account may survive a failed presave")

	byName, err := s.FindByName(ctx, "spid_RSSMRA80A01H501U")
	require.NoError(t, err)
	assert.Nil(t, byName)
}

func TestLinkExistingIsLenient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, "first", "spid", nil)
	require.NoError(t, err)

	// The account is already linked under this provider: linking it again
	// under a different authname is a silent no-op.
	require.NoError(t, s.LinkExisting(ctx, "second", "spid", u))
	got, err := s.Load(ctx, "second", "spid")
	require.NoError(t, err)
	assert.Nil(t, got)

	// A fresh account can claim a new authname.
	other, err := s.Register(ctx, "other", "saml", nil)
	require.NoError(t, err)
	require.NoError(t, s.LinkExisting(ctx, "second", "spid", other))
	got, err = s.Load(ctx, "second", "spid")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, other.ID, got.ID)

	// An authname claimed by someone else stays put.
	third, err := s.Register(ctx, "third", "saml", nil)
	require.NoError(t, err)
	require.NoError(t, s.LinkExisting(ctx, "second", "spid", third))
	got, err = s.Load(ctx, "second", "spid")
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.ID)
}

func TestFindByNameAndEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, "x", "spid", func(ctx context.Context, q Querier, u *User) error {
		u.Name = "mario"
		u.Email = "mario@example.com"
		return nil
	})
	require.NoError(t, err)

	byName, err := s.FindByName(ctx, "mario")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, u.ID, byName.ID)

	byEmail, err := s.FindByEmail(ctx, "mario@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, u.ID, byEmail.ID)

	none, err := s.FindByEmail(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSaveDetectsNameCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Register(ctx, "a", "spid", func(ctx context.Context, q Querier, u *User) error {
		u.Name = "taken"
		return nil
	})
	require.NoError(t, err)
	_ = first

	second, err := s.Register(ctx, "b", "spid", func(ctx context.Context, q Querier, u *User) error {
		u.Name = "free"
		return nil
	})
	require.NoError(t, err)

	second.Name = "taken"
	err = s.Save(ctx, second)
	assert.ErrorIs(t, err, ErrNameTaken)

	// Saving under its own name is fine.
	second.Name = "free"
	second.Email = "new@example.com"
	require.NoError(t, s.Save(ctx, second))
}

func TestBlockedFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, "a", "spid", nil)
	require.NoError(t, err)
	require.NoError(t, s.SetBlocked(ctx, u.ID, true))

	loaded, err := s.Load(ctx, "a", "spid")
	require.NoError(t, err)
	assert.True(t, loaded.Blocked)
}

func TestUserFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, "a", "spid", nil)
	require.NoError(t, err)

	require.NoError(t, s.SetField(ctx, u.ID, "field_spid_code", "SPID001"))
	require.NoError(t, s.SetField(ctx, u.ID, "field_spid_code", "SPID002")) // upsert

	fields, err := s.Fields(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"field_spid_code": "SPID002"}, fields)
}
