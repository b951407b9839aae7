package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrpair/pairing-server/internal/database"
)

func openSQLite(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestDirectories(t *testing.T) {
	teacher := Identity{UserID: "t-1", Role: "teacher", Name: "Kim"}

	cases := []struct {
		name  string
		setup func(t *testing.T) Directory
	}{
		{
			name: "static",
			setup: func(t *testing.T) Directory {
				d := NewStaticDirectory()
				d.AddToken("tok-1", teacher)
				d.Assign("t-1", "class-7")
				return d
			},
		},
		{
			name: "sql",
			setup: func(t *testing.T) Directory {
				d := NewSQLDirectory(openSQLite(t))
				require.NoError(t, d.Grant(context.Background(), "tok-1", teacher, []string{"class-7"}))
				return d
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			d := tc.setup(t)

			t.Run("known token resolves", func(t *testing.T) {
				id, err := d.Authenticate(ctx, "tok-1")
				require.NoError(t, err)
				require.NotNil(t, id)
				assert.Equal(t, teacher, *id)
			})

			t.Run("unknown and empty tokens yield nil", func(t *testing.T) {
				id, err := d.Authenticate(ctx, "nope")
				require.NoError(t, err)
				assert.Nil(t, id)

				id, err = d.Authenticate(ctx, "")
				require.NoError(t, err)
				assert.Nil(t, id)
			})

			t.Run("assignments", func(t *testing.T) {
				ok, err := d.IsAssigned(ctx, "t-1", "class-7")
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = d.IsAssigned(ctx, "t-1", "class-8")
				require.NoError(t, err)
				assert.False(t, ok)
			})
		})
	}
}

func TestRegistrars_Revoke(t *testing.T) {
	registrars := map[string]func(t *testing.T) interface {
		Registrar
		Authenticator
	}{
		"static": func(t *testing.T) interface {
			Registrar
			Authenticator
		} {
			return NewStaticDirectory()
		},
		"sql": func(t *testing.T) interface {
			Registrar
			Authenticator
		} {
			return NewSQLDirectory(openSQLite(t))
		},
	}

	for name, open := range registrars {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := open(t)
			require.NoError(t, d.Grant(ctx, "tok-1", Identity{UserID: "u", Role: "teacher"}, nil))

			revoked, err := d.Revoke(ctx, "tok-1")
			require.NoError(t, err)
			assert.True(t, revoked)

			id, err := d.Authenticate(ctx, "tok-1")
			require.NoError(t, err)
			assert.Nil(t, id)

			revoked, err = d.Revoke(ctx, "tok-1")
			require.NoError(t, err)
			assert.False(t, revoked)
		})
	}
}

func TestSQLDirectory_GrantIsAtomic(t *testing.T) {
	ctx := context.Background()
	d := NewSQLDirectory(openSQLite(t))
	require.NoError(t, d.Grant(ctx, "tok-1", Identity{UserID: "u", Role: "teacher"}, nil))

	// Reusing the token fails on the primary key, so the assignment in the
	// same grant must not be stored either.
	err := d.Grant(ctx, "tok-1", Identity{UserID: "v", Role: "teacher"}, []string{"class-9"})
	require.Error(t, err)

	ok, err := d.IsAssigned(ctx, "v", "class-9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaticDirectory_RevokeToken(t *testing.T) {
	d := NewStaticDirectory()
	d.AddToken("tok", Identity{UserID: "u"})
	d.RevokeToken("tok")

	id, err := d.Authenticate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Nil(t, id)
}
