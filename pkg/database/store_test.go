package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lists every Store implementation that must behave the same
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemDB()
		},
		"sqlite": func(t *testing.T) Store {
			db, err := Open(filepath.Join(t.TempDir(), "chat.db"))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return db
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, ctx context.Context, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, context.Background(), factory(t))
		})
	}
}

func mustUser(t *testing.T, ctx context.Context, s Store, email, name string) *User {
	t.Helper()
	u, err := s.CreateUser(ctx, email, name)
	require.NoError(t, err)
	return u
}

func TestStoreUsers(t *testing.T) {
	forEachStore(t, func(t *testing.T, ctx context.Context, s Store) {
		alice := mustUser(t, ctx, s, "alice@example.com", "Alice")
		assert.NotEmpty(t, alice.ID)
		assert.False(t, alice.IsOnline)

		got, err := s.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "Alice", got.Name)
		assert.Equal(t, alice.CreatedAt, got.CreatedAt)

		byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, byEmail.ID)

		_, err = s.CreateUser(ctx, "alice@example.com", "Other Alice")
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = s.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStorePresence(t *testing.T) {
	forEachStore(t, func(t *testing.T, ctx context.Context, s Store) {
		alice := mustUser(t, ctx, s, "alice@example.com", "Alice")
		bob := mustUser(t, ctx, s, "bob@example.com", "Bob")
		ai, err := s.GetOrCreateAIParticipant(ctx)
		require.NoError(t, err)

		require.NoError(t, s.SetUserOnline(ctx, alice.ID, true))
		require.NoError(t, s.SetUserOnline(ctx, bob.ID, true))

		got, err := s.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.True(t, got.IsOnline)

		n, err := s.ResetPresence(ctx, AIParticipantEmail)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		got, err = s.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.False(t, got.IsOnline)

		aiAfter, err := s.GetUser(ctx, ai.ID)
		require.NoError(t, err)
		assert.True(t, aiAfter.IsOnline, "AI participant stays online")

		assert.ErrorIs(t, s.SetUserOnline(ctx, "missing", true), ErrNotFound)
	})
}

func TestStoreAIParticipantIsStable(t *testing.T) {
	forEachStore(t, func(t *testing.T, ctx context.Context, s Store) {
		first, err := s.GetOrCreateAIParticipant(ctx)
		require.NoError(t, err)
		second, err := s.GetOrCreateAIParticipant(ctx)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, AIParticipantEmail, first.Email)
		assert.Equal(t, AIParticipantName, first.Name)
	})
}

func TestStoreMembership(t *testing.T) {
	forEachStore(t, func(t *testing.T, ctx context.Context, s Store) {
		alice := mustUser(t, ctx, s, "alice@example.com", "Alice")
		bob := mustUser(t, ctx, s, "bob@example.com", "Bob")
		carol := mustUser(t, ctx, s, "carol@example.com", "Carol")

		session, err := s.CreateSession(ctx, "", false, []string{alice.ID, bob.ID, bob.ID})
		require.NoError(t, err)

		ok, err := s.IsSessionMember(ctx, alice.ID, session.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.IsSessionMember(ctx, carol.ID, session.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.IsSessionMember(ctx, alice.ID, "no-such-session")
		require.NoError(t, err)
		assert.False(t, ok)

		members, err := s.SessionMemberIDs(ctx, session.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{alice.ID, bob.ID}, members)
	})
}

func TestStoreMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, ctx context.Context, s Store) {
		alice := mustUser(t, ctx, s, "alice@example.com", "Alice")
		bob := mustUser(t, ctx, s, "bob@example.com", "Bob")
		session, err := s.CreateSession(ctx, "pair", false, []string{alice.ID, bob.ID})
		require.NoError(t, err)

		contents := []string{"one", "two", "three", "four", "five"}
		for i, c := range contents {
			sender := alice.ID
			if i%2 == 1 {
				sender = bob.ID
			}
			msg, err := s.CreateMessage(ctx, session.ID, sender, c)
			require.NoError(t, err)
			assert.Equal(t, c, msg.Content)
			assert.NotEmpty(t, msg.ID)
			assert.False(t, msg.CreatedAt.IsZero())
		}

		recent, err := s.GetRecentMessages(ctx, session.ID, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, "three", recent[0].Content)
		assert.Equal(t, "four", recent[1].Content)
		assert.Equal(t, "five", recent[2].Content)
		assert.Equal(t, "Bob", recent[1].SenderName)
		assert.Equal(t, "Alice", recent[2].SenderName)

		all, err := s.GetRecentMessages(ctx, session.ID, 100)
		require.NoError(t, err)
		assert.Len(t, all, len(contents))

		none, err := s.GetRecentMessages(ctx, session.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestStoreCreateMessageUnknownSender(t *testing.T) {
	forEachStore(t, func(t *testing.T, ctx context.Context, s Store) {
		alice := mustUser(t, ctx, s, "alice@example.com", "Alice")
		session, err := s.CreateSession(ctx, "", false, []string{alice.ID})
		require.NoError(t, err)

		_, err = s.CreateMessage(ctx, session.ID, "ghost", "boo")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreMarkSessionRead(t *testing.T) {
	forEachStore(t, func(t *testing.T, ctx context.Context, s Store) {
		alice := mustUser(t, ctx, s, "alice@example.com", "Alice")
		bob := mustUser(t, ctx, s, "bob@example.com", "Bob")
		session, err := s.CreateSession(ctx, "", false, []string{alice.ID, bob.ID})
		require.NoError(t, err)

		for _, c := range []string{"hi", "there"} {
			_, err := s.CreateMessage(ctx, session.ID, bob.ID, c)
			require.NoError(t, err)
		}
		_, err = s.CreateMessage(ctx, session.ID, alice.ID, "mine")
		require.NoError(t, err)

		n, err := s.MarkSessionRead(ctx, alice.ID, session.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n, "own messages are not marked")

		n, err = s.MarkSessionRead(ctx, alice.ID, session.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		recent, err := s.GetRecentMessages(ctx, session.ID, 10)
		require.NoError(t, err)
		for _, m := range recent {
			assert.Equal(t, m.SenderID != alice.ID, m.IsRead, m.Content)
		}
	})
}

func TestOpenDriver(t *testing.T) {
	s, err := OpenDriver("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemDB{}, s)

	s, err = OpenDriver("sqlite", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &DB{}, s)

	_, err = OpenDriver("oracle", "")
	assert.Error(t, err)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")

	db, err := Open(path)
	require.NoError(t, err)
	u, err := db.CreateUser(ctx, "alice@example.com", "Alice")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
}
