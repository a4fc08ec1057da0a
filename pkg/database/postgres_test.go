package database

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewWithConn(conn, DialectPostgres), mock
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	lite := &DB{dialect: DialectSQLite}

	q := `UPDATE users SET is_online = ? WHERE id = ?`
	assert.Equal(t, `UPDATE users SET is_online = $1 WHERE id = $2`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgresIsSessionMember(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM session_members WHERE session_id = $1 AND user_id = $2`)).
		WithArgs("s1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM session_members`)).
		WithArgs("s1", "u2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	ok, err := db.IsSessionMember(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.IsSessionMember(context.Background(), "u2", "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRecentMessagesReturnsOldestFirst(t *testing.T) {
	db, mock := setupMockDB(t)
	now := time.Now().UnixMilli()

	rows := sqlmock.NewRows([]string{"id", "session_id", "sender_id", "name", "content", "is_read", "created_at"}).
		AddRow("m3", "s1", "u1", "Alice", "third", 0, now).
		AddRow("m2", "s1", "u2", "Bob", "second", 1, now-10).
		AddRow("m1", "s1", "u1", "Alice", "first", 1, now-20)
	mock.ExpectQuery(`FROM messages m\s+JOIN users u`).
		WithArgs("s1", 3).
		WillReturnRows(rows)

	msgs, err := db.GetRecentMessages(context.Background(), "s1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)
	assert.True(t, msgs[0].IsRead)
	assert.False(t, msgs[2].IsRead)
	assert.Equal(t, now, msgs[2].CreatedAt.UnixMilli())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkSessionRead(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE messages SET is_read = 1 WHERE session_id = $1 AND sender_id <> $2 AND is_read = 0`)).
		WithArgs("s1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := db.MarkSessionRead(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetUserOnline(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		execErr  error
		wantErr  error
	}{
		{name: "updated", affected: 1},
		{name: "unknown user", affected: 0, wantErr: ErrNotFound},
		{name: "driver error", execErr: errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			exp := mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET is_online = $1 WHERE id = $2`)).
				WithArgs(1, "u1")
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, tt.affected))
			}

			err := db.SetUserOnline(context.Background(), "u1", true)
			switch {
			case tt.execErr != nil:
				assert.ErrorContains(t, err, "set presence")
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			default:
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresCreateUserDuplicate(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(sqlmock.AnyArg(), "alice@example.com", "Alice", 0, sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	_, err := db.CreateUser(context.Background(), "alice@example.com", "Alice")
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAIParticipantRace(t *testing.T) {
	db, mock := setupMockDB(t)
	cols := []string{"id", "email", "name", "is_online", "created_at"}

	// Not there on first look, another process inserts it before us
	mock.ExpectQuery(`FROM users WHERE email = \$1`).
		WithArgs(AIParticipantEmail).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(`FROM users WHERE email = \$1`).
		WithArgs(AIParticipantEmail).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("ai-1", AIParticipantEmail, AIParticipantName, 1, time.Now().UnixMilli()))

	u, err := db.GetOrCreateAIParticipant(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ai-1", u.ID)
	assert.True(t, u.IsOnline)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateSessionRollsBackOnMemberError(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO chat_sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO session_members`).
		WithArgs(sqlmock.AnyArg(), "u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO session_members`).
		WithArgs(sqlmock.AnyArg(), "missing", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	_, err := db.CreateSession(context.Background(), "g", true, []string{"u1", "missing"})
	assert.ErrorContains(t, err, "add member missing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInitSchema(t *testing.T) {
	db, mock := setupMockDB(t)
	for range schemaStatements {
		mock.ExpectExec(`CREATE (TABLE|INDEX) IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, db.initSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
