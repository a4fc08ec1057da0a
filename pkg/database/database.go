package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour a DB talks
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	}
	return "unknown"
}

// DB is the SQL-backed Store. SQLite and Postgres share the same schema and
// queries; placeholders are rebound for Postgres.
type DB struct {
	conn      *sql.DB // Read pool
	writeConn *sql.DB // Dedicated write connection for SQLite, same pool for Postgres
	dialect   Dialect
}

var _ Store = (*DB)(nil)

// OpenDriver opens the store named by driver ("sqlite", "postgres" or
// "memory") with the given DSN.
func OpenDriver(driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return Open(dsn)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(dsn)
	case "memory", "mem":
		return NewMemDB(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode, writes go through writeConn
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly 1 connection, never expires
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{conn: conn, writeConn: writeConn, dialect: DialectSQLite}
	if err := db.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		// Wait and retry instead of failing immediately with SQLITE_BUSY
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// OpenPostgres connects through the pgx database/sql driver and initializes
// the schema if needed
func OpenPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	db := NewWithConn(conn, DialectPostgres)
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// NewWithConn wraps an already opened pool. The schema is not touched.
func NewWithConn(conn *sql.DB, dialect Dialect) *DB {
	return &DB{conn: conn, writeConn: conn, dialect: dialect}
}

// Close closes the database connections
func (db *DB) Close() error {
	if db.writeConn != db.conn {
		db.writeConn.Close()
	}
	return db.conn.Close()
}

// Dialect reports which SQL flavour this DB uses
func (db *DB) Dialect() Dialect {
	return db.dialect
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	is_online INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	is_group INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS session_members (
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	joined_at BIGINT NOT NULL,
	PRIMARY KEY (session_id, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	sender_id TEXT NOT NULL REFERENCES users(id),
	content TEXT NOT NULL,
	is_read INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_session_members_user ON session_members(user_id)`,
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.writeConn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (db *DB) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ===== Membership =====

func (db *DB) IsSessionMember(ctx context.Context, userID, sessionID string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT 1 FROM session_members WHERE session_id = ? AND user_id = ?`),
		sessionID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return true, nil
}

func (db *DB) SessionMemberIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		db.rebind(`SELECT user_id FROM session_members WHERE session_id = ? ORDER BY joined_at, user_id`),
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ===== Messages =====

func (db *DB) CreateMessage(ctx context.Context, sessionID, senderID, content string) (*Message, error) {
	sender, err := db.GetUser(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}

	msg := &Message{
		ID:         newID(),
		SessionID:  sessionID,
		SenderID:   senderID,
		SenderName: sender.Name,
		Content:    content,
		CreatedAt:  nowMillis(),
	}
	_, err = db.writeConn.ExecContext(ctx,
		db.rebind(`INSERT INTO messages (id, session_id, sender_id, content, is_read, created_at) VALUES (?, ?, ?, ?, 0, ?)`),
		msg.ID, msg.SessionID, msg.SenderID, msg.Content, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (db *DB) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT m.id, m.session_id, m.sender_id, u.name, m.content, m.is_read, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.session_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`),
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			m       Message
			isRead  int
			created int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.SenderName, &m.Content, &isRead, &created); err != nil {
			return nil, err
		}
		m.IsRead = isRead != 0
		m.CreatedAt = fromMillis(created)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest first from the query, callers want chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (db *DB) MarkSessionRead(ctx context.Context, userID, sessionID string) (int64, error) {
	res, err := db.writeConn.ExecContext(ctx,
		db.rebind(`UPDATE messages SET is_read = 1 WHERE session_id = ? AND sender_id <> ? AND is_read = 0`),
		sessionID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

// ===== Users =====

const userColumns = `id, email, name, is_online, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var (
		u       User
		online  int
		created int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &online, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.IsOnline = online != 0
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

func (db *DB) GetUser(ctx context.Context, userID string) (*User, error) {
	return scanUser(db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), userID))
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT `+userColumns+` FROM users WHERE email = ?`), email))
}

func (db *DB) CreateUser(ctx context.Context, email, name string) (*User, error) {
	return db.insertUser(ctx, email, name, false)
}

func (db *DB) insertUser(ctx context.Context, email, name string, online bool) (*User, error) {
	u := &User{
		ID:        newID(),
		Email:     email,
		Name:      name,
		IsOnline:  online,
		CreatedAt: nowMillis(),
	}
	_, err := db.writeConn.ExecContext(ctx,
		db.rebind(`INSERT INTO users (id, email, name, is_online, created_at) VALUES (?, ?, ?, ?, ?)`),
		u.ID, u.Email, u.Name, boolToInt(online), u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if db.isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", email, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (db *DB) SetUserOnline(ctx context.Context, userID string, online bool) error {
	res, err := db.writeConn.ExecContext(ctx,
		db.rebind(`UPDATE users SET is_online = ? WHERE id = ?`),
		boolToInt(online), userID,
	)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) ResetPresence(ctx context.Context, keepOnlineEmail string) (int64, error) {
	res, err := db.writeConn.ExecContext(ctx,
		db.rebind(`UPDATE users SET is_online = 0 WHERE is_online = 1 AND email <> ?`),
		keepOnlineEmail,
	)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	return res.RowsAffected()
}

// GetOrCreateAIParticipant returns the AI user, creating it on first use.
// Two concurrent callers may race on the insert; the loser re-reads.
func (db *DB) GetOrCreateAIParticipant(ctx context.Context) (*User, error) {
	u, err := db.GetUserByEmail(ctx, AIParticipantEmail)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u, err = db.insertUser(ctx, AIParticipantEmail, AIParticipantName, true)
	if errors.Is(err, ErrDuplicate) {
		return db.GetUserByEmail(ctx, AIParticipantEmail)
	}
	return u, err
}

// ===== Sessions =====

func (db *DB) CreateSession(ctx context.Context, name string, isGroup bool, memberIDs []string) (*ChatSession, error) {
	s := &ChatSession{
		ID:        newID(),
		Name:      name,
		IsGroup:   isGroup,
		CreatedAt: nowMillis(),
	}

	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		db.rebind(`INSERT INTO chat_sessions (id, name, is_group, created_at) VALUES (?, ?, ?, ?)`),
		s.ID, s.Name, boolToInt(isGroup), s.CreatedAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	seen := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := tx.ExecContext(ctx,
			db.rebind(`INSERT INTO session_members (session_id, user_id, joined_at) VALUES (?, ?, ?)`),
			s.ID, id, s.CreatedAt.UnixMilli(),
		); err != nil {
			return nil, fmt.Errorf("add member %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s, nil
}
