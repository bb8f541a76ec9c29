package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrAlreadyExists indicates the login is already registered.
	ErrAlreadyExists = errors.New("user already exists")
	// ErrInvalidCredentials indicates an unknown login or a wrong password.
	ErrInvalidCredentials = errors.New("login or password are incorrect")
	// ErrUserNotFound indicates no user has the requested id.
	ErrUserNotFound = errors.New("user not found")
)

// DefaultTopUsers is how many users TopUsers returns when asked for zero
const DefaultTopUsers = 5

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	WriteBuffer *WriteBuffer
}

var pragmas = []struct {
	stmt string
	desc string
}{
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path, runs pending migrations and starts
// the message write buffer.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows many readers next to the single writer
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
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(snowflakeEpoch, 0),
	}

	if err := migrate(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.WriteBuffer = NewWriteBuffer(db, 50*time.Millisecond)

	return db, nil
}

// Close flushes pending writes and closes the database
func (db *DB) Close() error {
	if db.WriteBuffer != nil {
		db.WriteBuffer.Close()
	}
	db.writeConn.Close()
	return db.conn.Close()
}

// Ping checks the read connection
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// User represents a registered account
type User struct {
	ID        int64
	Login     string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// Message represents a stored chat message
type Message struct {
	ID          int64
	UserID      int64
	AuthorLogin string
	Content     string
	CreatedAt   int64 // Unix timestamp in milliseconds
}

// Time returns the creation time of the message
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// UserActivity is one row of the most-active-users list
type UserActivity struct {
	Login        string
	MessageCount int64
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
