package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RegisterUser creates an account. A taken login returns ErrAlreadyExists.
func (db *DB) RegisterUser(login, password string) (*User, error) {
	hash, salt, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT INTO User (login, password_hash, password_salt, created_at)
		VALUES (?, ?, ?, ?)
	`, login, hash, salt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, login)
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return &User{ID: id, Login: login, CreatedAt: now}, nil
}

// Authenticate returns the user matching login and password. Unknown logins
// and wrong passwords both return ErrInvalidCredentials.
func (db *DB) Authenticate(login, password string) (*User, error) {
	var (
		u          User
		hash, salt string
	)
	err := db.conn.QueryRow(`
		SELECT id, login, password_hash, password_salt, created_at
		FROM User WHERE login = ?
	`, login).Scan(&u.ID, &u.Login, &hash, &salt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !checkPassword(password, hash, salt) {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

// UserByID loads a user
func (db *DB) UserByID(id int64) (*User, error) {
	var u User
	err := db.conn.QueryRow(`SELECT id, login, created_at FROM User WHERE id = ?`, id).
		Scan(&u.ID, &u.Login, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return &u, nil
}

// TopUsers returns the logins with the most stored messages, busiest first
func (db *DB) TopUsers(limit int) ([]UserActivity, error) {
	if limit <= 0 {
		limit = DefaultTopUsers
	}

	rows, err := db.conn.Query(`
		SELECT u.login, COUNT(m.id) AS n
		FROM User u
		JOIN Message m ON m.user_id = u.id
		GROUP BY u.id
		ORDER BY n DESC, u.login ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top users: %w", err)
	}
	defer rows.Close()

	var top []UserActivity
	for rows.Next() {
		var a UserActivity
		if err := rows.Scan(&a.Login, &a.MessageCount); err != nil {
			return nil, err
		}
		top = append(top, a)
	}
	return top, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
