package database

import (
	"fmt"
	"regexp"
	"strings"
)

var wordRegex = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// StoreMessage masks forbidden words in content and persists it for the
// author. The stored message, with its id and time, is returned.
func (db *DB) StoreMessage(userID int64, authorLogin, content string) (*Message, error) {
	words, err := db.ForbiddenWords()
	if err != nil {
		return nil, err
	}

	msg, err := db.WriteBuffer.PostMessage(userID, authorLogin, MaskWords(content, words))
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	return msg, nil
}

// MaskWords replaces every word found in forbidden (case-insensitively) with
// asterisks of the same length. forbidden holds lowercase words.
func MaskWords(content string, forbidden map[string]struct{}) string {
	if len(forbidden) == 0 {
		return content
	}
	return wordRegex.ReplaceAllStringFunc(content, func(word string) string {
		if _, ok := forbidden[strings.ToLower(word)]; ok {
			return strings.Repeat("*", len([]rune(word)))
		}
		return word
	})
}

// AddForbiddenWord registers a word to mask. Adding a word twice is a no-op.
func (db *DB) AddForbiddenWord(word string) error {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return fmt.Errorf("forbidden word is empty")
	}
	_, err := db.writeConn.Exec(`INSERT OR IGNORE INTO ForbiddenWord (word) VALUES (?)`, word)
	if err != nil {
		return fmt.Errorf("failed to add forbidden word: %w", err)
	}
	return nil
}

// ForbiddenWords returns the set of masked words
func (db *DB) ForbiddenWords() (map[string]struct{}, error) {
	rows, err := db.conn.Query(`SELECT word FROM ForbiddenWord`)
	if err != nil {
		return nil, fmt.Errorf("failed to load forbidden words: %w", err)
	}
	defer rows.Close()

	words := make(map[string]struct{})
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		words[w] = struct{}{}
	}
	return words, rows.Err()
}
