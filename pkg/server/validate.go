package server

import (
	"regexp"
)

// Validation error codes
const (
	CodeInvalidLogin           = 400
	CodePasswordRequired       = 5
	CodePasswordLength         = 6
	CodePasswordForbiddenChars = 7
)

const (
	minPasswordLength = 4
	maxPasswordLength = 100
)

var (
	loginRegex    = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	passwordRegex = regexp.MustCompile(`^[A-Za-z0-9$\\/._-]+$`)
)

// ValidationError reports a rejected registration field
type ValidationError struct {
	Field  string
	Code   int
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// ValidateLogin checks the login charset
func ValidateLogin(login string) error {
	if !loginRegex.MatchString(login) {
		return &ValidationError{Field: "login", Code: CodeInvalidLogin, Reason: "The login field is incorrect."}
	}
	return nil
}

// ValidatePassword checks presence, length and charset, in that order
func ValidatePassword(password string) error {
	if password == "" {
		return &ValidationError{Field: "password", Code: CodePasswordRequired, Reason: "The password field is required."}
	}
	if n := len(password); n < minPasswordLength || n > maxPasswordLength {
		return &ValidationError{Field: "password", Code: CodePasswordLength, Reason: "The password must be between 4 and 100 characters."}
	}
	if !passwordRegex.MatchString(password) {
		return &ValidationError{Field: "password", Code: CodePasswordForbiddenChars, Reason: "The password field has forbidden characters."}
	}
	return nil
}
