package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// UsernameRecord captures the metadata for a registered username.
type UsernameRecord struct {
	Username  string
	Address   [20]byte
	CreatedAt int64
}

const (
	usernameMinLength = 3
	usernameMaxLength = 32
)

var (
	usernamePattern = regexp.MustCompile(`^[a-z0-9._-]+$`)
	// ErrInvalidUsername is returned when the supplied username does not
	// satisfy the naming constraints.
	ErrInvalidUsername = errors.New("identity: invalid username")
	// ErrUsernameTaken is returned when the username is already owned by
	// another address.
	ErrUsernameTaken = errors.New("identity: username already registered")
	// ErrAlreadyRegistered is returned when the address already holds a
	// username. Usernames are permanent once claimed.
	ErrAlreadyRegistered = errors.New("identity: address already registered")
	// ErrNotFound is returned when no registration matches the query.
	ErrNotFound = errors.New("identity: not found")
)

// NormalizeUsername lowercases and validates the supplied username. Lookup
// and registration both fold through this so "Alice" and "alice" are the
// same name.
func NormalizeUsername(username string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(username))
	length := len(lower)
	if length < usernameMinLength || length > usernameMaxLength {
		return "", fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidUsername, usernameMinLength, usernameMaxLength)
	}
	if !usernamePattern.MatchString(lower) {
		return "", fmt.Errorf("%w: allowed characters are [a-z0-9._-]", ErrInvalidUsername)
	}
	return lower, nil
}

// Clone returns a copy of the record.
func (r *UsernameRecord) Clone() *UsernameRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
