package content

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy = bluemonday.StrictPolicy()

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

var ErrInvalidContent = errors.New("invalid content")

// Sanitize strips all HTML from the input string. Message content is stored
// and pushed as plain text; rendering is the client's concern.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateMessage checks that message content is non-empty after trimming
// and does not exceed maxSize bytes.
func ValidateMessage(input string, maxSize int) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidContent)
	}
	if len(input) > maxSize {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidContent, maxSize)
	}
	if !utf8.ValidString(input) {
		return fmt.Errorf("%w: not valid utf-8", ErrInvalidContent)
	}
	return nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
