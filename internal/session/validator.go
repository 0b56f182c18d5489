package session

import (
	"fmt"
	"unicode/utf8"
)

// DefaultMaxMessageChars caps the length of a chat message.
const DefaultMaxMessageChars = 1000

// ValidateMessage checks that a chat message is non-empty, valid UTF-8 and
// no longer than maxChars characters.
func ValidateMessage(text string, maxChars int) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > maxChars {
		return fmt.Errorf("message exceeds %d character limit", maxChars)
	}
	return nil
}
