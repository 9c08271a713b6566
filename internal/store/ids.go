package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// ActionIDLen is the length of generated action ids. Short ids keep the
	// callback payload well under the Bot API's 64-byte limit.
	ActionIDLen      = 8
	actionIDAttempts = 16
)

// NewActionID draws short hex ids from a random UUID until taken reports one
// as free.
func NewActionID(taken func(string) (bool, error)) (string, error) {
	for i := 0; i < actionIDAttempts; i++ {
		raw := strings.ReplaceAll(uuid.NewString(), "-", "")
		candidate := raw[:ActionIDLen]
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not allocate a free action id after %d attempts", actionIDAttempts)
}
