package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidewater-ai/runstate/pkg/core"
)

// Limits applied to caller-supplied values.
const (
	// MaxTaskTypeLength is the maximum length for task type names.
	MaxTaskTypeLength = 255

	// MaxOwnerIDLength is the maximum length for owner identifiers.
	MaxOwnerIDLength = 64

	// MaxTaskInputSize is the maximum size in bytes for task input (1MB).
	MaxTaskInputSize = 1 << 20

	// MaxCheckpointSize is the maximum size in bytes for a checkpoint
	// payload (256KB).
	MaxCheckpointSize = 256 << 10

	// MaxRetries is the hard ceiling for a run's max_retries.
	MaxRetries = 100

	// MaxErrorMessageLength is the maximum length for stored error messages.
	MaxErrorMessageLength = 4096
)

// validTaskType matches alphanumeric, hyphens, underscores, and dots.
var validTaskType = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateTaskType validates a task type name.
func ValidateTaskType(name string) error {
	if name == "" {
		return core.ErrInvalidTaskType
	}
	if len(name) > MaxTaskTypeLength {
		return core.ErrTaskTypeTooLong
	}
	if !validTaskType.MatchString(name) {
		return core.ErrInvalidTaskType
	}
	return nil
}

// ValidateOwnerID validates a caller identity.
func ValidateOwnerID(id string) error {
	if id == "" || len(id) > MaxOwnerIDLength {
		return core.ErrInvalidOwnerID
	}
	return nil
}

// ValidateTaskInput checks the task input payload size.
func ValidateTaskInput(input []byte) error {
	if len(input) > MaxTaskInputSize {
		return core.ErrTaskInputTooLarge
	}
	return nil
}

// ValidateCheckpoint checks the checkpoint payload size.
func ValidateCheckpoint(data []byte) error {
	if len(data) > MaxCheckpointSize {
		return core.ErrCheckpointTooBig
	}
	return nil
}

// SanitizeErrorMessage strips control characters and truncates error
// messages before they are stored on a run.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures a retry limit is within bounds.
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}
