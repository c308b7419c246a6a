// Package validators turns user input, either share links or "type/id"
// shorthand, into a fetch request.
package validators

import "github.com/openmusicplayer/mediafetch/internal/catalog"

// ValidationResult contains the result of link validation
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	MediaType catalog.MediaType `json:"media_type,omitempty"`
	MediaID   string            `json:"media_id,omitempty"`
	Input     string            `json:"input"`
	Canonical string            `json:"canonical_url,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Validator recognizes one input format.
type Validator interface {
	// Name identifies the format, e.g. "link".
	Name() string

	// CanHandle reports whether input looks like this validator's format.
	CanHandle(input string) bool

	// Validate extracts the media type and id.
	Validate(input string) ValidationResult
}

func invalid(input, msg string) ValidationResult {
	return ValidationResult{Input: input, Error: msg}
}
