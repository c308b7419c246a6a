package validators

import (
	"fmt"
	"sync"

	"github.com/openmusicplayer/mediafetch/internal/catalog"
)

// Registry tries validators in registration order
type Registry struct {
	mu         sync.RWMutex
	validators []Validator
}

// NewRegistry creates a new validator registry
func NewRegistry() *Registry {
	return &Registry{
		validators: make([]Validator, 0),
	}
}

// Register adds a validator to the registry
func (r *Registry) Register(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = append(r.validators, v)
}

// Validate hands input to the first validator that can handle it.
func (r *Registry) Validate(input string) ValidationResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.validators {
		if v.CanHandle(input) {
			return v.Validate(input)
		}
	}

	return invalid(input, "unsupported input format")
}

// Formats returns the names of the registered validators.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	formats := make([]string, 0, len(r.validators))
	for _, v := range r.validators {
		formats = append(formats, v.Name())
	}
	return formats
}

// DefaultRegistry creates a registry with all built-in validators
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewLinkValidator())
	r.Register(NewShorthandValidator())
	return r
}

var defaultRegistry = DefaultRegistry()

// Parse resolves input with the default registry.
func Parse(input string) (catalog.MediaType, string, error) {
	result := defaultRegistry.Validate(input)
	if !result.Valid {
		return "", "", fmt.Errorf("%s: %s", input, result.Error)
	}
	return result.MediaType, result.MediaID, nil
}
