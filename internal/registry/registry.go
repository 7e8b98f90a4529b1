// Package registry holds the job types the engine accepts: whether each is
// enabled, its execution defaults, and the validator for its input shape.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Defaults are the execution limits applied when a request does not override them.
type Defaults struct {
	TimeoutSec  int `json:"timeout_sec"`
	MaxAttempts int `json:"max_attempts"`
}

// ValidationError names one offending input field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string { return e.Message }

// InputValidator checks the input payload of one job type.
type InputValidator interface {
	Validate(input map[string]any) []ValidationError
}

// ValidatorFunc adapts a function to InputValidator.
type ValidatorFunc func(input map[string]any) []ValidationError

func (f ValidatorFunc) Validate(input map[string]any) []ValidationError { return f(input) }

// Definition describes a registered job type.
type Definition struct {
	Type      string
	Enabled   bool
	Defaults  Defaults
	Validator InputValidator
}

// Override adjusts a registered type from configuration.
type Override struct {
	Enabled     *bool `mapstructure:"enabled"`
	TimeoutSec  int   `mapstructure:"timeout_sec"`
	MaxAttempts int   `mapstructure:"max_attempts"`
}

// Registry maps type names to definitions. Unknown types are accepted with
// the fallback defaults unless the registry is strict.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	fallback Defaults
	strict   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict rejects types that were never registered.
func WithStrict(strict bool) Option {
	return func(r *Registry) { r.strict = strict }
}

// New builds an empty registry.
func New(fallback Defaults, opts ...Option) *Registry {
	if fallback.TimeoutSec <= 0 {
		fallback.TimeoutSec = 300
	}
	if fallback.MaxAttempts <= 0 {
		fallback.MaxAttempts = 3
	}
	r := &Registry{
		defs:     make(map[string]Definition),
		fallback: fallback,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a definition. Zero defaults inherit the fallback.
func (r *Registry) Register(def Definition) {
	if def.Type == "" {
		return
	}
	if def.Defaults.TimeoutSec <= 0 {
		def.Defaults.TimeoutSec = r.fallback.TimeoutSec
	}
	if def.Defaults.MaxAttempts <= 0 {
		def.Defaults.MaxAttempts = r.fallback.MaxAttempts
	}
	r.mu.Lock()
	r.defs[def.Type] = def
	r.mu.Unlock()
}

// Apply merges a configuration override into the named type, registering it
// without a validator when it is unknown.
func (r *Registry) Apply(jobType string, o Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[jobType]
	if !ok {
		def = Definition{Type: jobType, Enabled: true, Defaults: r.fallback}
	}
	if o.Enabled != nil {
		def.Enabled = *o.Enabled
	}
	if o.TimeoutSec > 0 {
		def.Defaults.TimeoutSec = o.TimeoutSec
	}
	if o.MaxAttempts > 0 {
		def.Defaults.MaxAttempts = o.MaxAttempts
	}
	r.defs[jobType] = def
}

// SetEnabled toggles a type. Unknown types are registered disabled or enabled.
func (r *Registry) SetEnabled(jobType string, enabled bool) {
	r.Apply(jobType, Override{Enabled: &enabled})
}

// IsEnabled reports whether jobs of this type may be admitted.
func (r *Registry) IsEnabled(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	if !ok {
		return !r.strict
	}
	return def.Enabled
}

// Defaults returns the execution defaults for a type.
func (r *Registry) Defaults(jobType string) Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.defs[jobType]; ok {
		return def.Defaults
	}
	return r.fallback
}

// Validate checks input for jobType. Disabled or (strictly) unknown types fail
// before any type-specific check runs.
func (r *Registry) Validate(jobType string, input map[string]any) []ValidationError {
	r.mu.RLock()
	def, ok := r.defs[jobType]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return []ValidationError{{Field: "type", Message: fmt.Sprintf("unknown job type %q", jobType)}}
		}
		return nil
	}
	if !def.Enabled {
		return []ValidationError{{Field: "type", Message: fmt.Sprintf("job type %q is disabled", jobType)}}
	}
	if def.Validator == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	return def.Validator.Validate(input)
}

// Types lists registered definitions sorted by name.
func (r *Registry) Types() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
