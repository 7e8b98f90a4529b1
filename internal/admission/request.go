package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Shape bounds on a job request.
const (
	MinTimeoutSec  = 1
	MaxTimeoutSec  = 86400
	MinMaxAttempts = 1
	MaxMaxAttempts = 20
	MaxTags        = 20
	MaxBatchSize   = 100
)

// Request is one job as submitted by a caller. Pointer fields distinguish
// "not set" from zero so registry defaults can fill them in.
type Request struct {
	Type        string         `json:"type" validate:"required,max=200"`
	Queue       string         `json:"queue" validate:"omitempty,queue_name"`
	Input       map[string]any `json:"input"`
	Priority    *int           `json:"priority" validate:"omitempty,min=0,max=10"`
	TimeoutSec  *int           `json:"timeout_sec" validate:"omitempty,min=1,max=86400"`
	MaxAttempts *int           `json:"max_attempts" validate:"omitempty,min=1,max=20"`
	Tags        []string       `json:"tags" validate:"omitempty,max=20,dive,min=1,max=100"`
	CallbackURL *string        `json:"callback_url" validate:"omitempty,url"`
	RunAt       *time.Time     `json:"run_at"`
	DelaySec    int            `json:"delay_sec" validate:"omitempty,min=0,max=2592000"`

	DependsOn []string `json:"depends_on" validate:"omitempty,max=50,dive,required"`
	// DependsOnIdx holds 1-based positions of earlier items in the same batch.
	DependsOnIdx     []int `json:"depends_on_idx" validate:"omitempty,max=50,dive,min=1"`
	DependsOnLastJob bool  `json:"depends_on_last_job"`
}

// BatchRequest submits several jobs atomically under one optional key.
type BatchRequest struct {
	Jobs           []Request `json:"jobs"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// IntentRequest is a free-form batch seeded by the user's text. Documentation
// lookups are synthesized ahead of declared tool.exec jobs.
type IntentRequest struct {
	Text           string    `json:"text"`
	Jobs           []Request `json:"jobs"`
	IdempotencyKey string    `json:"idempotency_key"`
	// SkipToolDocs disables the synthesized documentation lookups.
	SkipToolDocs bool `json:"skip_tool_docs"`
}

// fingerprintItem holds the fields that define a request's identity after
// defaults are applied.
type fingerprintItem struct {
	Type        string         `json:"type"`
	Queue       string         `json:"queue"`
	Input       map[string]any `json:"input"`
	Priority    int            `json:"priority"`
	TimeoutSec  int            `json:"timeout_sec"`
	MaxAttempts int            `json:"max_attempts"`
}

// fingerprint hashes the canonical JSON of items. encoding/json sorts map
// keys, so logically equal inputs hash identically.
func fingerprint(seed string, items []fingerprintItem) (string, error) {
	raw, err := json.Marshal(struct {
		Seed  string            `json:"seed,omitempty"`
		Items []fingerprintItem `json:"items"`
	}{seed, items})
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
