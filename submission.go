package outbox

import (
	"bytes"
	"time"

	json "github.com/goccy/go-json"
)

// Submission is one form payload that has not been delivered yet.
type Submission struct {
	// ID is unique for the lifetime of the store and doubles as the idempotency key.
	ID ID `json:"id"`
	// URL is the destination endpoint for eventual delivery.
	URL string `json:"url"`
	// Body is the form data, a JSON object.
	Body json.RawMessage `json:"body"`
	// Timestamp is the creation time, used for replay ordering and diagnostics.
	Timestamp time.Time `json:"timestamp"`
	// Status is pending until the submission is dead-lettered.
	Status Status `json:"status"`
	// Attempts counts failed replay attempts.
	Attempts int `json:"attempts"`
	// LastError holds the most recent replay failure, truncated by the store.
	LastError string `json:"lastError,omitempty"`
}

// Validate checks that the submission can be stored and delivered.
func (s Submission) Validate() error {
	if s.URL == "" {
		return ErrURLRequired
	}

	return ValidateBody(s.Body)
}

// ValidateBody checks that body is a non-empty JSON object.
func ValidateBody(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ErrBodyRequired
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidBody
	}

	return nil
}

// Decode unmarshals the body into v.
func (s Submission) Decode(v any) error {
	return json.Unmarshal(s.Body, v)
}

// Failure captures a replay error for a submission.
type Failure struct {
	ID  ID
	Err error
}
