package outbox

import (
	"context"
	"errors"
	"unicode/utf8"
)

// MaxErrorLength is the number of runes of a failure message a store keeps.
const MaxErrorLength = 1024

// FailureAction defines how a failed replay should be handled.
type FailureAction int

const (
	// FailureRetry counts an attempt and keeps the submission pending.
	FailureRetry FailureAction = iota
	// FailureDead dead-letters the submission immediately.
	FailureDead
	// FailureDefer leaves the submission untouched and ends the current replay pass.
	FailureDefer
)

// FailureClassifier decides what to do with a failed replay.
type FailureClassifier func(ctx context.Context, sub Submission, err error) FailureAction

// DefaultFailureClassifier defers transient network failures, retries server errors
// and throttling, and dead-letters every other rejection.
func DefaultFailureClassifier(_ context.Context, _ Submission, err error) FailureAction {
	if errors.Is(err, ErrTransientNetwork) {
		return FailureDefer
	}

	var rejected *ServerRejectedError
	if errors.As(err, &rejected) {
		if rejected.Retryable() {
			return FailureRetry
		}

		return FailureDead
	}

	return FailureRetry
}

// ErrorText returns err's message cut to MaxErrorLength runes, or "" for nil.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}

	return string([]rune(msg)[:MaxErrorLength])
}
