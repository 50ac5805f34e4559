package outbox

// Status represents the lifecycle state of a stored submission.
type Status int16

const (
	// StatusPending indicates the submission is waiting for replay.
	StatusPending Status = 0
	// StatusDead indicates the submission exceeded retry attempts or was rejected and is dead-lettered.
	StatusDead Status = -1
)

// String returns a readable status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}
