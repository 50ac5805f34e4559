package outbox

import "context"

// Deliverer sends a single submission to its endpoint.
type Deliverer interface {
	// Deliver returns nil on a 2xx response, a *ServerRejectedError on any other
	// response, and an error wrapping ErrTransientNetwork when no response arrived.
	Deliver(ctx context.Context, sub Submission) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, sub Submission) error

// Deliver implements Deliverer.
func (fn DelivererFunc) Deliver(ctx context.Context, sub Submission) error {
	return fn(ctx, sub)
}
