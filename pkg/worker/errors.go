package worker

import "errors"

// Pool lifecycle and submission errors. Callers branch on ErrQueueFull to
// defer work rather than drop it; the rest signal misuse or shutdown.
var (
	// ErrPoolNotStarted rejects Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped rejects Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted rejects a second Start.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull means the queue bound was reached; the work was not
	// enqueued and may be resubmitted later.
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilProcessor is the panic value for a NewPool call without a
	// processor.
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout means in-flight work outlived the Stop timeout.
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
