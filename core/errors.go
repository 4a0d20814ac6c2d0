package core

import "errors"

// Sentinel error kinds per the error-handling table in spec §7. Callers
// distinguish them with errors.Is; gateway implementations wrap the
// underlying cause with fmt.Errorf("...: %w", ErrTransient) etc.
var (
	// ErrValidation marks a parameter-validation failure: fail fast, no retry.
	ErrValidation = errors.New("tiermind: validation error")

	// ErrTransient marks a retryable gateway failure (LLM, embedding, vector,
	// graph). Retried with backoff up to max_retry; on give-up the item is
	// skipped and recorded to a failed list.
	ErrTransient = errors.New("tiermind: transient gateway error")

	// ErrPermanent marks a non-retryable gateway failure that propagates to
	// the caller immediately.
	ErrPermanent = errors.New("tiermind: permanent gateway error")

	// ErrNotFound marks a missing graph reference (node, edge, or memory).
	ErrNotFound = errors.New("tiermind: not found")

	// ErrCapacity marks a capacity-overflow condition handled by the
	// configured overflow strategy; it never blocks the write path.
	ErrCapacity = errors.New("tiermind: capacity exceeded")

	// ErrTimeout marks an operation that exceeded its deadline (e.g. the
	// 1.5s interest-matching timeout in spec §5); callers substitute a
	// neutral default rather than treating this as fatal.
	ErrTimeout = errors.New("tiermind: timeout")

	// ErrShutdown marks an operation rejected because the coordinator is
	// shutting down.
	ErrShutdown = errors.New("tiermind: shutting down")
)
