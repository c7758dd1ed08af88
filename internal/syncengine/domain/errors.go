package domain

import "errors"

var (
	// ErrInvalidContent marks malformed or unsupported message content at
	// creation time; rejected synchronously, never enqueued.
	ErrInvalidContent = errors.New("invalid message content")

	// ErrInvalidTransition marks an attempted status transition that
	// violates the state machine. Surfaced as an integration error; the
	// underlying operation aborts without touching stored state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTransientDelivery marks a network/timeout/5xx failure from the
	// external platform. Retried per the queue backoff policy.
	ErrTransientDelivery = errors.New("transient delivery error")

	// ErrPermanentDelivery marks a 4xx failure indicating the recipient or
	// payload is fundamentally invalid. Not retried.
	ErrPermanentDelivery = errors.New("permanent delivery error")

	// ErrConflictLockTimeout marks a failure to acquire the
	// per-conversation resolution lock in time. Degrades to keep_both.
	ErrConflictLockTimeout = errors.New("conflict resolution lock timeout")

	// ErrMessageNotFound is returned by stores for unknown message IDs.
	ErrMessageNotFound = errors.New("message not found")

	// ErrDuplicateExternalID enforces the dedup invariant: at most one
	// stored message per external message ID.
	ErrDuplicateExternalID = errors.New("duplicate external message id")

	// ErrStatusConflict is returned when a compare-and-swap status update
	// observes a current state other than the expected one.
	ErrStatusConflict = errors.New("status changed concurrently")

	// ErrConversationCancelled aborts in-flight work for a deleted
	// conversation.
	ErrConversationCancelled = errors.New("conversation cancelled")
)
