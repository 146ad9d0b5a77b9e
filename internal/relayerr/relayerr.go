// Package relayerr defines the error taxonomy shared by the relay components.
//
// Errors are wrapped around one of the sentinels below and matched with errors.Is.
// Connect, store and publish failures are I/O failures; invalid queue names and queue
// conflicts are configuration failures that retrying cannot fix.
package relayerr

import "errors"

var (
	// ErrConnect indicates that the broker or the store was unreachable at startup.
	ErrConnect = errors.New("connect failed")
	// ErrStore indicates a transient failure against the outbox store.
	ErrStore = errors.New("outbox store failure")
	// ErrPublish indicates that the broker rejected or could not accept a message.
	ErrPublish = errors.New("publish failed")
	// ErrInvalidQueueName indicates an empty queue name or one under the reserved prefix.
	ErrInvalidQueueName = errors.New("invalid queue name")
	// ErrQueueConflict indicates a queue already declared with different arguments.
	ErrQueueConflict = errors.New("queue declared with conflicting arguments")
)

// IsFatal reports whether err is a configuration error that must stop the relay.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidQueueName) || errors.Is(err, ErrQueueConflict)
}

// IsRetryable reports whether err is an I/O failure the relay retries on its next cycle.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}

	return errors.Is(err, ErrStore) || errors.Is(err, ErrPublish)
}
