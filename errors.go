package amoura

import "errors"

// Sentinel errors. Everything else this library reports is wrapped with %w
// around one of these or around the underlying transport error.
var (
	// ErrUnauthenticated means there is no valid session. Never retried
	// here; the caller decides whether to re-authenticate.
	ErrUnauthenticated = errors.New("amoura: not authenticated")

	// ErrNotParticipant means the active profile is not a member of the
	// conversation it tried to touch.
	ErrNotParticipant = errors.New("amoura: not a conversation participant")

	// ErrSendFailed means an accepted send could not be persisted. The
	// optimistic placeholder has already been rolled back when this is
	// returned.
	ErrSendFailed = errors.New("amoura: message send failed")

	// ErrTimeout means the manual fetch path hit its hard deadline.
	ErrTimeout = errors.New("amoura: fetch timed out")

	// ErrClosed means the engine has been closed.
	ErrClosed = errors.New("amoura: engine closed")
)
