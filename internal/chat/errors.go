package chat

import "errors"

var (
	// ErrEmptyText rejects messages whose text is empty after trimming.
	ErrEmptyText = errors.New("message text is empty")

	// ErrSessionNotFound is returned when a message references a session
	// that was never created.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSender is returned for senders outside the known set.
	ErrInvalidSender = errors.New("invalid sender")
)
