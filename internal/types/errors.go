package types

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEntry is returned when a conversation already has a waiting entry
	ErrDuplicateEntry = errors.New("conversation already has a waiting queue entry")
	// ErrInvalidTransition is returned when the entry state machine rejects a change
	ErrInvalidTransition = errors.New("invalid queue entry transition")
	// ErrPersistence wraps storage write failures that abort an operation
	ErrPersistence = errors.New("persistence failure")
	// ErrConflict is returned by stores when a versioned write lost a race
	ErrConflict = errors.New("concurrent modification")
	// ErrNotFound is returned by stores for unknown ids
	ErrNotFound = errors.New("not found")
	// ErrQueueFull is returned when a department reached its max queue size
	ErrQueueFull = errors.New("department queue is full")
	// ErrUnknownAgent is returned for slot and status operations on unregistered agents
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrInvalidInput marks requests rejected by validation
	ErrInvalidInput = errors.New("invalid input")
)

// DuplicateEntryError carries the entry that blocked an enqueue
type DuplicateEntryError struct {
	ConversationID string
	EntryID        string
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("conversation %s: %v (entry %s)", e.ConversationID, ErrDuplicateEntry, e.EntryID)
}

func (e *DuplicateEntryError) Unwrap() error {
	return ErrDuplicateEntry
}

// Persistence wraps err so callers can match ErrPersistence and the cause
func Persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
