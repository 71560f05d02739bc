package session

import "errors"

var (
	// ErrClosing is returned when writing to a session that is closing.
	ErrClosing = errors.New("session closing")
	// ErrDuplicateFilter is returned when a filter name is already in a chain.
	ErrDuplicateFilter = errors.New("duplicate filter name")
	// ErrFilterNotFound is returned when removing an unknown filter.
	ErrFilterNotFound = errors.New("filter not found")
)
