package domain

import "errors"

// ErrTaskNotFound is returned when an operation references a task the board
// does not currently hold.
var ErrTaskNotFound = errors.New("task not found")

// ErrColumnNotFound is returned when an operation references a column that is
// not on the board.
var ErrColumnNotFound = errors.New("column not found")

// ErrInvalidEvent marks change payloads that cannot be turned into a Change.
var ErrInvalidEvent = errors.New("invalid change event")
