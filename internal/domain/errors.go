package domain

import "errors"

var (
	ErrInvalidTaskType  = errors.New("task: invalid task type")
	ErrInvalidInput     = errors.New("task: invalid input")
	ErrTaskNotFound     = errors.New("task: not found")
	ErrTaskTerminal     = errors.New("task: already in a terminal state")
	ErrStoreUnavailable = errors.New("task store: unavailable")
)
