package session

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned when a profile already has a live session.
var ErrAlreadyRunning = errors.New("profile already running")

// AlreadyRunningError carries the view of the session that is already live.
type AlreadyRunningError struct {
	View View
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrAlreadyRunning, e.View.ID, e.View.Status)
}

func (e *AlreadyRunningError) Unwrap() error {
	return ErrAlreadyRunning
}
