package db

import "errors"

var (
	// ErrNoHistory is returned when no suite history matches the given
	// identifier or suite id.
	ErrNoHistory = errors.New("no suite history found")

	// ErrNoTask is returned when a task id does not exist.
	ErrNoTask = errors.New("task not found")

	// ErrNoBatch is returned when an import session id is unknown or expired.
	ErrNoBatch = errors.New("import batch not found")
)
