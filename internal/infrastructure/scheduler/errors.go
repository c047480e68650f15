package scheduler

import "errors"

var (
	// ErrSweepInProgress is returned when another sweep holds the sweep lock
	ErrSweepInProgress = errors.New("sweep already in progress")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid sweeper configuration")
)
