package store

import (
	"errors"

	"github.com/GoCodeAlone/stepflow"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned by Get for absent or expired keys. It is the
	// engine's ErrSnapshotNotFound so callers can match either.
	ErrNotFound = stepflow.ErrSnapshotNotFound

	ErrUnsupportedDriver = errors.New("unsupported store driver")
	ErrClosed            = errors.New("store closed")
)
