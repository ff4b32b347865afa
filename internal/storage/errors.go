package storage

import "errors"

// ErrNotFound is returned when a record addressed by id does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrUnsupportedDSN is returned when a DSN names no supported dialect.
var ErrUnsupportedDSN = errors.New("storage: unsupported DSN")
