package store

import "errors"

// ErrNotFound is returned when a key, hash, or sorted-set member is absent.
var ErrNotFound = errors.New("store: not found")
