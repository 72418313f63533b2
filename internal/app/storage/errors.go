package storage

import "errors"

// ErrNotFound is returned by store lookups that find nothing, independent of
// backend (memory or postgres). Callers map it to the not_found error code.
var ErrNotFound = errors.New("not found")
