// Package store provides storage errors shared by record store
// implementations.
package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")
