// Package storage implements the profile backends behind port.RemoteStore
// and the durable audit store.
package storage

import "errors"

// ErrOptimisticLock is returned when a compare-and-update keeps losing to
// concurrent writers.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

const (
	profileKeyPrefix = "profile:"
	// maxCASAttempts bounds the read-transform-write loop inside one
	// CompareAndUpdate call. Retries across calls belong to the writer.
	maxCASAttempts = 8
)
