package store

import "errors"

// Sentinel errors surfaced by the store so services can translate them
// into the user-facing taxonomy without parsing driver messages.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLockerTaken means the atomic create-if-absent on a
	// (locker, date, slot) triple lost to a concurrent writer.
	ErrLockerTaken = errors.New("locker already assigned for this slot")

	// ErrItemUnavailable means a conditional status transition on an
	// individual product matched no row, i.e. another appointment
	// already owns it or it moved past the expected state.
	ErrItemUnavailable = errors.New("individual product not in expected status")
)
