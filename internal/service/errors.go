package service

import (
	"fmt"
	"time"
)

// User-actionable error taxonomy. Validation failures surface to the
// caller verbatim; internal inconsistencies are logged and wrapped
// into generic errors instead.

// ValidationError rejects a request before any state mutation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports the specific lockers already occupied in the
// requested (date, slot) cell so the caller can suggest alternatives.
type ConflictError struct {
	Date               string `json:"date"`
	TimeSlot           string `json:"time_slot"`
	ConflictingLockers []int  `json:"conflicting_lockers"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lockers %v already occupied on %s %s", e.ConflictingLockers, e.Date, e.TimeSlot)
}

// PenaltyBlockedError rejects a booking on a penalized date, carrying
// the remaining decay time.
type PenaltyBlockedError struct {
	UserID         int64         `json:"user_id"`
	Date           string        `json:"date"`
	RemainingDecay time.Duration `json:"remaining_decay"`
}

func (e *PenaltyBlockedError) Error() string {
	return fmt.Sprintf("user %d blocked from booking %s for another %s", e.UserID, e.Date, e.RemainingDecay.Round(time.Minute))
}

// NotFoundError rejects requests for missing or foreign resources with
// no partial state change.
type NotFoundError struct {
	Resource string `json:"resource"`
	ID       int64  `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// SyncError is one failed appointment inside a synchronizer batch;
// the batch itself keeps going.
type SyncError struct {
	AppointmentID int64  `json:"appointment_id"`
	Reason        string `json:"reason"`
}

func (e SyncError) Error() string {
	return fmt.Sprintf("appointment %d: %s", e.AppointmentID, e.Reason)
}
