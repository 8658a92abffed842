package models

import "time"

// Event types
const (
	EventTypeAppointmentCreated     = "APPOINTMENT_CREATED"
	EventTypeAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventTypeAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventTypeAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventTypeAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventTypePaymentSettled         = "PAYMENT_SETTLED"
	EventTypePickupConfirmed        = "PICKUP_CONFIRMED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// AppointmentCreatedEvent published when a pickup appointment is booked
type AppointmentCreatedEvent struct {
	BaseEvent
	AppointmentID int64  `json:"appointment_id"`
	UserID        int64  `json:"user_id"`
	OrderID       int64  `json:"order_id"`
	ScheduledDate string `json:"scheduled_date"`
	TimeSlot      string `json:"time_slot"`
	Lockers       []int  `json:"lockers"`
	ItemCount     int    `json:"item_count"`
}

// AppointmentRescheduledEvent published on a date/slot/locker change
type AppointmentRescheduledEvent struct {
	BaseEvent
	AppointmentID int64  `json:"appointment_id"`
	UserID        int64  `json:"user_id"`
	ScheduledDate string `json:"scheduled_date"`
	TimeSlot      string `json:"time_slot"`
	Lockers       []int  `json:"lockers"`
}

// AppointmentCancelledEvent published when a reservation is released
type AppointmentCancelledEvent struct {
	BaseEvent
	AppointmentID int64  `json:"appointment_id"`
	UserID        int64  `json:"user_id"`
	CancelledBy   string `json:"cancelled_by"`
	Reason        string `json:"reason,omitempty"`
}

// AppointmentCompletedEvent published once all items are picked up
type AppointmentCompletedEvent struct {
	BaseEvent
	AppointmentID int64 `json:"appointment_id"`
	UserID        int64 `json:"user_id"`
	OrderID       int64 `json:"order_id"`
}

// AppointmentNoShowEvent published by the expiry sweep
type AppointmentNoShowEvent struct {
	BaseEvent
	AppointmentID int64  `json:"appointment_id"`
	UserID        int64  `json:"user_id"`
	ScheduledDate string `json:"scheduled_date"`
	TimeSlot      string `json:"time_slot"`
}

// PaymentSettledEvent consumed from the payment gateway webhook
// ingestion; makes the order pickup-eligible.
type PaymentSettledEvent struct {
	BaseEvent
	OrderID int64 `json:"order_id"`
	UserID  int64 `json:"user_id"`
}

// PickupConfirmedEvent consumed from the pickup-confirmation
// collaborator; drives appointment completion.
type PickupConfirmedEvent struct {
	BaseEvent
	AppointmentID int64  `json:"appointment_id"`
	ConfirmedBy   string `json:"confirmed_by,omitempty"`
}
