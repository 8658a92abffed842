package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Dimensions is a physical bounding box in centimeters plus weight in kg.
type Dimensions struct {
	Length float64 `db:"length_cm" json:"length"`
	Width  float64 `db:"width_cm" json:"width"`
	Height float64 `db:"height_cm" json:"height"`
	Weight float64 `db:"weight_kg" json:"weight,omitempty"`
}

// Positive reports whether all three axes are strictly positive.
// Weight does not participate in capacity decisions.
func (d Dimensions) Positive() bool {
	return d.Length > 0 && d.Width > 0 && d.Height > 0
}

// Product represents a catalog product with its base physical dimensions
type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	LengthCM  float64   `db:"length_cm" json:"length_cm"`
	WidthCM   float64   `db:"width_cm" json:"width_cm"`
	HeightCM  float64   `db:"height_cm" json:"height_cm"`
	WeightKG  float64   `db:"weight_kg" json:"weight_kg"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// BaseDimensions returns the product's catalog dimensions.
func (p *Product) BaseDimensions() Dimensions {
	return Dimensions{Length: p.LengthCM, Width: p.WidthCM, Height: p.HeightCM, Weight: p.WeightKG}
}

// VariantAttribute is a selectable product attribute (e.g. "Size").
// Position preserves declaration order; when several attributes are
// flagged dimension-defining the lowest position wins.
type VariantAttribute struct {
	ID                int64  `db:"id" json:"id"`
	ProductID         int64  `db:"product_id" json:"product_id"`
	Name              string `db:"name" json:"name"`
	DimensionDefining bool   `db:"dimension_defining" json:"dimension_defining"`
	Position          int    `db:"position" json:"position"`

	Options []VariantOption `db:"-" json:"options,omitempty"`
}

// VariantOption is one value of a variant attribute, optionally
// carrying its own dimension override.
type VariantOption struct {
	ID          int64    `db:"id" json:"id"`
	AttributeID int64    `db:"attribute_id" json:"attribute_id"`
	Value       string   `db:"value" json:"value"`
	LengthCM    *float64 `db:"length_cm" json:"length_cm,omitempty"`
	WidthCM     *float64 `db:"width_cm" json:"width_cm,omitempty"`
	HeightCM    *float64 `db:"height_cm" json:"height_cm,omitempty"`
	WeightKG    *float64 `db:"weight_kg" json:"weight_kg,omitempty"`
}

// OptionDimensions returns the option's override box, if complete.
func (o *VariantOption) OptionDimensions() (Dimensions, bool) {
	if o.LengthCM == nil || o.WidthCM == nil || o.HeightCM == nil {
		return Dimensions{}, false
	}
	d := Dimensions{Length: *o.LengthCM, Width: *o.WidthCM, Height: *o.HeightCM}
	if o.WeightKG != nil {
		d.Weight = *o.WeightKG
	}
	return d, true
}

// Order represents a customer order consumed by the booking flow.
// The core only cares about ownership and pickup eligibility.
type Order struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Order statuses
const (
	OrderStatusPending        = "PENDING"
	OrderStatusAwaitingPickup = "AWAITING_PICKUP" // payment settled, no booking yet
	OrderStatusReadyForPickup = "READY_FOR_PICKUP"
	OrderStatusCompleted      = "COMPLETED"
	OrderStatusCancelled      = "CANCELLED"
)

// PickupEligible reports whether a booking may reference this order.
func (o *Order) PickupEligible() bool {
	return o.Status == OrderStatusAwaitingPickup || o.Status == OrderStatusReadyForPickup
}

// IndividualProduct is one physically trackable purchased unit.
// While reserved or claimed it is exclusively owned by one appointment.
type IndividualProduct struct {
	ID        int64 `db:"id" json:"id"`
	UserID    int64 `db:"user_id" json:"user_id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	LineIndex int   `db:"line_index" json:"line_index"`

	Status         string `db:"status" json:"status"`
	AssignedLocker *int   `db:"assigned_locker" json:"assigned_locker,omitempty"`

	// Unit-level override, set when a purchased variant replaces the
	// product's base box. Nil means "fall back to variant/base".
	OverrideLengthCM *float64 `db:"override_length_cm" json:"override_length_cm,omitempty"`
	OverrideWidthCM  *float64 `db:"override_width_cm" json:"override_width_cm,omitempty"`
	OverrideHeightCM *float64 `db:"override_height_cm" json:"override_height_cm,omitempty"`

	ReservedAt *time.Time `db:"reserved_at" json:"reserved_at,omitempty"`
	ClaimedAt  *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	PickedUpAt *time.Time `db:"picked_up_at" json:"picked_up_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Individual product statuses
const (
	ItemStatusAvailable = "AVAILABLE"
	ItemStatusReserved  = "RESERVED"
	ItemStatusClaimed   = "CLAIMED"
	ItemStatusPickedUp  = "PICKED_UP"
)

// OverrideDimensions returns the unit's stored override box, if complete.
func (ip *IndividualProduct) OverrideDimensions() (Dimensions, bool) {
	if ip.OverrideLengthCM == nil || ip.OverrideWidthCM == nil || ip.OverrideHeightCM == nil {
		return Dimensions{}, false
	}
	return Dimensions{
		Length: *ip.OverrideLengthCM,
		Width:  *ip.OverrideWidthCM,
		Height: *ip.OverrideHeightCM,
	}, true
}

// Appointment is the authoritative pickup reservation aggregate.
type Appointment struct {
	ID      int64 `db:"id" json:"id"`
	UserID  int64 `db:"user_id" json:"user_id"`
	OrderID int64 `db:"order_id" json:"order_id"`

	ScheduledDate time.Time `db:"scheduled_date" json:"scheduled_date"` // midnight, date only
	TimeSlot      string    `db:"time_slot" json:"time_slot"`           // "HH:MM" grid label
	Status        string    `db:"status" json:"status"`

	Notes        string `db:"notes" json:"notes,omitempty"`
	ContactName  string `db:"contact_name" json:"contact_name,omitempty"`
	ContactPhone string `db:"contact_phone" json:"contact_phone,omitempty"`

	ConfirmedAt        *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt        *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelledBy        string     `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancellationReason string     `db:"cancellation_reason" json:"cancellation_reason,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	Items []AppointmentItem `db:"-" json:"items,omitempty"`
}

// Appointment statuses
const (
	AppointmentStatusScheduled = "SCHEDULED"
	AppointmentStatusConfirmed = "CONFIRMED"
	AppointmentStatusCompleted = "COMPLETED"
	AppointmentStatusCancelled = "CANCELLED"
	AppointmentStatusNoShow    = "NO_SHOW"
)

// Active reports whether the appointment still holds its lockers.
func (a *Appointment) Active() bool {
	return a.Status == AppointmentStatusScheduled || a.Status == AppointmentStatusConfirmed
}

// Terminal reports whether the appointment can no longer change.
func (a *Appointment) Terminal() bool {
	return a.Status == AppointmentStatusCompleted ||
		a.Status == AppointmentStatusCancelled ||
		a.Status == AppointmentStatusNoShow
}

// SlotStart combines the scheduled date with the "HH:MM" slot label.
func (a *Appointment) SlotStart() time.Time {
	return SlotStart(a.ScheduledDate, a.TimeSlot)
}

// IsExpired reports whether the slot start has passed while the
// appointment is still active. Expiry is derived, never stored; the
// sweep persists NO_SHOW plus a penalty once it observes this state.
func (a *Appointment) IsExpired(now time.Time) bool {
	return a.Active() && a.SlotStart().Before(now)
}

// LockerNumbers returns the distinct lockers referenced by the
// appointment's items, in ascending order of first appearance.
func (a *Appointment) LockerNumbers() []int {
	seen := make(map[int]bool)
	var lockers []int
	for _, it := range a.Items {
		if !seen[it.LockerNumber] {
			seen[it.LockerNumber] = true
			lockers = append(lockers, it.LockerNumber)
		}
	}
	return lockers
}

// AppointmentItem binds one individual product into an appointment.
// LockerNumber is recorded per item so a single appointment can span
// multiple lockers within the same slot.
type AppointmentItem struct {
	ID                  int64             `db:"id" json:"id"`
	AppointmentID       int64             `db:"appointment_id" json:"appointment_id"`
	IndividualProductID int64             `db:"individual_product_id" json:"individual_product_id"`
	ProductID           int64             `db:"product_id" json:"product_id"`
	Quantity            int               `db:"quantity" json:"quantity"` // always 1 per tracked unit
	LockerNumber        int               `db:"locker_number" json:"locker_number"`
	VariantSelections   VariantSelections `db:"variant_selections" json:"variant_selections,omitempty"`

	// Request-time dimension override, highest resolution precedence.
	OverrideLengthCM *float64 `db:"override_length_cm" json:"override_length_cm,omitempty"`
	OverrideWidthCM  *float64 `db:"override_width_cm" json:"override_width_cm,omitempty"`
	OverrideHeightCM *float64 `db:"override_height_cm" json:"override_height_cm,omitempty"`

	// Volume precomputed at booking time, cm^3.
	VolumeCM3 *float64 `db:"volume_cm3" json:"volume_cm3,omitempty"`
}

// OverrideDimensions returns the request-time override box, if complete.
func (it *AppointmentItem) OverrideDimensions() (Dimensions, bool) {
	if it.OverrideLengthCM == nil || it.OverrideWidthCM == nil || it.OverrideHeightCM == nil {
		return Dimensions{}, false
	}
	return Dimensions{
		Length: *it.OverrideLengthCM,
		Width:  *it.OverrideWidthCM,
		Height: *it.OverrideHeightCM,
	}, true
}

// VariantSelections maps attribute name to the chosen option value.
// Stored as a jsonb column.
type VariantSelections map[string]string

func (v VariantSelections) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (v *VariantSelections) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("variant selections: unsupported scan type %T", src)
	}
	return json.Unmarshal(b, v)
}

// LockerAssignment is the derived per-locker-per-slot projection used
// for occupancy dashboards. It is rebuildable from Appointment +
// IndividualProduct state and is never the source of truth. The
// (locker_number, scheduled_date, time_slot) triple is unique among
// reserved/active rows.
type LockerAssignment struct {
	ID            int64     `db:"id" json:"id"`
	LockerNumber  int       `db:"locker_number" json:"locker_number"`
	ScheduledDate time.Time `db:"scheduled_date" json:"scheduled_date"`
	TimeSlot      string    `db:"time_slot" json:"time_slot"`

	UserID    int64  `db:"user_id" json:"user_id"`
	UserName  string `db:"user_name" json:"user_name"`
	UserEmail string `db:"user_email" json:"user_email"`

	AppointmentID int64 `db:"appointment_id" json:"appointment_id"`

	Products       AssignmentProducts `db:"products" json:"products"`
	TotalSlotsUsed int                `db:"total_slots_used" json:"total_slots_used"`
	Status         string             `db:"status" json:"status"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Assignment statuses, a simplified view of the appointment's status.
const (
	AssignmentStatusReserved  = "RESERVED"
	AssignmentStatusActive    = "ACTIVE"
	AssignmentStatusCompleted = "COMPLETED"
	AssignmentStatusCancelled = "CANCELLED"
)

// AssignmentProduct is one denormalized product entry inside a
// locker assignment's jsonb product list.
type AssignmentProduct struct {
	ProductID         int64             `json:"product_id"`
	Name              string            `json:"name"`
	VariantSelections VariantSelections `json:"variant_selections,omitempty"`
	Dimensions        Dimensions        `json:"dimensions"`
	CalculatedSlots   int               `json:"calculated_slots"`
	Quantity          int               `json:"quantity"`
	VolumeCM3         float64           `json:"volume_cm3"`
}

// AssignmentProducts is the jsonb-backed product list.
type AssignmentProducts []AssignmentProduct

func (p AssignmentProducts) Value() (driver.Value, error) {
	if p == nil {
		return json.Marshal(AssignmentProducts{})
	}
	return json.Marshal(p)
}

func (p *AssignmentProducts) Scan(src interface{}) error {
	if src == nil {
		*p = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("assignment products: unsupported scan type %T", src)
	}
	return json.Unmarshal(b, p)
}

// PenaltyRecord blocks a user from rebooking the violated calendar day
// for a decay window after a no-show. Expiry is evaluated lazily at
// read time against CreatedAt.
type PenaltyRecord struct {
	ID            int64     `db:"id" json:"id"`
	UserID        int64     `db:"user_id" json:"user_id"`
	ViolationDate time.Time `db:"violation_date" json:"violation_date"` // date only
	Reason        string    `db:"reason" json:"reason"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// User carries the denormalized identity fields copied into locker
// assignments for read efficiency.
type User struct {
	ID    int64  `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
}

// DateOnly strips the time-of-day component, keeping t's location.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// SameDate reports calendar-day equality regardless of time-of-day.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ParseSlot splits an "HH:MM" grid label.
func ParseSlot(slot string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", slot)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time slot %q: %w", slot, err)
	}
	return t.Hour(), t.Minute(), nil
}

// SlotStart combines a calendar date with an "HH:MM" slot label in the
// date's location. Invalid labels collapse to midnight; callers
// validate slot labels against the grid before trusting this.
func SlotStart(date time.Time, slot string) time.Time {
	h, m, err := ParseSlot(slot)
	if err != nil {
		return DateOnly(date)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), h, m, 0, 0, date.Location())
}
