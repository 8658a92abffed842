package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"locker-service/config"
	"locker-service/internal/capacity"
	"locker-service/internal/models"
	"locker-service/internal/store"
	"locker-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BookingStore is the persistence surface of the appointment
// lifecycle. *store.Store satisfies it.
type BookingStore interface {
	CatalogStore
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetAppointment(ctx context.Context, id int64) (*models.Appointment, error)
	ListUserAppointments(ctx context.Context, userID int64) ([]models.Appointment, error)
	FindMergeableAppointment(ctx context.Context, userID int64, date time.Time, timeSlot string, lockers []int) (*models.Appointment, error)
	BookAppointment(ctx context.Context, appt *models.Appointment, items []models.AppointmentItem, assignments []models.LockerAssignment) error
	AppendAppointmentItems(ctx context.Context, appt *models.Appointment, items []models.AppointmentItem, assignments []models.LockerAssignment) error
	RescheduleAppointment(ctx context.Context, appt *models.Appointment, assignments []models.LockerAssignment) error
	CancelAppointment(ctx context.Context, appointmentID int64, cancelledBy, reason string, now time.Time) error
	ConfirmAppointment(ctx context.Context, appointmentID int64, now time.Time) error
	CompleteAppointment(ctx context.Context, appointmentID, orderID int64, now time.Time) error
}

// SlotLeaser serializes the booking sequence per (date, slot, locker)
// cell and deduplicates retried booking requests. The redis client
// satisfies it.
type SlotLeaser interface {
	AcquireSlotLease(ctx context.Context, date, timeSlot string, lockerNumber int, token string, ttl time.Duration) (bool, error)
	ReleaseSlotLease(ctx context.Context, date, timeSlot string, lockerNumber int, token string) error
	GetIdempotencyValue(ctx context.Context, key string) (string, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// LifecyclePublisher emits appointment lifecycle events for the
// notification collaborator. Publishing is fire-and-forget: failures
// never roll back a reservation.
type LifecyclePublisher interface {
	PublishAppointmentCreated(ctx context.Context, event *models.AppointmentCreatedEvent) error
	PublishAppointmentRescheduled(ctx context.Context, event *models.AppointmentRescheduledEvent) error
	PublishAppointmentCancelled(ctx context.Context, event *models.AppointmentCancelledEvent) error
	PublishAppointmentCompleted(ctx context.Context, event *models.AppointmentCompletedEvent) error
}

// AppointmentService governs one reservation's transitions:
// SCHEDULED -> CONFIRMED -> COMPLETED, with CANCELLED reachable from
// both active states and NO_SHOW reached only through the expiry
// sweep.
type AppointmentService struct {
	store        BookingStore
	availability *AvailabilityService
	penalties    *PenaltyService
	leaser       SlotLeaser
	publisher    LifecyclePublisher
	leadTime     time.Duration
	windowDays   int
	leaseTTL     time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewAppointmentService creates a new appointment service
func NewAppointmentService(
	st BookingStore,
	availability *AvailabilityService,
	penalties *PenaltyService,
	leaser SlotLeaser,
	publisher LifecyclePublisher,
	cfg config.BusinessConfig,
) *AppointmentService {
	return &AppointmentService{
		store:        st,
		availability: availability,
		penalties:    penalties,
		leaser:       leaser,
		publisher:    publisher,
		leadTime:     time.Duration(cfg.MinLeadTimeMinutes) * time.Minute,
		windowDays:   cfg.BookingWindowDays,
		leaseTTL:     time.Duration(cfg.SlotLeaseTTLSeconds) * time.Second,
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

// BookingItemRequest is one unit the user wants in a locker.
type BookingItemRequest struct {
	IndividualProductID int64                    `json:"individual_product_id" binding:"required"`
	LockerNumber        int                      `json:"locker_number" binding:"required"`
	VariantSelections   models.VariantSelections `json:"variant_selections,omitempty"`
	OverrideDimensions  *models.Dimensions       `json:"override_dimensions,omitempty"`
}

// CreateAppointmentRequest represents a booking request
type CreateAppointmentRequest struct {
	UserID        int64                `json:"user_id" binding:"required"`
	OrderID       int64                `json:"order_id" binding:"required"`
	ScheduledDate string               `json:"scheduled_date" binding:"required"`
	TimeSlot      string               `json:"time_slot" binding:"required"`
	Items         []BookingItemRequest `json:"items" binding:"required,min=1"`
	Notes         string               `json:"notes,omitempty"`
	ContactName   string               `json:"contact_name,omitempty"`
	ContactPhone  string               `json:"contact_phone,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CreateAppointmentResponse reports the booked (or merged-into)
// appointment.
type CreateAppointmentResponse struct {
	Appointment *models.Appointment `json:"appointment"`
	Merged      bool                `json:"merged"`
}

// Create validates a booking request end to end and persists the
// reservation: penalty ledger, conflict resolution, capacity fit, item
// reservation, and the locker projection claim all behave as one
// sequence serialized per (date, slot, locker) cell. When the user
// already holds an active appointment in the same cell sharing a
// requested locker, the items are merged into it instead of creating
// a duplicate aggregate.
func (s *AppointmentService) Create(ctx context.Context, req *CreateAppointmentRequest) (*CreateAppointmentResponse, error) {
	ctx, span := util.StartSpan(ctx, "AppointmentService.Create")
	defer span.End()

	start := time.Now()
	defer func() {
		util.BookingLatency.Observe(time.Since(start).Seconds())
	}()

	if appt := s.replayedBooking(ctx, req.IdempotencyKey); appt != nil {
		return &CreateAppointmentResponse{Appointment: appt, Merged: false}, nil
	}

	now := s.now()
	date, err := s.parseDate(req.ScheduledDate)
	if err != nil {
		return nil, err
	}
	if err := s.validateSchedule(date, req.TimeSlot, now); err != nil {
		util.BookingsRejectedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, s.notFound("order", req.OrderID, err)
	}
	if order.UserID != req.UserID {
		return nil, &NotFoundError{Resource: "order", ID: req.OrderID}
	}
	if !order.PickupEligible() {
		util.BookingsRejectedTotal.WithLabelValues("order_status").Inc()
		return nil, validationErrorf("order %d is not awaiting pickup (status %s)", order.ID, order.Status)
	}

	if err := s.penalties.Check(ctx, req.UserID, date); err != nil {
		var blocked *PenaltyBlockedError
		if errors.As(err, &blocked) {
			util.BookingsRejectedTotal.WithLabelValues("penalty").Inc()
		}
		return nil, err
	}

	lockers, err := s.requestedLockers(req.Items)
	if err != nil {
		return nil, err
	}

	result, err := s.availability.CheckAvailability(ctx, date, req.TimeSlot, lockers, 0)
	if err != nil {
		return nil, err
	}

	// The user's own mergeable appointment makes its lockers look
	// occupied; resolve the merge target before deciding conflict.
	target, mergeErr := s.store.FindMergeableAppointment(ctx, req.UserID, date, req.TimeSlot, lockers)
	merging := mergeErr == nil
	if mergeErr != nil && !errors.Is(mergeErr, store.ErrNotFound) {
		return nil, mergeErr
	}

	if !result.Available {
		conflicting := result.ConflictingLockers
		if merging {
			conflicting = s.foreignConflicts(result.ConflictingLockers, target)
		}
		if len(conflicting) > 0 {
			util.BookingsRejectedTotal.WithLabelValues("conflict").Inc()
			return nil, &ConflictError{
				Date:               req.ScheduledDate,
				TimeSlot:           req.TimeSlot,
				ConflictingLockers: conflicting,
			}
		}
	}

	resolved, byLocker, err := s.resolveRequestItems(ctx, req)
	if err != nil {
		return nil, err
	}

	existingByLocker, err := s.existingItemsByLocker(ctx, target, merging, byLocker)
	if err != nil {
		return nil, err
	}
	for locker, group := range byLocker {
		combined := append(append([]*resolvedItem{}, existingByLocker[locker]...), group...)
		if err := capacity.CheckFit(locker, footprints(combined)); err != nil {
			util.BookingsRejectedTotal.WithLabelValues("capacity").Inc()
			return nil, err
		}
	}

	release, err := s.acquireLeases(ctx, req.ScheduledDate, req.TimeSlot, lockers)
	if err != nil {
		return nil, err
	}
	defer release()

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, s.notFound("user", req.UserID, err)
	}

	if merging {
		appt, err := s.mergeInto(ctx, target, user, resolved, byLocker, existingByLocker)
		if err != nil {
			return nil, err
		}
		s.rememberBooking(ctx, req.IdempotencyKey, appt.ID)
		util.AppointmentsMergedTotal.Inc()
		s.logger.Info("Booking merged into existing appointment",
			zap.Int64("appointment_id", appt.ID),
			zap.Int64("user_id", req.UserID))
		return &CreateAppointmentResponse{Appointment: appt, Merged: true}, nil
	}

	appt := &models.Appointment{
		UserID:        req.UserID,
		OrderID:       req.OrderID,
		ScheduledDate: models.DateOnly(date),
		TimeSlot:      req.TimeSlot,
		Status:        models.AppointmentStatusScheduled,
		Notes:         req.Notes,
		ContactName:   req.ContactName,
		ContactPhone:  req.ContactPhone,
	}

	assignments := make([]models.LockerAssignment, 0, len(byLocker))
	for _, locker := range sortedLockers(byLocker) {
		assignments = append(assignments, buildAssignment(locker, *appt, user, byLocker[locker]))
	}

	items := make([]models.AppointmentItem, 0, len(resolved))
	for _, r := range resolved {
		items = append(items, r.item)
	}

	if err := s.store.BookAppointment(ctx, appt, items, assignments); err != nil {
		return nil, s.mapBookingError(err, req.ScheduledDate, req.TimeSlot, lockers)
	}

	s.rememberBooking(ctx, req.IdempotencyKey, appt.ID)

	util.AppointmentsCreatedTotal.Inc()
	s.logger.Info("Appointment created",
		zap.Int64("appointment_id", appt.ID),
		zap.Int64("user_id", appt.UserID),
		zap.String("date", req.ScheduledDate),
		zap.String("time_slot", req.TimeSlot),
		zap.Ints("lockers", lockers))

	s.publishCreated(ctx, appt, lockers)
	return &CreateAppointmentResponse{Appointment: appt, Merged: false}, nil
}

// UpdateAppointmentRequest moves an appointment to a new date, slot
// and optionally a new locker for all its items.
type UpdateAppointmentRequest struct {
	UserID        int64  `json:"user_id" binding:"required"`
	ScheduledDate string `json:"scheduled_date" binding:"required"`
	TimeSlot      string `json:"time_slot" binding:"required"`
	LockerNumber  *int   `json:"locker_number,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// Update reschedules an appointment, re-running every create-time
// validation against the new cell with the appointment's own id
// excluded from conflict checks. Past-due appointments may still be
// rescheduled; cancelled, completed and no-show ones may not.
func (s *AppointmentService) Update(ctx context.Context, appointmentID int64, req *UpdateAppointmentRequest) (*models.Appointment, error) {
	ctx, span := util.StartSpan(ctx, "AppointmentService.Update")
	defer span.End()

	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, s.notFound("appointment", appointmentID, err)
	}
	if appt.UserID != req.UserID {
		return nil, &NotFoundError{Resource: "appointment", ID: appointmentID}
	}
	if appt.Terminal() {
		return nil, validationErrorf("appointment %d is %s and cannot be rescheduled", appt.ID, appt.Status)
	}

	now := s.now()
	date, err := s.parseDate(req.ScheduledDate)
	if err != nil {
		return nil, err
	}
	if err := s.validateSchedule(date, req.TimeSlot, now); err != nil {
		return nil, err
	}
	if err := s.penalties.Check(ctx, req.UserID, date); err != nil {
		return nil, err
	}

	if req.LockerNumber != nil && !s.availability.ValidLocker(*req.LockerNumber) {
		return nil, validationErrorf("locker %d is outside the pool (1..%d)", *req.LockerNumber, s.availability.LockerCount())
	}
	for i := range appt.Items {
		if req.LockerNumber != nil {
			appt.Items[i].LockerNumber = *req.LockerNumber
		}
	}
	lockers := appt.LockerNumbers()

	occupants, err := s.availability.OccupantsByLocker(ctx, date, req.TimeSlot, appt.ID)
	if err != nil {
		return nil, err
	}
	var conflicting []int
	for _, locker := range lockers {
		occ, taken := occupants[locker]
		if !taken {
			continue
		}
		if occ.UserID == req.UserID {
			// Another appointment of the same user already holds the
			// target locker in this cell.
			return nil, validationErrorf("you already hold locker %d on %s %s in appointment %d",
				locker, req.ScheduledDate, req.TimeSlot, occ.AppointmentID)
		}
		conflicting = append(conflicting, locker)
	}
	if len(conflicting) > 0 {
		util.BookingsRejectedTotal.WithLabelValues("conflict").Inc()
		return nil, &ConflictError{Date: req.ScheduledDate, TimeSlot: req.TimeSlot, ConflictingLockers: conflicting}
	}

	byLocker := make(map[int][]*resolvedItem)
	for _, item := range appt.Items {
		r, err := resolveStoredItem(ctx, s.store, item)
		if err != nil {
			return nil, s.mapResolveError(err, item.IndividualProductID)
		}
		byLocker[item.LockerNumber] = append(byLocker[item.LockerNumber], r)
	}
	for locker, group := range byLocker {
		if err := capacity.CheckFit(locker, footprints(group)); err != nil {
			util.BookingsRejectedTotal.WithLabelValues("capacity").Inc()
			return nil, err
		}
	}

	release, err := s.acquireLeases(ctx, req.ScheduledDate, req.TimeSlot, lockers)
	if err != nil {
		return nil, err
	}
	defer release()

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, s.notFound("user", req.UserID, err)
	}

	appt.ScheduledDate = models.DateOnly(date)
	appt.TimeSlot = req.TimeSlot
	if req.Notes != "" {
		appt.Notes = req.Notes
	}

	assignments := make([]models.LockerAssignment, 0, len(byLocker))
	for _, locker := range sortedLockers(byLocker) {
		assignments = append(assignments, buildAssignment(locker, *appt, user, byLocker[locker]))
	}

	if err := s.store.RescheduleAppointment(ctx, appt, assignments); err != nil {
		return nil, s.mapBookingError(err, req.ScheduledDate, req.TimeSlot, lockers)
	}

	util.AppointmentsRescheduledTotal.Inc()
	s.logger.Info("Appointment rescheduled",
		zap.Int64("appointment_id", appt.ID),
		zap.String("date", req.ScheduledDate),
		zap.String("time_slot", req.TimeSlot))

	if s.publisher != nil {
		event := &models.AppointmentRescheduledEvent{
			BaseEvent:     newBaseEvent(models.EventTypeAppointmentRescheduled),
			AppointmentID: appt.ID,
			UserID:        appt.UserID,
			ScheduledDate: req.ScheduledDate,
			TimeSlot:      req.TimeSlot,
			Lockers:       lockers,
		}
		if err := s.publisher.PublishAppointmentRescheduled(ctx, event); err != nil {
			s.logger.Error("Failed to publish AppointmentRescheduled event", zap.Error(err))
		}
	}
	return appt, nil
}

// Cancel releases an appointment's lockers and items. Cancelling an
// already-cancelled appointment is a no-op success. Completed and
// no-show appointments are finalized and cannot be cancelled; a
// past-due appointment the sweep has not finalized yet still can.
func (s *AppointmentService) Cancel(ctx context.Context, appointmentID, userID int64, cancelledBy, reason string) (*models.Appointment, error) {
	ctx, span := util.StartSpan(ctx, "AppointmentService.Cancel")
	defer span.End()

	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, s.notFound("appointment", appointmentID, err)
	}
	if userID != 0 && appt.UserID != userID {
		return nil, &NotFoundError{Resource: "appointment", ID: appointmentID}
	}

	switch appt.Status {
	case models.AppointmentStatusCancelled:
		return appt, nil
	case models.AppointmentStatusCompleted:
		return nil, validationErrorf("appointment %d is completed and cannot be cancelled", appt.ID)
	case models.AppointmentStatusNoShow:
		return nil, validationErrorf("appointment %d was finalized as a no-show", appt.ID)
	}

	now := s.now()
	if err := s.store.CancelAppointment(ctx, appointmentID, cancelledBy, reason, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Raced another canceller; re-read and treat a cancelled
			// result as success.
			current, readErr := s.store.GetAppointment(ctx, appointmentID)
			if readErr == nil && current.Status == models.AppointmentStatusCancelled {
				return current, nil
			}
		}
		return nil, err
	}

	util.AppointmentsCancelledTotal.Inc()
	s.logger.Info("Appointment cancelled",
		zap.Int64("appointment_id", appt.ID),
		zap.String("cancelled_by", cancelledBy),
		zap.String("reason", reason))

	if s.publisher != nil {
		event := &models.AppointmentCancelledEvent{
			BaseEvent:     newBaseEvent(models.EventTypeAppointmentCancelled),
			AppointmentID: appt.ID,
			UserID:        appt.UserID,
			CancelledBy:   cancelledBy,
			Reason:        reason,
		}
		if err := s.publisher.PublishAppointmentCancelled(ctx, event); err != nil {
			s.logger.Error("Failed to publish AppointmentCancelled event", zap.Error(err))
		}
	}

	return s.store.GetAppointment(ctx, appointmentID)
}

// Confirm records the user's confirmation of a scheduled appointment.
func (s *AppointmentService) Confirm(ctx context.Context, appointmentID, userID int64) (*models.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, s.notFound("appointment", appointmentID, err)
	}
	if userID != 0 && appt.UserID != userID {
		return nil, &NotFoundError{Resource: "appointment", ID: appointmentID}
	}
	if appt.Status == models.AppointmentStatusConfirmed {
		return appt, nil
	}
	if appt.Status != models.AppointmentStatusScheduled {
		return nil, validationErrorf("appointment %d is %s and cannot be confirmed", appt.ID, appt.Status)
	}

	if err := s.store.ConfirmAppointment(ctx, appointmentID, s.now()); err != nil {
		return nil, err
	}
	return s.store.GetAppointment(ctx, appointmentID)
}

// Complete finalizes a pickup; driven by the pickup-confirmation
// collaborator's event. Completing an already-completed appointment is
// a no-op success.
func (s *AppointmentService) Complete(ctx context.Context, appointmentID int64) error {
	ctx, span := util.StartSpan(ctx, "AppointmentService.Complete")
	defer span.End()

	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return s.notFound("appointment", appointmentID, err)
	}
	switch appt.Status {
	case models.AppointmentStatusCompleted:
		return nil
	case models.AppointmentStatusCancelled, models.AppointmentStatusNoShow:
		return validationErrorf("appointment %d is %s and cannot be completed", appt.ID, appt.Status)
	}

	if err := s.store.CompleteAppointment(ctx, appointmentID, appt.OrderID, s.now()); err != nil {
		return err
	}

	util.AppointmentsCompletedTotal.Inc()
	s.logger.Info("Appointment completed", zap.Int64("appointment_id", appointmentID))

	if s.publisher != nil {
		event := &models.AppointmentCompletedEvent{
			BaseEvent:     newBaseEvent(models.EventTypeAppointmentCompleted),
			AppointmentID: appt.ID,
			UserID:        appt.UserID,
			OrderID:       appt.OrderID,
		}
		if err := s.publisher.PublishAppointmentCompleted(ctx, event); err != nil {
			s.logger.Error("Failed to publish AppointmentCompleted event", zap.Error(err))
		}
	}
	return nil
}

// Get retrieves an appointment, scoped to its owner when userID is
// non-zero.
func (s *AppointmentService) Get(ctx context.Context, appointmentID, userID int64) (*models.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, s.notFound("appointment", appointmentID, err)
	}
	if userID != 0 && appt.UserID != userID {
		return nil, &NotFoundError{Resource: "appointment", ID: appointmentID}
	}
	return appt, nil
}

// ListForUser retrieves a user's appointments, newest first.
func (s *AppointmentService) ListForUser(ctx context.Context, userID int64) ([]models.Appointment, error) {
	return s.store.ListUserAppointments(ctx, userID)
}

func (s *AppointmentService) parseDate(raw string) (time.Time, error) {
	date, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		return time.Time{}, validationErrorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return date, nil
}

// validateSchedule enforces the date window and the minimum lead time.
func (s *AppointmentService) validateSchedule(date time.Time, timeSlot string, now time.Time) error {
	if !s.availability.ValidSlot(timeSlot) {
		return validationErrorf("time slot %q is not on the daily grid", timeSlot)
	}

	today := models.DateOnly(now)
	day := models.DateOnly(date)
	if day.Before(today) {
		return validationErrorf("date %s is in the past", day.Format("2006-01-02"))
	}
	if day.After(today.AddDate(0, 0, s.windowDays)) {
		return validationErrorf("date %s is more than %d days ahead", day.Format("2006-01-02"), s.windowDays)
	}

	slotStart := models.SlotStart(day, timeSlot)
	if slotStart.Sub(now) < s.leadTime {
		return validationErrorf("slot %s %s requires at least %s lead time",
			day.Format("2006-01-02"), timeSlot, s.leadTime)
	}
	return nil
}

func (s *AppointmentService) requestedLockers(items []BookingItemRequest) ([]int, error) {
	seen := make(map[int]bool)
	var lockers []int
	for _, it := range items {
		if !s.availability.ValidLocker(it.LockerNumber) {
			return nil, validationErrorf("locker %d is outside the pool (1..%d)", it.LockerNumber, s.availability.LockerCount())
		}
		if !seen[it.LockerNumber] {
			seen[it.LockerNumber] = true
			lockers = append(lockers, it.LockerNumber)
		}
	}
	return lockers, nil
}

// resolveRequestItems loads and validates every requested unit and
// resolves its footprint, grouped per requested locker.
func (s *AppointmentService) resolveRequestItems(ctx context.Context, req *CreateAppointmentRequest) ([]*resolvedItem, map[int][]*resolvedItem, error) {
	resolved := make([]*resolvedItem, 0, len(req.Items))
	byLocker := make(map[int][]*resolvedItem)
	seen := make(map[int64]bool)

	for _, itemReq := range req.Items {
		if seen[itemReq.IndividualProductID] {
			return nil, nil, validationErrorf("item %d listed twice", itemReq.IndividualProductID)
		}
		seen[itemReq.IndividualProductID] = true

		unit, err := s.store.GetIndividualProduct(ctx, itemReq.IndividualProductID)
		if err != nil {
			return nil, nil, s.notFound("individual product", itemReq.IndividualProductID, err)
		}
		if unit.UserID != req.UserID || unit.OrderID != req.OrderID {
			return nil, nil, &NotFoundError{Resource: "individual product", ID: itemReq.IndividualProductID}
		}
		if unit.Status != models.ItemStatusAvailable {
			return nil, nil, validationErrorf("item %d is %s, not available for booking", unit.ID, unit.Status)
		}

		r, err := resolveItem(ctx, s.store, unit, itemReq.VariantSelections, itemReq.OverrideDimensions)
		if err != nil {
			return nil, nil, s.mapResolveError(err, itemReq.IndividualProductID)
		}
		r.item.LockerNumber = itemReq.LockerNumber
		resolved = append(resolved, r)
		byLocker[itemReq.LockerNumber] = append(byLocker[itemReq.LockerNumber], r)
	}
	return resolved, byLocker, nil
}

// existingItemsByLocker resolves the merge target's current items for
// the lockers this request touches, so the capacity check covers the
// combined load.
func (s *AppointmentService) existingItemsByLocker(ctx context.Context, target *models.Appointment, merging bool, requested map[int][]*resolvedItem) (map[int][]*resolvedItem, error) {
	existing := make(map[int][]*resolvedItem)
	if !merging {
		return existing, nil
	}
	for _, item := range target.Items {
		if _, touched := requested[item.LockerNumber]; !touched {
			continue
		}
		r, err := resolveStoredItem(ctx, s.store, item)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve existing item %d: %w", item.IndividualProductID, err)
		}
		existing[item.LockerNumber] = append(existing[item.LockerNumber], r)
	}
	return existing, nil
}

// mergeInto appends the new items to the user's existing appointment
// in the same cell, refreshing the affected locker projections with
// the combined product lists.
func (s *AppointmentService) mergeInto(ctx context.Context, target *models.Appointment, user *models.User, resolved []*resolvedItem, byLocker, existingByLocker map[int][]*resolvedItem) (*models.Appointment, error) {
	assignments := make([]models.LockerAssignment, 0, len(byLocker))
	for _, locker := range sortedLockers(byLocker) {
		combined := append(append([]*resolvedItem{}, existingByLocker[locker]...), byLocker[locker]...)
		assignments = append(assignments, buildAssignment(locker, *target, user, combined))
	}

	items := make([]models.AppointmentItem, 0, len(resolved))
	for _, r := range resolved {
		items = append(items, r.item)
	}

	if err := s.store.AppendAppointmentItems(ctx, target, items, assignments); err != nil {
		return nil, s.mapBookingError(err, target.ScheduledDate.Format("2006-01-02"), target.TimeSlot, target.LockerNumbers())
	}
	return s.store.GetAppointment(ctx, target.ID)
}

// replayedBooking returns the appointment a previous request with the
// same idempotency key created, or nil. Redis being down degrades to
// no dedupe rather than failing the booking.
func (s *AppointmentService) replayedBooking(ctx context.Context, key string) *models.Appointment {
	if key == "" || s.leaser == nil {
		return nil
	}
	value, err := s.leaser.GetIdempotencyValue(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency lookup failed", zap.Error(err))
		return nil
	}
	if value == "" {
		return nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil
	}
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil
	}
	s.logger.Info("Returning existing appointment for idempotency key",
		zap.String("idempotency_key", key),
		zap.Int64("appointment_id", appt.ID))
	return appt
}

func (s *AppointmentService) rememberBooking(ctx context.Context, key string, appointmentID int64) {
	if key == "" || s.leaser == nil {
		return
	}
	if err := s.leaser.SetIdempotencyKey(ctx, key, strconv.FormatInt(appointmentID, 10), 24*time.Hour); err != nil {
		s.logger.Warn("Failed to store idempotency key", zap.Error(err))
	}
}

// acquireLeases takes the per-cell leases for the booking sequence and
// returns a release function. A cell someone else is mid-booking in
// surfaces as a conflict rather than blocking.
func (s *AppointmentService) acquireLeases(ctx context.Context, date, timeSlot string, lockers []int) (func(), error) {
	if s.leaser == nil {
		return func() {}, nil
	}

	token := uuid.New().String()
	var held []int
	release := func() {
		for _, locker := range held {
			if err := s.leaser.ReleaseSlotLease(context.Background(), date, timeSlot, locker, token); err != nil {
				s.logger.Warn("Failed to release slot lease",
					zap.Int("locker", locker), zap.Error(err))
			}
		}
	}

	for _, locker := range lockers {
		ok, err := s.leaser.AcquireSlotLease(ctx, date, timeSlot, locker, token, s.leaseTTL)
		if err != nil {
			release()
			return nil, fmt.Errorf("failed to acquire slot lease: %w", err)
		}
		if !ok {
			release()
			util.SlotLeaseFailuresTotal.Inc()
			return nil, &ConflictError{Date: date, TimeSlot: timeSlot, ConflictingLockers: []int{locker}}
		}
		held = append(held, locker)
	}
	return release, nil
}

func (s *AppointmentService) publishCreated(ctx context.Context, appt *models.Appointment, lockers []int) {
	if s.publisher == nil {
		return
	}
	event := &models.AppointmentCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeAppointmentCreated),
		AppointmentID: appt.ID,
		UserID:        appt.UserID,
		OrderID:       appt.OrderID,
		ScheduledDate: appt.ScheduledDate.Format("2006-01-02"),
		TimeSlot:      appt.TimeSlot,
		Lockers:       lockers,
		ItemCount:     len(appt.Items),
	}
	if err := s.publisher.PublishAppointmentCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish AppointmentCreated event", zap.Error(err))
	}
}

// foreignConflicts filters out lockers whose only occupant is the
// merge target itself.
func (s *AppointmentService) foreignConflicts(conflicting []int, target *models.Appointment) []int {
	owned := make(map[int]bool)
	for _, l := range target.LockerNumbers() {
		owned[l] = true
	}
	var foreign []int
	for _, l := range conflicting {
		if !owned[l] {
			foreign = append(foreign, l)
		}
	}
	return foreign
}

func (s *AppointmentService) notFound(resource string, id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return err
}

func (s *AppointmentService) mapResolveError(err error, itemID int64) error {
	if errors.Is(err, capacity.ErrMissingDimensions) {
		return validationErrorf("item %d: %v", itemID, err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Resource: "individual product", ID: itemID}
	}
	return err
}

// mapBookingError translates storage races into the conflict taxonomy.
func (s *AppointmentService) mapBookingError(err error, date, timeSlot string, lockers []int) error {
	if errors.Is(err, store.ErrLockerTaken) || errors.Is(err, store.ErrItemUnavailable) {
		util.BookingsRejectedTotal.WithLabelValues("race").Inc()
		return &ConflictError{Date: date, TimeSlot: timeSlot, ConflictingLockers: lockers}
	}
	return err
}

func footprints(resolved []*resolvedItem) []capacity.ItemFootprint {
	fps := make([]capacity.ItemFootprint, 0, len(resolved))
	for _, r := range resolved {
		fps = append(fps, r.footprint)
	}
	return fps
}

func sortedLockers(byLocker map[int][]*resolvedItem) []int {
	lockers := make([]int, 0, len(byLocker))
	for l := range byLocker {
		lockers = append(lockers, l)
	}
	sort.Ints(lockers)
	return lockers
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
