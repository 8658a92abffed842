package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"locker-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// LockerOccupancy is one occupied locker in a (date, slot) cell with
// the appointment holding it, used for conflict reporting.
type LockerOccupancy struct {
	LockerNumber  int   `db:"locker_number"`
	AppointmentID int64 `db:"appointment_id"`
	UserID        int64 `db:"user_id"`
}

// GetAppointment retrieves an appointment with its items
func (s *Store) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	var appt models.Appointment
	err := s.db.GetContext(ctx, &appt, "SELECT * FROM appointments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, &appt); err != nil {
		return nil, err
	}
	return &appt, nil
}

func (s *Store) loadItems(ctx context.Context, appt *models.Appointment) error {
	return s.db.SelectContext(ctx, &appt.Items,
		"SELECT * FROM appointment_items WHERE appointment_id = $1 ORDER BY id", appt.ID)
}

// ListUserAppointments retrieves a user's appointments, newest first
func (s *Store) ListUserAppointments(ctx context.Context, userID int64) ([]models.Appointment, error) {
	var appts []models.Appointment
	err := s.db.SelectContext(ctx, &appts,
		"SELECT * FROM appointments WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	for i := range appts {
		if err := s.loadItems(ctx, &appts[i]); err != nil {
			return nil, err
		}
	}
	return appts, nil
}

// OccupiedLockers lists every locker referenced by an active
// appointment in the given (date, slot) cell, optionally excluding one
// appointment so an edit can be validated against itself.
func (s *Store) OccupiedLockers(ctx context.Context, date time.Time, timeSlot string, excludeAppointmentID int64) ([]LockerOccupancy, error) {
	const q = `
		SELECT DISTINCT ai.locker_number, a.id AS appointment_id, a.user_id
		FROM appointment_items ai
		JOIN appointments a ON a.id = ai.appointment_id
		WHERE a.scheduled_date = $1
		  AND a.time_slot = $2
		  AND a.status IN ('SCHEDULED', 'CONFIRMED')
		  AND ($3 = 0 OR a.id <> $3)
		ORDER BY ai.locker_number`

	var occupied []LockerOccupancy
	err := s.db.SelectContext(ctx, &occupied, q, models.DateOnly(date), timeSlot, excludeAppointmentID)
	return occupied, err
}

// FindMergeableAppointment looks for an active appointment of the same
// user in the same (date, slot) cell sharing at least one of the
// requested lockers. Booking into it appends items instead of creating
// a duplicate aggregate.
func (s *Store) FindMergeableAppointment(ctx context.Context, userID int64, date time.Time, timeSlot string, lockers []int) (*models.Appointment, error) {
	if len(lockers) == 0 {
		return nil, fmt.Errorf("mergeable appointment: %w", ErrNotFound)
	}

	query, args, err := sqlx.In(`
		SELECT DISTINCT a.* FROM appointments a
		JOIN appointment_items ai ON ai.appointment_id = a.id
		WHERE a.user_id = ? AND a.scheduled_date = ? AND a.time_slot = ?
		  AND a.status IN ('SCHEDULED', 'CONFIRMED')
		  AND ai.locker_number IN (?)`,
		userID, models.DateOnly(date), timeSlot, lockers)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var appt models.Appointment
	err = s.db.GetContext(ctx, &appt, query, args...)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mergeable appointment: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, &appt); err != nil {
		return nil, err
	}
	return &appt, nil
}

// ListActiveByDate retrieves all active appointments for a date with
// items loaded; the synchronizer's input.
func (s *Store) ListActiveByDate(ctx context.Context, date time.Time) ([]models.Appointment, error) {
	var appts []models.Appointment
	err := s.db.SelectContext(ctx, &appts,
		`SELECT * FROM appointments
		 WHERE scheduled_date = $1 AND status IN ('SCHEDULED', 'CONFIRMED')
		 ORDER BY id`, models.DateOnly(date))
	if err != nil {
		return nil, err
	}
	for i := range appts {
		if err := s.loadItems(ctx, &appts[i]); err != nil {
			return nil, err
		}
	}
	return appts, nil
}

// ListExpired retrieves active appointments whose slot start has
// passed; the expiry sweep's input.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]models.Appointment, error) {
	var appts []models.Appointment
	err := s.db.SelectContext(ctx, &appts,
		`SELECT * FROM appointments
		 WHERE status IN ('SCHEDULED', 'CONFIRMED')
		   AND scheduled_date + time_slot::time < $1
		 ORDER BY scheduled_date, time_slot`, now)
	if err != nil {
		return nil, err
	}
	for i := range appts {
		if err := s.loadItems(ctx, &appts[i]); err != nil {
			return nil, err
		}
	}
	return appts, nil
}

// BookAppointment persists a new appointment as one transaction:
// insert the aggregate and its items, flip each individual product
// AVAILABLE -> RESERVED, claim the locker projections atomically, and
// flip the order to READY_FOR_PICKUP. Any step failing rolls back the
// whole sequence, so a booking either fully succeeds or leaves no
// persistent change.
func (s *Store) BookAppointment(ctx context.Context, appt *models.Appointment, items []models.AppointmentItem, assignments []models.LockerAssignment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const insertAppt = `
		INSERT INTO appointments
			(user_id, order_id, scheduled_date, time_slot, status, notes, contact_name, contact_phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, insertAppt,
		appt.UserID, appt.OrderID, models.DateOnly(appt.ScheduledDate), appt.TimeSlot,
		appt.Status, appt.Notes, appt.ContactName, appt.ContactPhone).
		Scan(&appt.ID, &appt.CreatedAt, &appt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert appointment: %w", err)
	}

	for i := range items {
		items[i].AppointmentID = appt.ID
	}
	if err := insertItemsTx(ctx, tx, items); err != nil {
		return err
	}
	if err := reserveItemsTx(ctx, tx, items); err != nil {
		return err
	}
	for i := range assignments {
		assignments[i].AppointmentID = appt.ID
		if err := claimAssignmentTx(ctx, tx, &assignments[i]); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		models.OrderStatusReadyForPickup, appt.OrderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	appt.Items = items
	return nil
}

// AppendAppointmentItems merges additional items into an existing
// appointment in one transaction, reserving the units and refreshing
// the affected locker projections.
func (s *Store) AppendAppointmentItems(ctx context.Context, appt *models.Appointment, items []models.AppointmentItem, assignments []models.LockerAssignment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range items {
		items[i].AppointmentID = appt.ID
	}
	if err := insertItemsTx(ctx, tx, items); err != nil {
		return err
	}
	if err := reserveItemsTx(ctx, tx, items); err != nil {
		return err
	}
	for i := range assignments {
		assignments[i].AppointmentID = appt.ID
		if err := upsertOwnAssignmentTx(ctx, tx, &assignments[i]); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE appointments SET updated_at = NOW() WHERE id = $1", appt.ID)
	if err != nil {
		return err
	}

	// Merged items may come from an order other than the appointment's
	// own, so flip every awaiting order the new units belong to.
	unitIDs := make([]int64, 0, len(items))
	for _, it := range items {
		unitIDs = append(unitIDs, it.IndividualProductID)
	}
	q, args, err := sqlx.In(
		`UPDATE orders SET status = ?, updated_at = NOW()
		 WHERE status = ?
		   AND id IN (SELECT DISTINCT order_id FROM individual_products WHERE id IN (?))`,
		models.OrderStatusReadyForPickup, models.OrderStatusAwaitingPickup, unitIDs)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
		return fmt.Errorf("failed to update merged order status: %w", err)
	}

	return tx.Commit()
}

// RescheduleAppointment moves an appointment to a new (date, slot) and
// possibly new lockers in one transaction: the old projections are
// marked cancelled and the new ones claimed atomically, items keep
// their reservations but follow the locker change.
func (s *Store) RescheduleAppointment(ctx context.Context, appt *models.Appointment, assignments []models.LockerAssignment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE appointments
		 SET scheduled_date = $1, time_slot = $2, notes = $3, updated_at = NOW()
		 WHERE id = $4`,
		models.DateOnly(appt.ScheduledDate), appt.TimeSlot, appt.Notes, appt.ID)
	if err != nil {
		return fmt.Errorf("failed to update appointment: %w", err)
	}

	for _, it := range appt.Items {
		_, err = tx.ExecContext(ctx,
			"UPDATE appointment_items SET locker_number = $1 WHERE id = $2",
			it.LockerNumber, it.ID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE individual_products SET assigned_locker = $1 WHERE id = $2",
			it.LockerNumber, it.IndividualProductID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE locker_assignments SET status = 'CANCELLED', updated_at = NOW()
		 WHERE appointment_id = $1 AND status IN ('RESERVED', 'ACTIVE')`, appt.ID)
	if err != nil {
		return err
	}

	for i := range assignments {
		assignments[i].AppointmentID = appt.ID
		if err := claimAssignmentTx(ctx, tx, &assignments[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CancelAppointment cancels an active appointment, releasing every
// reserved unit back to AVAILABLE and marking the projections
// cancelled. Cancelled projections are kept for audit, never deleted.
func (s *Store) CancelAppointment(ctx context.Context, appointmentID int64, cancelledBy, reason string, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE appointments
		 SET status = 'CANCELLED', cancelled_at = $1, cancelled_by = $2, cancellation_reason = $3, updated_at = NOW()
		 WHERE id = $4 AND status IN ('SCHEDULED', 'CONFIRMED')`,
		now, cancelledBy, reason, appointmentID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Lost a race with another canceller or the sweep; the caller
		// decides whether that is a no-op or an error.
		return fmt.Errorf("active appointment %d: %w", appointmentID, ErrNotFound)
	}

	if err := releaseItemsTx(ctx, tx, appointmentID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE locker_assignments SET status = 'CANCELLED', updated_at = NOW()
		 WHERE appointment_id = $1 AND status IN ('RESERVED', 'ACTIVE')`, appointmentID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ConfirmAppointment records the user's confirmation and activates the
// locker projections.
func (s *Store) ConfirmAppointment(ctx context.Context, appointmentID int64, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE appointments SET status = 'CONFIRMED', confirmed_at = $1, updated_at = NOW()
		 WHERE id = $2 AND status = 'SCHEDULED'`, now, appointmentID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("scheduled appointment %d: %w", appointmentID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE locker_assignments SET status = 'ACTIVE', updated_at = NOW()
		 WHERE appointment_id = $1 AND status = 'RESERVED'`, appointmentID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CompleteAppointment finalizes a pickup: items move to PICKED_UP,
// projections to COMPLETED, and the order is closed.
func (s *Store) CompleteAppointment(ctx context.Context, appointmentID, orderID int64, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE appointments SET status = 'COMPLETED', completed_at = $1, updated_at = NOW()
		 WHERE id = $2 AND status IN ('SCHEDULED', 'CONFIRMED')`, now, appointmentID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("active appointment %d: %w", appointmentID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE individual_products
		 SET status = 'PICKED_UP', picked_up_at = $1
		 WHERE id IN (SELECT individual_product_id FROM appointment_items WHERE appointment_id = $2)
		   AND status IN ('RESERVED', 'CLAIMED')`, now, appointmentID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE locker_assignments SET status = 'COMPLETED', updated_at = NOW()
		 WHERE appointment_id = $1 AND status IN ('RESERVED', 'ACTIVE')`, appointmentID)
	if err != nil {
		return err
	}

	// The order closes only once its last unit is picked up. Sibling
	// units still awaiting their own appointment keep it open.
	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW()
		 WHERE id = $2
		   AND NOT EXISTS (
		       SELECT 1 FROM individual_products
		       WHERE order_id = $2 AND status <> 'PICKED_UP')`,
		models.OrderStatusCompleted, orderID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// MarkNoShow moves an expired appointment into the NO_SHOW terminal
// state, releases its units and records the penalty, all in one
// transaction. A zero-row status update means another sweeper (or a
// late cancel) won the race; that is treated as done.
func (s *Store) MarkNoShow(ctx context.Context, appointmentID int64, penalty *models.PenaltyRecord, now time.Time) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE appointments SET status = 'NO_SHOW', updated_at = NOW()
		 WHERE id = $1 AND status IN ('SCHEDULED', 'CONFIRMED')`, appointmentID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if err := releaseItemsTx(ctx, tx, appointmentID); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE locker_assignments SET status = 'CANCELLED', updated_at = NOW()
		 WHERE appointment_id = $1 AND status IN ('RESERVED', 'ACTIVE')`, appointmentID)
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO penalty_records (user_id, violation_date, reason, created_at)
		 VALUES ($1, $2, $3, $4)`,
		penalty.UserID, models.DateOnly(penalty.ViolationDate), penalty.Reason, now)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func insertItemsTx(ctx context.Context, tx *sqlx.Tx, items []models.AppointmentItem) error {
	const q = `
		INSERT INTO appointment_items
			(appointment_id, individual_product_id, product_id, quantity, locker_number,
			 variant_selections, override_length_cm, override_width_cm, override_height_cm, volume_cm3)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	for i := range items {
		it := &items[i]
		err := tx.QueryRowxContext(ctx, q,
			it.AppointmentID, it.IndividualProductID, it.ProductID, it.Quantity, it.LockerNumber,
			it.VariantSelections, it.OverrideLengthCM, it.OverrideWidthCM, it.OverrideHeightCM, it.VolumeCM3).
			Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("failed to insert appointment item: %w", err)
		}
	}
	return nil
}

// reserveItemsTx flips each unit AVAILABLE -> RESERVED with a
// conditional update so concurrent bookings cannot share a unit.
func reserveItemsTx(ctx context.Context, tx *sqlx.Tx, items []models.AppointmentItem) error {
	const q = `
		UPDATE individual_products
		SET status = 'RESERVED', assigned_locker = $1, reserved_at = NOW()
		WHERE id = $2 AND status = 'AVAILABLE'`

	for _, it := range items {
		res, err := tx.ExecContext(ctx, q, it.LockerNumber, it.IndividualProductID)
		if err != nil {
			return fmt.Errorf("failed to reserve item %d: %w", it.IndividualProductID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("item %d: %w", it.IndividualProductID, ErrItemUnavailable)
		}
	}
	return nil
}

func releaseItemsTx(ctx context.Context, tx *sqlx.Tx, appointmentID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE individual_products
		 SET status = 'AVAILABLE', assigned_locker = NULL, reserved_at = NULL
		 WHERE id IN (SELECT individual_product_id FROM appointment_items WHERE appointment_id = $1)
		   AND status = 'RESERVED'`, appointmentID)
	if err != nil {
		return fmt.Errorf("failed to release items: %w", err)
	}
	return nil
}
