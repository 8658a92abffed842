package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"locker-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// A partial unique index on (locker_number, scheduled_date, time_slot)
// over RESERVED/ACTIVE rows backs the create-if-absent below. The
// second concurrent writer's insert matches zero rows instead of
// racing a read-then-write pair.

// claimAssignmentTx inserts a locker projection with ON CONFLICT DO
// NOTHING and maps a lost claim to ErrLockerTaken.
func claimAssignmentTx(ctx context.Context, tx *sqlx.Tx, asg *models.LockerAssignment) error {
	const q = `
		INSERT INTO locker_assignments
			(locker_number, scheduled_date, time_slot, user_id, user_name, user_email,
			 appointment_id, products, total_slots_used, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at, updated_at`

	err := tx.QueryRowxContext(ctx, q,
		asg.LockerNumber, models.DateOnly(asg.ScheduledDate), asg.TimeSlot,
		asg.UserID, asg.UserName, asg.UserEmail,
		asg.AppointmentID, asg.Products, asg.TotalSlotsUsed, asg.Status).
		Scan(&asg.ID, &asg.CreatedAt, &asg.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("locker %d on %s %s: %w",
			asg.LockerNumber, asg.ScheduledDate.Format("2006-01-02"), asg.TimeSlot, ErrLockerTaken)
	}
	if err != nil {
		return fmt.Errorf("failed to claim locker assignment: %w", err)
	}
	return nil
}

// upsertOwnAssignmentTx refreshes the projection for a locker the
// appointment already holds, claiming it if the row is missing. A live
// row held by a different appointment is a conflict.
func upsertOwnAssignmentTx(ctx context.Context, tx *sqlx.Tx, asg *models.LockerAssignment) error {
	const q = `
		UPDATE locker_assignments
		SET products = $1, total_slots_used = $2, updated_at = NOW()
		WHERE locker_number = $3 AND scheduled_date = $4 AND time_slot = $5
		  AND appointment_id = $6 AND status IN ('RESERVED', 'ACTIVE')`

	res, err := tx.ExecContext(ctx, q,
		asg.Products, asg.TotalSlotsUsed,
		asg.LockerNumber, models.DateOnly(asg.ScheduledDate), asg.TimeSlot, asg.AppointmentID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	return claimAssignmentTx(ctx, tx, asg)
}

// CreateAssignment claims a locker projection outside any enclosing
// transaction; the synchronizer's create-if-absent. Returns false with
// no error when the appointment already has a live projection for
// this locker (idempotent re-run), ErrLockerTaken when another
// appointment holds the cell.
func (s *Store) CreateAssignment(ctx context.Context, asg *models.LockerAssignment) (bool, error) {
	existing, err := s.assignmentForAppointmentLocker(ctx, asg.AppointmentID, asg.LockerNumber)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := claimAssignmentTx(ctx, tx, asg); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) assignmentForAppointmentLocker(ctx context.Context, appointmentID int64, lockerNumber int) (*models.LockerAssignment, error) {
	var asg models.LockerAssignment
	err := s.db.GetContext(ctx, &asg,
		`SELECT * FROM locker_assignments
		 WHERE appointment_id = $1 AND locker_number = $2 AND status IN ('RESERVED', 'ACTIVE')`,
		appointmentID, lockerNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asg, nil
}

// HasLiveAssignment reports whether any appointment holds a live
// projection for the appointment id.
func (s *Store) HasLiveAssignment(ctx context.Context, appointmentID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM locker_assignments
		 WHERE appointment_id = $1 AND status IN ('RESERVED', 'ACTIVE'))`, appointmentID)
	return exists, err
}

// ListLiveAssignmentLockers returns locker numbers with a live
// projection in the (date, slot) cell; the first-fit scan's view.
func (s *Store) ListLiveAssignmentLockers(ctx context.Context, date time.Time, timeSlot string) ([]int, error) {
	var lockers []int
	err := s.db.SelectContext(ctx, &lockers,
		`SELECT locker_number FROM locker_assignments
		 WHERE scheduled_date = $1 AND time_slot = $2 AND status IN ('RESERVED', 'ACTIVE')
		 ORDER BY locker_number`, models.DateOnly(date), timeSlot)
	return lockers, err
}

// ListAssignments retrieves assignments for a date, optionally
// filtered to one slot. Dashboard read path.
func (s *Store) ListAssignments(ctx context.Context, date time.Time, timeSlot string) ([]models.LockerAssignment, error) {
	var asgs []models.LockerAssignment
	if timeSlot == "" {
		err := s.db.SelectContext(ctx, &asgs,
			`SELECT * FROM locker_assignments WHERE scheduled_date = $1
			 ORDER BY time_slot, locker_number`, models.DateOnly(date))
		return asgs, err
	}
	err := s.db.SelectContext(ctx, &asgs,
		`SELECT * FROM locker_assignments WHERE scheduled_date = $1 AND time_slot = $2
		 ORDER BY locker_number`, models.DateOnly(date), timeSlot)
	return asgs, err
}
