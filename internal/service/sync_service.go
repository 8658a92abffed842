package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"locker-service/internal/capacity"
	"locker-service/internal/models"
	"locker-service/internal/store"
	"locker-service/internal/util"

	"go.uber.org/zap"
)

// SyncStore is the persistence surface of the assignment
// synchronizer. *store.Store satisfies it.
type SyncStore interface {
	CatalogStore
	GetUser(ctx context.Context, id int64) (*models.User, error)
	ListActiveByDate(ctx context.Context, date time.Time) ([]models.Appointment, error)
	HasLiveAssignment(ctx context.Context, appointmentID int64) (bool, error)
	ListLiveAssignmentLockers(ctx context.Context, date time.Time, timeSlot string) ([]int, error)
	CreateAssignment(ctx context.Context, asg *models.LockerAssignment) (bool, error)
	ListAssignments(ctx context.Context, date time.Time, timeSlot string) ([]models.LockerAssignment, error)
}

// SyncService reconciles the locker projection against the
// appointment book. The booking path writes projections inline; the
// synchronizer repairs the cases where that write was lost or where
// an appointment predates the projection table.
type SyncService struct {
	store       SyncStore
	lockerCount int
	logger      *zap.Logger
}

// NewSyncService creates a new assignment synchronizer
func NewSyncService(st SyncStore, lockerCount int) *SyncService {
	return &SyncService{
		store:       st,
		lockerCount: lockerCount,
		logger:      util.GetLogger(),
	}
}

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Date    string      `json:"date"`
	Created int         `json:"created"`
	Skipped int         `json:"skipped"`
	Errors  []SyncError `json:"errors,omitempty"`
}

// SyncFromAppointments walks every active appointment on the given
// date and creates any missing locker projection. The pass is
// idempotent: appointments that already have a live assignment are
// skipped, and the claim itself is create-if-absent. One appointment
// failing never aborts the batch.
func (s *SyncService) SyncFromAppointments(ctx context.Context, date time.Time) (*SyncResult, error) {
	ctx, span := util.StartSpan(ctx, "SyncService.SyncFromAppointments")
	defer span.End()

	appointments, err := s.store.ListActiveByDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}

	result := &SyncResult{Date: models.DateOnly(date).Format("2006-01-02")}
	for i := range appointments {
		appt := &appointments[i]

		has, err := s.store.HasLiveAssignment(ctx, appt.ID)
		if err != nil {
			s.recordError(result, appt.ID, fmt.Sprintf("assignment lookup failed: %v", err))
			continue
		}
		if has {
			result.Skipped++
			util.AssignmentsSyncedTotal.WithLabelValues("skipped").Inc()
			continue
		}

		created, err := s.syncAppointment(ctx, appt)
		if err != nil {
			s.recordError(result, appt.ID, err.Error())
			continue
		}
		if created {
			result.Created++
			util.AssignmentsSyncedTotal.WithLabelValues("created").Inc()
		} else {
			result.Skipped++
			util.AssignmentsSyncedTotal.WithLabelValues("skipped").Inc()
		}
	}

	s.logger.Info("Assignment sync pass finished",
		zap.String("date", result.Date),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// syncAppointment builds and claims the projections for one
// appointment. Items without a locker are placed first-fit into free
// lockers; items with an explicit locker keep it. Nothing is written
// unless every locker's load fits.
func (s *SyncService) syncAppointment(ctx context.Context, appt *models.Appointment) (bool, error) {
	byLocker := make(map[int][]*resolvedItem)
	var unplaced []*resolvedItem

	for _, item := range appt.Items {
		r, err := resolveStoredItem(ctx, s.store, item)
		if err != nil {
			if errors.Is(err, capacity.ErrMissingDimensions) {
				return false, fmt.Errorf("item %d has no resolvable dimensions", item.IndividualProductID)
			}
			return false, fmt.Errorf("failed to resolve item %d: %w", item.IndividualProductID, err)
		}
		if item.LockerNumber > 0 {
			byLocker[item.LockerNumber] = append(byLocker[item.LockerNumber], r)
		} else {
			unplaced = append(unplaced, r)
		}
	}

	if len(unplaced) > 0 {
		if err := s.placeFirstFit(ctx, appt, unplaced, byLocker); err != nil {
			return false, err
		}
	}

	for locker, group := range byLocker {
		if err := capacity.CheckFit(locker, footprints(group)); err != nil {
			return false, err
		}
	}

	user, err := s.store.GetUser(ctx, appt.UserID)
	if err != nil {
		return false, fmt.Errorf("failed to load user %d: %w", appt.UserID, err)
	}

	anyCreated := false
	for _, locker := range sortedLockers(byLocker) {
		asg := buildAssignment(locker, *appt, user, byLocker[locker])
		if appt.Status == models.AppointmentStatusConfirmed {
			asg.Status = models.AssignmentStatusActive
		}
		created, err := s.store.CreateAssignment(ctx, &asg)
		if err != nil {
			if errors.Is(err, store.ErrLockerTaken) {
				return false, fmt.Errorf("locker %d already claimed by another appointment", locker)
			}
			return false, err
		}
		if created {
			anyCreated = true
		}
	}
	return anyCreated, nil
}

// placeFirstFit assigns lockerless items to the lowest-numbered free
// lockers in the appointment's cell.
func (s *SyncService) placeFirstFit(ctx context.Context, appt *models.Appointment, unplaced []*resolvedItem, byLocker map[int][]*resolvedItem) error {
	occupied, err := s.store.ListLiveAssignmentLockers(ctx, appt.ScheduledDate, appt.TimeSlot)
	if err != nil {
		return fmt.Errorf("failed to list occupied lockers: %w", err)
	}
	taken := make(map[int]bool, len(occupied))
	for _, l := range occupied {
		taken[l] = true
	}

	for locker := 1; locker <= s.lockerCount && len(unplaced) > 0; locker++ {
		if taken[locker] {
			continue
		}
		if _, own := byLocker[locker]; own {
			continue
		}
		group := unplaced
		if err := capacity.CheckFit(locker, footprints(group)); err != nil {
			var exceeded *capacity.ExceededError
			if errors.As(err, &exceeded) {
				// Too much for one locker; fill greedily and spill the
				// rest into the next free one.
				group = s.greedyPrefix(locker, unplaced)
				if len(group) == 0 {
					continue
				}
			} else {
				return err
			}
		}
		byLocker[locker] = group
		unplaced = unplaced[len(group):]
	}

	if len(unplaced) > 0 {
		return fmt.Errorf("no free locker can hold %d remaining items", len(unplaced))
	}
	return nil
}

// greedyPrefix returns the longest prefix of items that fits the
// locker.
func (s *SyncService) greedyPrefix(locker int, items []*resolvedItem) []*resolvedItem {
	for n := len(items) - 1; n > 0; n-- {
		if capacity.CheckFit(locker, footprints(items[:n])) == nil {
			return items[:n]
		}
	}
	return nil
}

// ListAssignments returns the projections for a date, optionally
// narrowed to one time slot.
func (s *SyncService) ListAssignments(ctx context.Context, date time.Time, timeSlot string) ([]models.LockerAssignment, error) {
	return s.store.ListAssignments(ctx, date, timeSlot)
}

func (s *SyncService) recordError(result *SyncResult, appointmentID int64, reason string) {
	util.AssignmentsSyncedTotal.WithLabelValues("error").Inc()
	s.logger.Warn("Assignment sync failed for appointment",
		zap.Int64("appointment_id", appointmentID),
		zap.String("reason", reason))
	result.Errors = append(result.Errors, SyncError{AppointmentID: appointmentID, Reason: reason})
}
