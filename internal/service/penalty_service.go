package service

import (
	"context"
	"fmt"
	"time"

	"locker-service/internal/models"
	"locker-service/internal/util"

	"go.uber.org/zap"
)

// PenaltyStore is the persistence surface of the penalty ledger.
// Writes happen inside the expiry sweep's transaction, so only the
// read side is needed here.
type PenaltyStore interface {
	PenaltiesForDate(ctx context.Context, userID int64, date time.Time) ([]models.PenaltyRecord, error)
}

// PenaltyService keeps the per-user ledger of expired-reservation
// penalties. A penalty blocks rebooking of the violated calendar day
// and decays purely by time: there is no clear operation, records just
// stop counting once the decay window has elapsed. Decay is evaluated
// at query time, never mutated.
type PenaltyService struct {
	store  PenaltyStore
	decay  time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewPenaltyService creates a new penalty service
func NewPenaltyService(st PenaltyStore, decay time.Duration) *PenaltyService {
	return &PenaltyService{
		store:  st,
		decay:  decay,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// IsBlocked reports whether the user is blocked from booking on
// candidateDate, and for how much longer. Blocked means an active
// record exists whose violation date equals candidateDate by calendar
// day and whose age is still inside the decay window.
func (s *PenaltyService) IsBlocked(ctx context.Context, userID int64, candidateDate time.Time) (bool, time.Duration, error) {
	records, err := s.store.PenaltiesForDate(ctx, userID, candidateDate)
	if err != nil {
		return false, 0, fmt.Errorf("failed to load penalties: %w", err)
	}

	now := s.now()
	var remaining time.Duration
	for _, r := range records {
		age := now.Sub(r.CreatedAt)
		if age < s.decay {
			if left := s.decay - age; left > remaining {
				remaining = left
			}
		}
	}
	return remaining > 0, remaining, nil
}

// Check is IsBlocked shaped for the booking path: a blocked user gets
// a PenaltyBlockedError carrying the remaining decay.
func (s *PenaltyService) Check(ctx context.Context, userID int64, candidateDate time.Time) error {
	blocked, remaining, err := s.IsBlocked(ctx, userID, candidateDate)
	if err != nil {
		return err
	}
	if blocked {
		return &PenaltyBlockedError{
			UserID:         userID,
			Date:           candidateDate.Format("2006-01-02"),
			RemainingDecay: remaining,
		}
	}
	return nil
}

// PenaltyStatus is the query surface for callers wanting to show the
// user why a date is blocked.
type PenaltyStatus struct {
	UserID         int64         `json:"user_id"`
	Date           string        `json:"date"`
	Blocked        bool          `json:"blocked"`
	RemainingDecay time.Duration `json:"remaining_decay,omitempty"`
}

// Status reports the penalty state for one (user, date) pair.
func (s *PenaltyService) Status(ctx context.Context, userID int64, date time.Time) (*PenaltyStatus, error) {
	blocked, remaining, err := s.IsBlocked(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	return &PenaltyStatus{
		UserID:         userID,
		Date:           date.Format("2006-01-02"),
		Blocked:        blocked,
		RemainingDecay: remaining,
	}, nil
}
