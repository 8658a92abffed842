package store

import (
	"context"
	"time"

	"locker-service/internal/models"
)

// PenaltiesForDate retrieves a user's penalty records for one violated
// calendar day. Decay is evaluated by the caller against CreatedAt, so
// stale rows coming back here is fine.
func (s *Store) PenaltiesForDate(ctx context.Context, userID int64, date time.Time) ([]models.PenaltyRecord, error) {
	var records []models.PenaltyRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT * FROM penalty_records
		 WHERE user_id = $1 AND violation_date = $2
		 ORDER BY created_at DESC`, userID, models.DateOnly(date))
	return records, err
}

// PurgeExpiredPenalties deletes records older than the decay window.
// Storage hygiene only; correctness never depends on it because
// IsBlocked evaluates decay lazily.
func (s *Store) PurgeExpiredPenalties(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM penalty_records WHERE created_at < $1", olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
