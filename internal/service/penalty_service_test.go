package service

import (
	"context"
	"testing"
	"time"

	"locker-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePenaltyStore struct {
	records []models.PenaltyRecord
}

func (f *fakePenaltyStore) PenaltiesForDate(_ context.Context, userID int64, date time.Time) ([]models.PenaltyRecord, error) {
	var out []models.PenaltyRecord
	for _, r := range f.records {
		if r.UserID == userID && models.SameDate(r.ViolationDate, date) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestPenaltyDecay(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	violated := time.Date(2026, 3, 9, 0, 0, 0, 0, time.Local)

	newService := func(createdAt time.Time) *PenaltyService {
		st := &fakePenaltyStore{records: []models.PenaltyRecord{
			{ID: 1, UserID: 1, ViolationDate: violated, CreatedAt: createdAt},
		}}
		svc := NewPenaltyService(st, 24*time.Hour)
		svc.now = func() time.Time { return now }
		return svc
	}

	t.Run("inside decay window blocks", func(t *testing.T) {
		svc := newService(now.Add(-23 * time.Hour))
		blocked, remaining, err := svc.IsBlocked(context.Background(), 1, violated)
		require.NoError(t, err)
		assert.True(t, blocked)
		assert.Equal(t, time.Hour, remaining)
	})

	t.Run("expired record does not block", func(t *testing.T) {
		svc := newService(now.Add(-25 * time.Hour))
		blocked, _, err := svc.IsBlocked(context.Background(), 1, violated)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("decay boundary is exclusive", func(t *testing.T) {
		svc := newService(now.Add(-24 * time.Hour))
		blocked, _, err := svc.IsBlocked(context.Background(), 1, violated)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("other dates unaffected", func(t *testing.T) {
		svc := newService(now.Add(-time.Hour))
		blocked, _, err := svc.IsBlocked(context.Background(), 1, violated.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.False(t, blocked)
	})
}

func TestPenaltyCheck(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	violated := time.Date(2026, 3, 9, 0, 0, 0, 0, time.Local)

	st := &fakePenaltyStore{records: []models.PenaltyRecord{
		{ID: 1, UserID: 1, ViolationDate: violated, CreatedAt: now.Add(-time.Hour)},
	}}
	svc := NewPenaltyService(st, 24*time.Hour)
	svc.now = func() time.Time { return now }

	err := svc.Check(context.Background(), 1, violated)
	var blocked *PenaltyBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, int64(1), blocked.UserID)
	assert.Equal(t, 23*time.Hour, blocked.RemainingDecay)

	assert.NoError(t, svc.Check(context.Background(), 2, violated))
}
