package worker

import (
	"context"
	"testing"
	"time"

	"locker-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweepStore struct {
	appointments map[int64]*models.Appointment
	stale        []models.Appointment // extra rows a raced reader would still see
	penalties    []models.PenaltyRecord
	purgedBefore time.Time
}

func (f *fakeSweepStore) ListExpired(_ context.Context, now time.Time) ([]models.Appointment, error) {
	out := append([]models.Appointment{}, f.stale...)
	for _, a := range f.appointments {
		if a.IsExpired(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeSweepStore) MarkNoShow(_ context.Context, appointmentID int64, penalty *models.PenaltyRecord, _ time.Time) (bool, error) {
	appt := f.appointments[appointmentID]
	if !appt.Active() {
		return false, nil
	}
	appt.Status = models.AppointmentStatusNoShow
	f.penalties = append(f.penalties, *penalty)
	return true, nil
}

func (f *fakeSweepStore) PurgeExpiredPenalties(_ context.Context, olderThan time.Time) (int64, error) {
	f.purgedBefore = olderThan
	return 0, nil
}

func TestSweepFinalizesExpired(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	st := &fakeSweepStore{appointments: map[int64]*models.Appointment{
		// Slot passed two hours ago, still active.
		1: {ID: 1, UserID: 7, Status: models.AppointmentStatusScheduled,
			ScheduledDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local), TimeSlot: "10:00"},
		// Slot later today, must survive.
		2: {ID: 2, UserID: 7, Status: models.AppointmentStatusConfirmed,
			ScheduledDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local), TimeSlot: "15:00"},
		// Already cancelled, not the sweeper's business.
		3: {ID: 3, UserID: 8, Status: models.AppointmentStatusCancelled,
			ScheduledDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local), TimeSlot: "09:00"},
	}}

	sweeper := NewExpirySweeper(st, nil, time.Minute, 24*time.Hour)
	sweeper.now = func() time.Time { return now }

	sweeper.Sweep(context.Background())

	assert.Equal(t, models.AppointmentStatusNoShow, st.appointments[1].Status)
	assert.Equal(t, models.AppointmentStatusConfirmed, st.appointments[2].Status)
	assert.Equal(t, models.AppointmentStatusCancelled, st.appointments[3].Status)

	require.Len(t, st.penalties, 1)
	penalty := st.penalties[0]
	assert.Equal(t, int64(7), penalty.UserID)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local), penalty.ViolationDate)

	t.Run("second sweep finds nothing", func(t *testing.T) {
		sweeper.Sweep(context.Background())
		assert.Len(t, st.penalties, 1)
	})

	t.Run("purge cutoff is past the decay window", func(t *testing.T) {
		assert.Equal(t, now.Add(-48*time.Hour), st.purgedBefore)
	})
}

func TestSweepRaceLostIsNotAnError(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	appt := &models.Appointment{ID: 1, UserID: 7, Status: models.AppointmentStatusScheduled,
		ScheduledDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local), TimeSlot: "10:00"}
	st := &fakeSweepStore{appointments: map[int64]*models.Appointment{1: appt}}

	sweeper := NewExpirySweeper(st, nil, time.Minute, 24*time.Hour)
	sweeper.now = func() time.Time { return now }

	// A cancel slips in between listing and finalizing: the list
	// still carries the appointment but the guarded update hits zero
	// rows.
	st.stale = append(st.stale, *appt)
	appt.Status = models.AppointmentStatusCancelled
	sweeper.Sweep(context.Background())

	assert.Equal(t, models.AppointmentStatusCancelled, appt.Status)
	assert.Empty(t, st.penalties)
}
