package service

import (
	"context"
	"testing"
	"time"

	"locker-service/config"
	"locker-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOccupancyStore struct {
	occupancy []store.LockerOccupancy
}

func (f *fakeOccupancyStore) OccupiedLockers(_ context.Context, _ time.Time, _ string, excludeAppointmentID int64) ([]store.LockerOccupancy, error) {
	var out []store.LockerOccupancy
	for _, o := range f.occupancy {
		if excludeAppointmentID != 0 && o.AppointmentID == excludeAppointmentID {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func testBusinessConfig() config.BusinessConfig {
	return config.BusinessConfig{
		LockerCount:         10,
		SlotStartHour:       8,
		SlotEndHour:         22,
		BookingWindowDays:   7,
		MinLeadTimeMinutes:  60,
		PenaltyDecayHours:   24,
		SlotLeaseTTLSeconds: 30,
	}
}

func TestCheckAvailability(t *testing.T) {
	occ := &fakeOccupancyStore{occupancy: []store.LockerOccupancy{
		{LockerNumber: 3, AppointmentID: 11, UserID: 2},
		{LockerNumber: 7, AppointmentID: 12, UserID: 3},
	}}
	svc := NewAvailabilityService(occ, testBusinessConfig())

	date := time.Date(2026, 3, 11, 0, 0, 0, 0, time.Local)

	t.Run("conflict on occupied locker", func(t *testing.T) {
		result, err := svc.CheckAvailability(context.Background(), date, "10:00", []int{3, 4}, 0)
		require.NoError(t, err)
		assert.False(t, result.Available)
		assert.Equal(t, []int{3}, result.ConflictingLockers)
	})

	t.Run("free lockers are available", func(t *testing.T) {
		result, err := svc.CheckAvailability(context.Background(), date, "10:00", []int{4, 5}, 0)
		require.NoError(t, err)
		assert.True(t, result.Available)
		assert.Empty(t, result.ConflictingLockers)
	})

	t.Run("own appointment excluded", func(t *testing.T) {
		result, err := svc.CheckAvailability(context.Background(), date, "10:00", []int{3}, 11)
		require.NoError(t, err)
		assert.True(t, result.Available)
	})

	t.Run("conflict clears after cancellation", func(t *testing.T) {
		occ.occupancy = occ.occupancy[1:]
		result, err := svc.CheckAvailability(context.Background(), date, "10:00", []int{3}, 0)
		require.NoError(t, err)
		assert.True(t, result.Available)
	})
}

func TestSlotGrid(t *testing.T) {
	svc := NewAvailabilityService(&fakeOccupancyStore{}, testBusinessConfig())

	grid := svc.SlotGrid()
	require.Len(t, grid, 15)
	assert.Equal(t, "08:00", grid[0])
	assert.Equal(t, "22:00", grid[14])

	assert.True(t, svc.ValidSlot("09:00"))
	assert.False(t, svc.ValidSlot("09:30"))
	assert.False(t, svc.ValidSlot("23:00"))
}

func TestGetAvailableTimeSlotsToday(t *testing.T) {
	svc := NewAvailabilityService(&fakeOccupancyStore{}, testBusinessConfig())
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.Local)
	svc.now = func() time.Time { return now }

	slots, err := svc.GetAvailableTimeSlots(context.Background(), now)
	require.NoError(t, err)

	// 12:00 and earlier are gone, 13:00..22:00 remain.
	require.Len(t, slots, 10)
	assert.Equal(t, "13:00", slots[0].Time)

	t.Run("future date keeps the full grid", func(t *testing.T) {
		tomorrow := now.AddDate(0, 0, 1)
		slots, err := svc.GetAvailableTimeSlots(context.Background(), tomorrow)
		require.NoError(t, err)
		assert.Len(t, slots, 15)
	})
}
