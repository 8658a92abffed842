package service

import (
	"context"
	"fmt"
	"time"

	"locker-service/config"
	"locker-service/internal/store"
	"locker-service/internal/util"

	"go.uber.org/zap"
)

// OccupancyStore is the read surface the conflict resolver needs.
type OccupancyStore interface {
	OccupiedLockers(ctx context.Context, date time.Time, timeSlot string, excludeAppointmentID int64) ([]store.LockerOccupancy, error)
}

// AvailabilityService answers two questions: is this set of lockers
// free in a given (date, slot) cell, and which slots of a day still
// have at least one free locker.
type AvailabilityService struct {
	store       OccupancyStore
	lockerCount int
	startHour   int
	endHour     int
	now         func() time.Time
	logger      *zap.Logger
}

// NewAvailabilityService creates a new availability service
func NewAvailabilityService(st OccupancyStore, cfg config.BusinessConfig) *AvailabilityService {
	return &AvailabilityService{
		store:       st,
		lockerCount: cfg.LockerCount,
		startHour:   cfg.SlotStartHour,
		endHour:     cfg.SlotEndHour,
		now:         time.Now,
		logger:      util.GetLogger(),
	}
}

// LockerCount returns the fixed pool size.
func (s *AvailabilityService) LockerCount() int { return s.lockerCount }

// SlotGrid returns the fixed daily time grid, hourly "HH:MM" labels
// from the configured start hour through the end hour inclusive.
func (s *AvailabilityService) SlotGrid() []string {
	grid := make([]string, 0, s.endHour-s.startHour+1)
	for h := s.startHour; h <= s.endHour; h++ {
		grid = append(grid, fmt.Sprintf("%02d:00", h))
	}
	return grid
}

// ValidSlot reports whether the label is on the grid.
func (s *AvailabilityService) ValidSlot(slot string) bool {
	for _, g := range s.SlotGrid() {
		if g == slot {
			return true
		}
	}
	return false
}

// ValidLocker reports whether the locker number is in the pool.
func (s *AvailabilityService) ValidLocker(n int) bool {
	return n >= 1 && n <= s.lockerCount
}

// AvailabilityResult is the conflict resolver's verdict for one
// requested locker set.
type AvailabilityResult struct {
	Available          bool  `json:"available"`
	OccupiedLockers    []int `json:"occupied_lockers"`
	ConflictingLockers []int `json:"conflicting_lockers"`
}

// CheckAvailability computes occupancy from active appointments in the
// (date, slot) cell and intersects it with the requested lockers.
// excludeAppointmentID lets an edit validate against everyone but
// itself. The result reflects committed state only; the caller still
// races other writers and must rely on the atomic projection claim
// for the final word.
func (s *AvailabilityService) CheckAvailability(ctx context.Context, date time.Time, timeSlot string, requestedLockers []int, excludeAppointmentID int64) (*AvailabilityResult, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityService.CheckAvailability")
	defer span.End()

	occupancy, err := s.store.OccupiedLockers(ctx, date, timeSlot, excludeAppointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load occupancy: %w", err)
	}

	occupiedSet := make(map[int]bool, len(occupancy))
	occupied := make([]int, 0, len(occupancy))
	for _, o := range occupancy {
		if !occupiedSet[o.LockerNumber] {
			occupiedSet[o.LockerNumber] = true
			occupied = append(occupied, o.LockerNumber)
		}
	}

	var conflicting []int
	for _, locker := range requestedLockers {
		if occupiedSet[locker] {
			conflicting = append(conflicting, locker)
		}
	}

	return &AvailabilityResult{
		Available:          len(conflicting) == 0,
		OccupiedLockers:    occupied,
		ConflictingLockers: conflicting,
	}, nil
}

// OccupantsByLocker returns who holds each occupied locker in the
// cell; the lifecycle service uses it to tell "your own other
// appointment" apart from a foreign conflict.
func (s *AvailabilityService) OccupantsByLocker(ctx context.Context, date time.Time, timeSlot string, excludeAppointmentID int64) (map[int]store.LockerOccupancy, error) {
	occupancy, err := s.store.OccupiedLockers(ctx, date, timeSlot, excludeAppointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load occupancy: %w", err)
	}
	byLocker := make(map[int]store.LockerOccupancy, len(occupancy))
	for _, o := range occupancy {
		if _, ok := byLocker[o.LockerNumber]; !ok {
			byLocker[o.LockerNumber] = o
		}
	}
	return byLocker, nil
}

// TimeSlotInfo annotates one grid slot with its remaining capacity.
type TimeSlotInfo struct {
	Time             string `json:"time"`
	Available        bool   `json:"available"`
	OccupiedLockers  []int  `json:"occupied_lockers"`
	AvailableLockers []int  `json:"available_lockers"`
	TotalLockers     int    `json:"total_lockers"`
}

// GetAvailableTimeSlots iterates the fixed grid for a date and reports
// per-slot locker occupancy. A slot is available when at least one
// locker is free; a specific locker and capacity fit are validated at
// booking time. For today, slots whose start has already passed are
// dropped: a slot survives only if (hour, minute) is strictly greater
// than the wall clock.
func (s *AvailabilityService) GetAvailableTimeSlots(ctx context.Context, date time.Time) ([]TimeSlotInfo, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityService.GetAvailableTimeSlots")
	defer span.End()

	now := s.now()
	today := sameDate(date, now)

	var slots []TimeSlotInfo
	for h := s.startHour; h <= s.endHour; h++ {
		// Grid slots start on the hour; 09:00 is gone at 09:00 sharp.
		if today && h <= now.Hour() {
			continue
		}
		label := fmt.Sprintf("%02d:00", h)

		result, err := s.CheckAvailability(ctx, date, label, nil, 0)
		if err != nil {
			return nil, err
		}

		occupiedSet := make(map[int]bool, len(result.OccupiedLockers))
		for _, l := range result.OccupiedLockers {
			occupiedSet[l] = true
		}
		var free []int
		for n := 1; n <= s.lockerCount; n++ {
			if !occupiedSet[n] {
				free = append(free, n)
			}
		}

		slots = append(slots, TimeSlotInfo{
			Time:             label,
			Available:        len(free) > 0,
			OccupiedLockers:  result.OccupiedLockers,
			AvailableLockers: free,
			TotalLockers:     s.lockerCount,
		})
	}

	s.logger.Debug("Computed slot availability",
		zap.String("date", date.Format("2006-01-02")),
		zap.Int("slots", len(slots)))
	return slots, nil
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
