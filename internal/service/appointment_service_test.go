package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"locker-service/internal/capacity"
	"locker-service/internal/models"
	"locker-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory stand-in for *store.Store covering the
// booking, occupancy, penalty and sync surfaces.
type fakeStore struct {
	users        map[int64]*models.User
	orders       map[int64]*models.Order
	products     map[int64]*models.Product
	attrs        map[int64][]models.VariantAttribute
	units        map[int64]*models.IndividualProduct
	appointments map[int64]*models.Appointment
	assignments  map[int64]*models.LockerAssignment
	penalties    []models.PenaltyRecord
	nextID       int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[int64]*models.User),
		orders:       make(map[int64]*models.Order),
		products:     make(map[int64]*models.Product),
		attrs:        make(map[int64][]models.VariantAttribute),
		units:        make(map[int64]*models.IndividualProduct),
		appointments: make(map[int64]*models.Appointment),
		assignments:  make(map[int64]*models.LockerAssignment),
		nextID:       1000,
	}
}

func (f *fakeStore) next() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	if o, ok := f.orders[id]; ok {
		return o, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	if p, ok := f.products[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetVariantAttributes(_ context.Context, productID int64) ([]models.VariantAttribute, error) {
	return f.attrs[productID], nil
}

func (f *fakeStore) GetIndividualProduct(_ context.Context, id int64) (*models.IndividualProduct, error) {
	if u, ok := f.units[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetAppointment(_ context.Context, id int64) (*models.Appointment, error) {
	if a, ok := f.appointments[id]; ok {
		return a, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListUserAppointments(_ context.Context, userID int64) ([]models.Appointment, error) {
	var out []models.Appointment
	for _, a := range f.appointments {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) FindMergeableAppointment(_ context.Context, userID int64, date time.Time, timeSlot string, lockers []int) (*models.Appointment, error) {
	want := make(map[int]bool)
	for _, l := range lockers {
		want[l] = true
	}
	for _, a := range f.appointments {
		if a.UserID != userID || !a.Active() || a.TimeSlot != timeSlot || !models.SameDate(a.ScheduledDate, date) {
			continue
		}
		for _, l := range a.LockerNumbers() {
			if want[l] {
				return a, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) lockerHeldByOther(appointmentID int64, lockerNumber int, date time.Time, timeSlot string) bool {
	for _, asg := range f.assignments {
		if asg.Status != models.AssignmentStatusReserved && asg.Status != models.AssignmentStatusActive {
			continue
		}
		if asg.LockerNumber == lockerNumber && asg.TimeSlot == timeSlot &&
			models.SameDate(asg.ScheduledDate, date) && asg.AppointmentID != appointmentID {
			return true
		}
	}
	return false
}

func (f *fakeStore) claim(asg models.LockerAssignment) error {
	if f.lockerHeldByOther(asg.AppointmentID, asg.LockerNumber, asg.ScheduledDate, asg.TimeSlot) {
		return store.ErrLockerTaken
	}
	asg.ID = f.next()
	f.assignments[asg.ID] = &asg
	return nil
}

func (f *fakeStore) BookAppointment(_ context.Context, appt *models.Appointment, items []models.AppointmentItem, assignments []models.LockerAssignment) error {
	for _, it := range items {
		if f.units[it.IndividualProductID].Status != models.ItemStatusAvailable {
			return store.ErrItemUnavailable
		}
	}

	appt.ID = f.next()
	for i := range items {
		items[i].ID = f.next()
		items[i].AppointmentID = appt.ID
	}
	appt.Items = items
	f.appointments[appt.ID] = appt

	for i := range assignments {
		assignments[i].AppointmentID = appt.ID
		if err := f.claim(assignments[i]); err != nil {
			return err
		}
	}

	for _, it := range items {
		unit := f.units[it.IndividualProductID]
		unit.Status = models.ItemStatusReserved
		locker := it.LockerNumber
		unit.AssignedLocker = &locker
	}
	f.orders[appt.OrderID].Status = models.OrderStatusReadyForPickup
	return nil
}

func (f *fakeStore) AppendAppointmentItems(_ context.Context, appt *models.Appointment, items []models.AppointmentItem, assignments []models.LockerAssignment) error {
	target := f.appointments[appt.ID]
	for i := range items {
		items[i].ID = f.next()
		items[i].AppointmentID = appt.ID
		target.Items = append(target.Items, items[i])
		unit := f.units[items[i].IndividualProductID]
		unit.Status = models.ItemStatusReserved
		if o := f.orders[unit.OrderID]; o.Status == models.OrderStatusAwaitingPickup {
			o.Status = models.OrderStatusReadyForPickup
		}
	}
	for i := range assignments {
		assignments[i].AppointmentID = appt.ID
		replaced := false
		for _, asg := range f.assignments {
			if asg.AppointmentID == appt.ID && asg.LockerNumber == assignments[i].LockerNumber &&
				(asg.Status == models.AssignmentStatusReserved || asg.Status == models.AssignmentStatusActive) {
				assignments[i].ID = asg.ID
				f.assignments[asg.ID] = &assignments[i]
				replaced = true
				break
			}
		}
		if !replaced {
			if err := f.claim(assignments[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeStore) RescheduleAppointment(_ context.Context, appt *models.Appointment, assignments []models.LockerAssignment) error {
	for _, asg := range f.assignments {
		if asg.AppointmentID == appt.ID &&
			(asg.Status == models.AssignmentStatusReserved || asg.Status == models.AssignmentStatusActive) {
			asg.Status = models.AssignmentStatusCancelled
		}
	}
	for i := range assignments {
		assignments[i].AppointmentID = appt.ID
		if err := f.claim(assignments[i]); err != nil {
			return err
		}
	}
	f.appointments[appt.ID] = appt
	return nil
}

func (f *fakeStore) CancelAppointment(_ context.Context, appointmentID int64, cancelledBy, reason string, now time.Time) error {
	appt, ok := f.appointments[appointmentID]
	if !ok || !appt.Active() {
		return store.ErrNotFound
	}
	appt.Status = models.AppointmentStatusCancelled
	appt.CancelledBy = cancelledBy
	appt.CancellationReason = reason
	appt.CancelledAt = &now
	f.releaseAppointment(appointmentID)
	return nil
}

func (f *fakeStore) releaseAppointment(appointmentID int64) {
	appt := f.appointments[appointmentID]
	for _, it := range appt.Items {
		unit := f.units[it.IndividualProductID]
		unit.Status = models.ItemStatusAvailable
		unit.AssignedLocker = nil
	}
	for _, asg := range f.assignments {
		if asg.AppointmentID == appointmentID &&
			(asg.Status == models.AssignmentStatusReserved || asg.Status == models.AssignmentStatusActive) {
			asg.Status = models.AssignmentStatusCancelled
		}
	}
}

func (f *fakeStore) ConfirmAppointment(_ context.Context, appointmentID int64, now time.Time) error {
	appt, ok := f.appointments[appointmentID]
	if !ok || appt.Status != models.AppointmentStatusScheduled {
		return store.ErrNotFound
	}
	appt.Status = models.AppointmentStatusConfirmed
	appt.ConfirmedAt = &now
	for _, asg := range f.assignments {
		if asg.AppointmentID == appointmentID && asg.Status == models.AssignmentStatusReserved {
			asg.Status = models.AssignmentStatusActive
		}
	}
	return nil
}

func (f *fakeStore) CompleteAppointment(_ context.Context, appointmentID, orderID int64, now time.Time) error {
	appt, ok := f.appointments[appointmentID]
	if !ok {
		return store.ErrNotFound
	}
	appt.Status = models.AppointmentStatusCompleted
	appt.CompletedAt = &now
	for _, it := range appt.Items {
		f.units[it.IndividualProductID].Status = models.ItemStatusPickedUp
	}
	for _, asg := range f.assignments {
		if asg.AppointmentID == appointmentID &&
			(asg.Status == models.AssignmentStatusReserved || asg.Status == models.AssignmentStatusActive) {
			asg.Status = models.AssignmentStatusCompleted
		}
	}
	f.closeOrderIfFulfilled(orderID)
	return nil
}

// closeOrderIfFulfilled mirrors the conditional order update in the
// store: the order completes only when none of its units remain
// unpicked.
func (f *fakeStore) closeOrderIfFulfilled(orderID int64) {
	for _, u := range f.units {
		if u.OrderID == orderID && u.Status != models.ItemStatusPickedUp {
			return
		}
	}
	f.orders[orderID].Status = models.OrderStatusCompleted
}

func (f *fakeStore) OccupiedLockers(_ context.Context, date time.Time, timeSlot string, excludeAppointmentID int64) ([]store.LockerOccupancy, error) {
	var out []store.LockerOccupancy
	for _, a := range f.appointments {
		if !a.Active() || a.TimeSlot != timeSlot || !models.SameDate(a.ScheduledDate, date) {
			continue
		}
		if excludeAppointmentID != 0 && a.ID == excludeAppointmentID {
			continue
		}
		for _, l := range a.LockerNumbers() {
			out = append(out, store.LockerOccupancy{LockerNumber: l, AppointmentID: a.ID, UserID: a.UserID})
		}
	}
	return out, nil
}

func (f *fakeStore) PenaltiesForDate(_ context.Context, userID int64, date time.Time) ([]models.PenaltyRecord, error) {
	var out []models.PenaltyRecord
	for _, r := range f.penalties {
		if r.UserID == userID && models.SameDate(r.ViolationDate, date) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveByDate(_ context.Context, date time.Time) ([]models.Appointment, error) {
	var out []models.Appointment
	for _, a := range f.appointments {
		if a.Active() && models.SameDate(a.ScheduledDate, date) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) HasLiveAssignment(_ context.Context, appointmentID int64) (bool, error) {
	for _, asg := range f.assignments {
		if asg.AppointmentID == appointmentID &&
			(asg.Status == models.AssignmentStatusReserved || asg.Status == models.AssignmentStatusActive) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListLiveAssignmentLockers(_ context.Context, date time.Time, timeSlot string) ([]int, error) {
	var out []int
	for _, asg := range f.assignments {
		if asg.TimeSlot == timeSlot && models.SameDate(asg.ScheduledDate, date) &&
			(asg.Status == models.AssignmentStatusReserved || asg.Status == models.AssignmentStatusActive) {
			out = append(out, asg.LockerNumber)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateAssignment(_ context.Context, asg *models.LockerAssignment) (bool, error) {
	for _, existing := range f.assignments {
		if existing.AppointmentID == asg.AppointmentID && existing.LockerNumber == asg.LockerNumber &&
			(existing.Status == models.AssignmentStatusReserved || existing.Status == models.AssignmentStatusActive) {
			return false, nil
		}
	}
	if err := f.claim(*asg); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeStore) ListAssignments(_ context.Context, date time.Time, timeSlot string) ([]models.LockerAssignment, error) {
	var out []models.LockerAssignment
	for _, asg := range f.assignments {
		if models.SameDate(asg.ScheduledDate, date) && (timeSlot == "" || asg.TimeSlot == timeSlot) {
			out = append(out, *asg)
		}
	}
	return out, nil
}

func (f *fakeStore) liveAssignments() []*models.LockerAssignment {
	var out []*models.LockerAssignment
	for _, asg := range f.assignments {
		if asg.Status == models.AssignmentStatusReserved || asg.Status == models.AssignmentStatusActive {
			out = append(out, asg)
		}
	}
	return out
}

type fakeLeaser struct {
	acquired   int
	released   int
	denyLocker int
	idem       map[string]string
}

func newFakeLeaser() *fakeLeaser {
	return &fakeLeaser{idem: make(map[string]string)}
}

func (l *fakeLeaser) AcquireSlotLease(_ context.Context, _, _ string, lockerNumber int, _ string, _ time.Duration) (bool, error) {
	if lockerNumber == l.denyLocker {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLeaser) ReleaseSlotLease(_ context.Context, _, _ string, _ int, _ string) error {
	l.released++
	return nil
}

func (l *fakeLeaser) GetIdempotencyValue(_ context.Context, key string) (string, error) {
	return l.idem[key], nil
}

func (l *fakeLeaser) SetIdempotencyKey(_ context.Context, key string, value interface{}, _ time.Duration) error {
	l.idem[key] = fmt.Sprintf("%v", value)
	return nil
}

type fakePublisher struct {
	events []string
}

func (p *fakePublisher) PublishAppointmentCreated(_ context.Context, e *models.AppointmentCreatedEvent) error {
	p.events = append(p.events, e.EventType)
	return nil
}

func (p *fakePublisher) PublishAppointmentRescheduled(_ context.Context, e *models.AppointmentRescheduledEvent) error {
	p.events = append(p.events, e.EventType)
	return nil
}

func (p *fakePublisher) PublishAppointmentCancelled(_ context.Context, e *models.AppointmentCancelledEvent) error {
	p.events = append(p.events, e.EventType)
	return nil
}

func (p *fakePublisher) PublishAppointmentCompleted(_ context.Context, e *models.AppointmentCompletedEvent) error {
	p.events = append(p.events, e.EventType)
	return nil
}

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)

func newBookingFixture(t *testing.T) (*fakeStore, *fakeLeaser, *fakePublisher, *AppointmentService) {
	t.Helper()

	st := newFakeStore()
	st.users[1] = &models.User{ID: 1, Name: "Ada", Email: "ada@example.com"}
	st.users[2] = &models.User{ID: 2, Name: "Ben", Email: "ben@example.com"}
	st.orders[100] = &models.Order{ID: 100, UserID: 1, Status: models.OrderStatusAwaitingPickup}
	st.orders[200] = &models.Order{ID: 200, UserID: 2, Status: models.OrderStatusAwaitingPickup}
	st.orders[300] = &models.Order{ID: 300, UserID: 1, Status: models.OrderStatusAwaitingPickup}
	st.products[10] = &models.Product{ID: 10, SKU: "TST-1", Name: "Toaster", LengthCM: 20, WidthCM: 20, HeightCM: 20}
	st.products[40] = &models.Product{ID: 40, SKU: "FRG-1", Name: "Mini Fridge", LengthCM: 100, WidthCM: 100, HeightCM: 100}
	st.units[501] = &models.IndividualProduct{ID: 501, UserID: 1, OrderID: 100, ProductID: 10, Status: models.ItemStatusAvailable}
	st.units[502] = &models.IndividualProduct{ID: 502, UserID: 1, OrderID: 100, ProductID: 10, Status: models.ItemStatusAvailable}
	st.units[503] = &models.IndividualProduct{ID: 503, UserID: 1, OrderID: 100, ProductID: 40, Status: models.ItemStatusAvailable}
	st.units[504] = &models.IndividualProduct{ID: 504, UserID: 1, OrderID: 300, ProductID: 10, Status: models.ItemStatusAvailable}
	st.units[601] = &models.IndividualProduct{ID: 601, UserID: 2, OrderID: 200, ProductID: 10, Status: models.ItemStatusAvailable}

	cfg := testBusinessConfig()
	availability := NewAvailabilityService(st, cfg)
	availability.now = func() time.Time { return testNow }
	penalties := NewPenaltyService(st, 24*time.Hour)
	penalties.now = func() time.Time { return testNow }

	leaser := newFakeLeaser()
	publisher := &fakePublisher{}
	svc := NewAppointmentService(st, availability, penalties, leaser, publisher, cfg)
	svc.now = func() time.Time { return testNow }

	return st, leaser, publisher, svc
}

func createRequest(unitID int64, locker int) *CreateAppointmentRequest {
	return &CreateAppointmentRequest{
		UserID:        1,
		OrderID:       100,
		ScheduledDate: "2026-03-11",
		TimeSlot:      "10:00",
		Items:         []BookingItemRequest{{IndividualProductID: unitID, LockerNumber: locker}},
	}
}

func TestCreateAppointment(t *testing.T) {
	st, leaser, publisher, svc := newBookingFixture(t)

	resp, err := svc.Create(context.Background(), createRequest(501, 3))
	require.NoError(t, err)
	require.NotNil(t, resp.Appointment)
	assert.False(t, resp.Merged)

	appt := resp.Appointment
	assert.Equal(t, models.AppointmentStatusScheduled, appt.Status)
	assert.Equal(t, "10:00", appt.TimeSlot)
	require.Len(t, appt.Items, 1)
	assert.Equal(t, 3, appt.Items[0].LockerNumber)

	assert.Equal(t, models.ItemStatusReserved, st.units[501].Status)
	assert.Equal(t, models.OrderStatusReadyForPickup, st.orders[100].Status)

	live := st.liveAssignments()
	require.Len(t, live, 1)
	assert.Equal(t, 3, live[0].LockerNumber)
	assert.Equal(t, "Ada", live[0].UserName)
	assert.Equal(t, models.AssignmentStatusReserved, live[0].Status)

	assert.Equal(t, []string{models.EventTypeAppointmentCreated}, publisher.events)
	assert.Equal(t, leaser.acquired, leaser.released)
}

func TestCreateAppointmentConflict(t *testing.T) {
	st, _, _, svc := newBookingFixture(t)

	// Another user already holds locker 3 in the cell.
	other := &CreateAppointmentRequest{
		UserID:        2,
		OrderID:       200,
		ScheduledDate: "2026-03-11",
		TimeSlot:      "10:00",
		Items:         []BookingItemRequest{{IndividualProductID: 601, LockerNumber: 3}},
	}
	_, err := svc.Create(context.Background(), other)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), createRequest(501, 3))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []int{3}, conflict.ConflictingLockers)

	// Item must not have been touched.
	assert.Equal(t, models.ItemStatusAvailable, st.units[501].Status)

	t.Run("different slot is fine", func(t *testing.T) {
		req := createRequest(501, 3)
		req.TimeSlot = "11:00"
		_, err := svc.Create(context.Background(), req)
		assert.NoError(t, err)
	})
}

func TestCreateAppointmentCapacityExceeded(t *testing.T) {
	_, _, _, svc := newBookingFixture(t)

	_, err := svc.Create(context.Background(), createRequest(503, 3))
	var exceeded *capacity.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 3, exceeded.LockerNumber)
	assert.Greater(t, exceeded.SlotsRequired, exceeded.SlotsLimit)
}

func TestCreateAppointmentValidation(t *testing.T) {
	_, _, _, svc := newBookingFixture(t)

	cases := []struct {
		name   string
		mutate func(*CreateAppointmentRequest)
	}{
		{"off-grid slot", func(r *CreateAppointmentRequest) { r.TimeSlot = "10:30" }},
		{"past date", func(r *CreateAppointmentRequest) { r.ScheduledDate = "2026-03-09" }},
		{"beyond booking window", func(r *CreateAppointmentRequest) { r.ScheduledDate = "2026-03-20" }},
		{"bad date format", func(r *CreateAppointmentRequest) { r.ScheduledDate = "11.03.2026" }},
		{"locker outside pool", func(r *CreateAppointmentRequest) { r.Items[0].LockerNumber = 11 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := createRequest(501, 3)
			tc.mutate(req)
			_, err := svc.Create(context.Background(), req)
			var validation *ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}

	t.Run("insufficient lead time", func(t *testing.T) {
		req := createRequest(501, 3)
		req.ScheduledDate = "2026-03-10"
		req.TimeSlot = "09:00"
		_, err := svc.Create(context.Background(), req)
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation)
	})
}

func TestCreateAppointmentPenaltyBlocked(t *testing.T) {
	st, _, _, svc := newBookingFixture(t)
	st.penalties = append(st.penalties, models.PenaltyRecord{
		ID: 1, UserID: 1,
		ViolationDate: time.Date(2026, 3, 11, 0, 0, 0, 0, time.Local),
		CreatedAt:     testNow.Add(-time.Hour),
	})

	_, err := svc.Create(context.Background(), createRequest(501, 3))
	var blocked *PenaltyBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, int64(1), blocked.UserID)

	// A different day stays bookable.
	req := createRequest(501, 3)
	req.ScheduledDate = "2026-03-12"
	_, err = svc.Create(context.Background(), req)
	assert.NoError(t, err)
}

func TestCreateAppointmentMerge(t *testing.T) {
	st, _, _, svc := newBookingFixture(t)

	first, err := svc.Create(context.Background(), createRequest(501, 3))
	require.NoError(t, err)

	resp, err := svc.Create(context.Background(), createRequest(502, 3))
	require.NoError(t, err)
	assert.True(t, resp.Merged)
	assert.Equal(t, first.Appointment.ID, resp.Appointment.ID)
	assert.Len(t, resp.Appointment.Items, 2)

	// Still one live projection for the locker, now with both products.
	live := st.liveAssignments()
	require.Len(t, live, 1)
	assert.Len(t, live[0].Products, 2)
	assert.Equal(t, models.ItemStatusReserved, st.units[502].Status)

	t.Run("merged-in order becomes pickup ready", func(t *testing.T) {
		resp, err := svc.Create(context.Background(), &CreateAppointmentRequest{
			UserID: 1, OrderID: 300,
			ScheduledDate: "2026-03-11", TimeSlot: "10:00",
			Items: []BookingItemRequest{{IndividualProductID: 504, LockerNumber: 3}},
		})
		require.NoError(t, err)
		assert.True(t, resp.Merged)
		assert.Equal(t, models.OrderStatusReadyForPickup, st.orders[300].Status)
	})
}

func TestCreateAppointmentMergeIdempotencyReplay(t *testing.T) {
	st, _, _, svc := newBookingFixture(t)

	_, err := svc.Create(context.Background(), createRequest(501, 3))
	require.NoError(t, err)

	req := createRequest(502, 3)
	req.IdempotencyKey = "merge-retry-1"
	merged, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.True(t, merged.Merged)

	// Retrying the merged booking replays it instead of tripping over
	// the already reserved unit.
	again, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, merged.Appointment.ID, again.Appointment.ID)
	assert.Len(t, st.appointments[merged.Appointment.ID].Items, 2)
}

func TestCreateAppointmentIdempotencyReplay(t *testing.T) {
	st, _, _, svc := newBookingFixture(t)

	req := createRequest(501, 3)
	req.IdempotencyKey = "retry-abc"
	first, err := svc.Create(context.Background(), req)
	require.NoError(t, err)

	before := len(st.appointments)
	again, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Appointment.ID, again.Appointment.ID)
	assert.Equal(t, before, len(st.appointments))
}

func TestCreateAppointmentLeaseDenied(t *testing.T) {
	_, leaser, _, svc := newBookingFixture(t)
	leaser.denyLocker = 3

	_, err := svc.Create(context.Background(), createRequest(501, 3))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestUpdateAppointment(t *testing.T) {
	st, _, publisher, svc := newBookingFixture(t)

	resp, err := svc.Create(context.Background(), createRequest(501, 3))
	require.NoError(t, err)
	apptID := resp.Appointment.ID

	locker := 5
	updated, err := svc.Update(context.Background(), apptID, &UpdateAppointmentRequest{
		UserID:        1,
		ScheduledDate: "2026-03-12",
		TimeSlot:      "14:00",
		LockerNumber:  &locker,
	})
	require.NoError(t, err)
	assert.Equal(t, "14:00", updated.TimeSlot)
	assert.Equal(t, []int{5}, updated.LockerNumbers())

	live := st.liveAssignments()
	require.Len(t, live, 1)
	assert.Equal(t, 5, live[0].LockerNumber)
	assert.Contains(t, publisher.events, models.EventTypeAppointmentRescheduled)

	t.Run("reschedule into occupied cell conflicts", func(t *testing.T) {
		other := &CreateAppointmentRequest{
			UserID: 2, OrderID: 200,
			ScheduledDate: "2026-03-12", TimeSlot: "15:00",
			Items: []BookingItemRequest{{IndividualProductID: 601, LockerNumber: 5}},
		}
		_, err := svc.Create(context.Background(), other)
		require.NoError(t, err)

		_, err = svc.Update(context.Background(), apptID, &UpdateAppointmentRequest{
			UserID: 1, ScheduledDate: "2026-03-12", TimeSlot: "15:00",
		})
		var conflict *ConflictError
		assert.ErrorAs(t, err, &conflict)
	})

	t.Run("own other appointment holding the locker rejects the move", func(t *testing.T) {
		second, err := svc.Create(context.Background(), &CreateAppointmentRequest{
			UserID: 1, OrderID: 100,
			ScheduledDate: "2026-03-12", TimeSlot: "14:00",
			Items: []BookingItemRequest{{IndividualProductID: 502, LockerNumber: 6}},
		})
		require.NoError(t, err)
		require.False(t, second.Merged)

		target := 5
		_, err = svc.Update(context.Background(), second.Appointment.ID, &UpdateAppointmentRequest{
			UserID: 1, ScheduledDate: "2026-03-12", TimeSlot: "14:00", LockerNumber: &target,
		})
		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Contains(t, validation.Error(), "already hold locker 5")
	})

	t.Run("cancelled appointment cannot move", func(t *testing.T) {
		_, err := svc.Cancel(context.Background(), apptID, 1, "user", "changed plans")
		require.NoError(t, err)

		_, err = svc.Update(context.Background(), apptID, &UpdateAppointmentRequest{
			UserID: 1, ScheduledDate: "2026-03-13", TimeSlot: "10:00",
		})
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation)
	})
}

func TestCancelAppointment(t *testing.T) {
	st, _, publisher, svc := newBookingFixture(t)

	resp, err := svc.Create(context.Background(), createRequest(501, 3))
	require.NoError(t, err)
	apptID := resp.Appointment.ID

	cancelled, err := svc.Cancel(context.Background(), apptID, 1, "user", "changed plans")
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentStatusCancelled, cancelled.Status)
	assert.Equal(t, "user", cancelled.CancelledBy)

	// Unit and locker released.
	assert.Equal(t, models.ItemStatusAvailable, st.units[501].Status)
	assert.Empty(t, st.liveAssignments())
	assert.Contains(t, publisher.events, models.EventTypeAppointmentCancelled)

	t.Run("cancel twice is a no-op", func(t *testing.T) {
		again, err := svc.Cancel(context.Background(), apptID, 1, "user", "again")
		require.NoError(t, err)
		assert.Equal(t, models.AppointmentStatusCancelled, again.Status)
	})

	t.Run("freed locker is bookable again", func(t *testing.T) {
		_, err := svc.Create(context.Background(), createRequest(502, 3))
		assert.NoError(t, err)
	})
}

func TestCompleteAppointment(t *testing.T) {
	st, _, publisher, svc := newBookingFixture(t)

	resp, err := svc.Create(context.Background(), createRequest(501, 3))
	require.NoError(t, err)
	apptID := resp.Appointment.ID

	_, err = svc.Confirm(context.Background(), apptID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentStatusConfirmed, st.appointments[apptID].Status)

	require.NoError(t, svc.Complete(context.Background(), apptID))
	assert.Equal(t, models.AppointmentStatusCompleted, st.appointments[apptID].Status)
	assert.Equal(t, models.ItemStatusPickedUp, st.units[501].Status)
	// Units 502 and 503 of the same order are still unpicked, so the
	// order stays open for further appointments.
	assert.Equal(t, models.OrderStatusReadyForPickup, st.orders[100].Status)
	assert.Contains(t, publisher.events, models.EventTypeAppointmentCompleted)

	t.Run("complete twice is a no-op", func(t *testing.T) {
		assert.NoError(t, svc.Complete(context.Background(), apptID))
	})

	t.Run("cancelled appointment cannot complete", func(t *testing.T) {
		resp, err := svc.Create(context.Background(), createRequest(502, 4))
		require.NoError(t, err)
		_, err = svc.Cancel(context.Background(), resp.Appointment.ID, 1, "user", "")
		require.NoError(t, err)

		err = svc.Complete(context.Background(), resp.Appointment.ID)
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("order closes once its last unit is picked up", func(t *testing.T) {
		resp, err := svc.Create(context.Background(), &CreateAppointmentRequest{
			UserID: 1, OrderID: 300,
			ScheduledDate: "2026-03-11", TimeSlot: "10:00",
			Items: []BookingItemRequest{{IndividualProductID: 504, LockerNumber: 5}},
		})
		require.NoError(t, err)

		require.NoError(t, svc.Complete(context.Background(), resp.Appointment.ID))
		assert.Equal(t, models.OrderStatusCompleted, st.orders[300].Status)
	})
}
