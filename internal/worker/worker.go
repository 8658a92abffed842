package worker

import (
	"context"
	"time"

	"locker-service/internal/broker"
	"locker-service/internal/models"
	"locker-service/internal/service"
	"locker-service/internal/store"
	"locker-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweepStore is the persistence surface of the expiry sweeper.
type SweepStore interface {
	ListExpired(ctx context.Context, now time.Time) ([]models.Appointment, error)
	MarkNoShow(ctx context.Context, appointmentID int64, penalty *models.PenaltyRecord, now time.Time) (bool, error)
	PurgeExpiredPenalties(ctx context.Context, olderThan time.Time) (int64, error)
}

// ExpirySweeper periodically finalizes appointments whose slot has
// passed without pickup: the appointment becomes a no-show, its
// lockers and items are released, and a penalty is recorded in the
// same transaction.
type ExpirySweeper struct {
	store     SweepStore
	publisher *broker.EventPublisher
	interval  time.Duration
	decay     time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewExpirySweeper creates a new expiry sweeper
func NewExpirySweeper(st SweepStore, publisher *broker.EventPublisher, interval, decay time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		store:     st,
		publisher: publisher,
		interval:  interval,
		decay:     decay,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// Start runs sweep passes until the context is cancelled. One pass
// runs immediately so a restart does not wait a full interval to
// catch up.
func (s *ExpirySweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting expiry sweeper", zap.Duration("interval", s.interval))

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep finalizes every past-due active appointment. Losing a
// finalize race to a concurrent canceller or completer is not an
// error; the appointment simply no longer needs sweeping.
func (s *ExpirySweeper) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		util.ExpirySweepLatency.Observe(time.Since(start).Seconds())
	}()

	now := s.now()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		s.logger.Error("Failed to list expired appointments", zap.Error(err))
		return
	}

	finalized := 0
	for i := range expired {
		appt := &expired[i]
		penalty := &models.PenaltyRecord{
			UserID:        appt.UserID,
			ViolationDate: appt.ScheduledDate,
			Reason:        "appointment expired without pickup",
		}

		done, err := s.store.MarkNoShow(ctx, appt.ID, penalty, now)
		if err != nil {
			s.logger.Error("Failed to finalize expired appointment",
				zap.Int64("appointment_id", appt.ID), zap.Error(err))
			continue
		}
		if !done {
			continue
		}

		finalized++
		util.AppointmentsExpiredTotal.Inc()
		util.PenaltiesRecordedTotal.Inc()
		s.logger.Info("Appointment finalized as no-show",
			zap.Int64("appointment_id", appt.ID),
			zap.Int64("user_id", appt.UserID),
			zap.String("date", appt.ScheduledDate.Format("2006-01-02")),
			zap.String("time_slot", appt.TimeSlot))

		s.publishNoShow(ctx, appt)
	}

	// Ledger hygiene: decayed records no longer count anywhere, drop
	// them once they are safely past the window.
	purged, err := s.store.PurgeExpiredPenalties(ctx, now.Add(-2*s.decay))
	if err != nil {
		s.logger.Error("Failed to purge decayed penalties", zap.Error(err))
	}

	if finalized > 0 || purged > 0 {
		s.logger.Info("Sweep pass finished",
			zap.Int("expired", len(expired)),
			zap.Int("finalized", finalized),
			zap.Int64("penalties_purged", purged))
	}
}

func (s *ExpirySweeper) publishNoShow(ctx context.Context, appt *models.Appointment) {
	if s.publisher == nil {
		return
	}
	event := &models.AppointmentNoShowEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeAppointmentNoShow,
			Timestamp: time.Now(),
		},
		AppointmentID: appt.ID,
		UserID:        appt.UserID,
		ScheduledDate: appt.ScheduledDate.Format("2006-01-02"),
		TimeSlot:      appt.TimeSlot,
	}
	if err := s.publisher.PublishAppointmentNoShow(ctx, event); err != nil {
		s.logger.Error("Failed to publish AppointmentNoShow event", zap.Error(err))
	}
}

// EventWorker consumes collaborator events: settled payments make
// orders pickup-eligible, confirmed pickups complete appointments.
type EventWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewEventWorker creates a new event worker
func NewEventWorker(
	consumer *broker.Consumer,
	st *store.Store,
	appointments *service.AppointmentService,
) *EventWorker {
	logger := util.GetLogger()
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentSettled(func(ctx context.Context, event *models.PaymentSettledEvent) error {
		logger.Info("Payment settled, order awaiting pickup", zap.Int64("order_id", event.OrderID))
		return st.MarkOrderAwaitingPickup(ctx, event.OrderID)
	})

	eventHandler.OnPickupConfirmed(func(ctx context.Context, event *models.PickupConfirmedEvent) error {
		logger.Info("Pickup confirmed", zap.Int64("appointment_id", event.AppointmentID))
		return appointments.Complete(ctx, event.AppointmentID)
	})

	return &EventWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// Start starts the worker
func (w *EventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *EventWorker) Stop() error {
	w.logger.Info("Stopping event worker")
	return w.consumer.Close()
}
