package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"locker-service/internal/models"
	"locker-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing appointment lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishAppointmentCreated publishes AppointmentCreated event
func (ep *EventPublisher) PublishAppointmentCreated(ctx context.Context, event *models.AppointmentCreatedEvent) error {
	key := fmt.Sprintf("appointment-%d", event.AppointmentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishAppointmentRescheduled publishes AppointmentRescheduled event
func (ep *EventPublisher) PublishAppointmentRescheduled(ctx context.Context, event *models.AppointmentRescheduledEvent) error {
	key := fmt.Sprintf("appointment-%d", event.AppointmentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishAppointmentCancelled publishes AppointmentCancelled event
func (ep *EventPublisher) PublishAppointmentCancelled(ctx context.Context, event *models.AppointmentCancelledEvent) error {
	key := fmt.Sprintf("appointment-%d", event.AppointmentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishAppointmentCompleted publishes AppointmentCompleted event
func (ep *EventPublisher) PublishAppointmentCompleted(ctx context.Context, event *models.AppointmentCompletedEvent) error {
	key := fmt.Sprintf("appointment-%d", event.AppointmentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishAppointmentNoShow publishes AppointmentNoShow event
func (ep *EventPublisher) PublishAppointmentNoShow(ctx context.Context, event *models.AppointmentNoShowEvent) error {
	key := fmt.Sprintf("appointment-%d", event.AppointmentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler handles events from collaborating services
type EventHandler struct {
	onPaymentSettled  func(context.Context, *models.PaymentSettledEvent) error
	onPickupConfirmed func(context.Context, *models.PickupConfirmedEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentSettled registers a handler for PaymentSettled events
func (eh *EventHandler) OnPaymentSettled(handler func(context.Context, *models.PaymentSettledEvent) error) {
	eh.onPaymentSettled = handler
}

// OnPickupConfirmed registers a handler for PickupConfirmed events
func (eh *EventHandler) OnPickupConfirmed(handler func(context.Context, *models.PickupConfirmedEvent) error) {
	eh.onPickupConfirmed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentSettled:
		if eh.onPaymentSettled != nil {
			var event models.PaymentSettledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentSettled event: %w", err)
			}
			return eh.onPaymentSettled(ctx, &event)
		}

	case models.EventTypePickupConfirmed:
		if eh.onPickupConfirmed != nil {
			var event models.PickupConfirmedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PickupConfirmed event: %w", err)
			}
			return eh.onPickupConfirmed(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
