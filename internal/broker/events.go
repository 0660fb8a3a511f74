package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"retrieval-service/internal/bus"
	"retrieval-service/internal/models"
	"retrieval-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer       *Producer
	retrievalTopic string
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer, retrievalTopic string) *EventPublisher {
	return &EventPublisher{producer: producer, retrievalTopic: retrievalTopic}
}

// PublishBatchDecided publishes BATCH_CONFIRMED or BATCH_DECLINED
func (ep *EventPublisher) PublishBatchDecided(ctx context.Context, event *models.BatchDecidedEvent) error {
	return ep.producer.PublishEvent(ctx, ep.retrievalTopic, "batch-"+event.BatchID, event)
}

// PublishNotification publishes a bus notification for downstream consumers
func (ep *EventPublisher) PublishNotification(ctx context.Context, n models.Notification) error {
	event := &models.NotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeNotification,
			Timestamp: time.Now(),
		},
		Notification: n,
	}
	return ep.producer.PublishEvent(ctx, ep.retrievalTopic, "notification-"+n.TargetRole, event)
}

// Forwarder returns a bus observer that relays notifications to Kafka
func (ep *EventPublisher) Forwarder() bus.Observer {
	return func(ctx context.Context, n models.Notification) error {
		return ep.PublishNotification(ctx, n)
	}
}

// EventHandler routes incoming inventory events
type EventHandler struct {
	onProductChanged func(context.Context, *models.ProductChangedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnProductChanged registers a handler for PRODUCT_CHANGED events
func (eh *EventHandler) OnProductChanged(handler func(context.Context, *models.ProductChangedEvent) error) {
	eh.onProductChanged = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeProductChanged:
		if eh.onProductChanged != nil {
			var event models.ProductChangedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ProductChanged event: %w", err)
			}
			return eh.onProductChanged(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type",
			zap.String("event_type", baseEvent.EventType),
			zap.String("event_id", baseEvent.EventID))
	}

	return nil
}
