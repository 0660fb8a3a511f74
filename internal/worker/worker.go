package worker

import (
	"context"
	"time"

	"retrieval-service/internal/broker"
	"retrieval-service/internal/models"
	"retrieval-service/internal/store"
	"retrieval-service/internal/util"

	"go.uber.org/zap"
)

// Classifier runs one classification pass
type Classifier interface {
	RunPass(ctx context.Context) (*models.AlertSnapshot, error)
}

// AlertWorker re-runs the alert classifier at start, on every change-feed
// event, on a ticker and on explicit triggers. Bursts collapse into one pass.
type AlertWorker struct {
	classifier Classifier
	feed       store.ChangeFeed
	interval   time.Duration
	trigger    chan struct{}
	logger     *zap.Logger
}

// NewAlertWorker creates a new alert worker. feed may be nil.
func NewAlertWorker(classifier Classifier, feed store.ChangeFeed, interval time.Duration) *AlertWorker {
	return &AlertWorker{
		classifier: classifier,
		feed:       feed,
		interval:   interval,
		trigger:    make(chan struct{}, 1),
		logger:     util.GetLogger(),
	}
}

// Trigger requests a pass without blocking; pending requests coalesce
func (w *AlertWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Start runs until ctx is cancelled
func (w *AlertWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting alert worker", zap.Duration("interval", w.interval))

	var changes <-chan models.ChangeEvent
	if w.feed != nil {
		ch, err := w.feed.Changes(ctx)
		if err != nil {
			w.logger.Error("Change feed unavailable, relying on ticker", zap.Error(err))
		} else {
			changes = ch
		}
	}

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	w.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping alert worker")
			return nil

		case ev, ok := <-changes:
			if !ok {
				w.logger.Warn("Change feed closed, relying on ticker")
				changes = nil
				continue
			}
			w.logger.Debug("Inventory changed",
				zap.String("op", string(ev.Op)),
				zap.String("product_id", ev.RecordID))
			w.drain(changes)
			w.runPass(ctx)

		case <-tick:
			w.runPass(ctx)

		case <-w.trigger:
			w.drain(changes)
			w.runPass(ctx)
		}
	}
}

// drain discards queued events; the next pass re-reads everything
func (w *AlertWorker) drain(changes <-chan models.ChangeEvent) {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-w.trigger:
		default:
			return
		}
	}
}

func (w *AlertWorker) runPass(ctx context.Context) {
	if _, err := w.classifier.RunPass(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("Classification pass failed, keeping previous alerts", zap.Error(err))
	}
}

// InventoryWorker consumes inventory events from other services
type InventoryWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewInventoryWorker creates a worker that triggers re-classification on
// PRODUCT_CHANGED events
func NewInventoryWorker(consumer *broker.Consumer, alerts *AlertWorker) *InventoryWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnProductChanged(func(ctx context.Context, event *models.ProductChangedEvent) error {
		alerts.Trigger()
		return nil
	})

	return &InventoryWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *InventoryWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting inventory worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *InventoryWorker) Stop() error {
	util.GetLogger().Info("Stopping inventory worker")
	return w.consumer.Close()
}
