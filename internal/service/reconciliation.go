package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"retrieval-service/internal/models"
	"retrieval-service/internal/store"
	"retrieval-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrEmptyBatchID is returned when confirm or decline is called without a batch id
var ErrEmptyBatchID = errors.New("batch id is required")

// Best-effort steps reported in warnings
const (
	StepStockLookup  = "stock_lookup"
	StepDeduction    = "deduction"
	StepStatusUpdate = "status_update"
	StepNotification = "notification"
	StepEventPublish = "event_publish"
)

const defaultSideEffectTimeout = 15 * time.Second

// NotificationPublisher delivers notifications to in-process observers
type NotificationPublisher interface {
	Publish(ctx context.Context, n models.Notification) int
}

// DecisionEventPublisher forwards batch decisions to downstream services
type DecisionEventPublisher interface {
	PublishBatchDecided(ctx context.Context, event *models.BatchDecidedEvent) error
}

// RetrievalEngine drives retrieval batches through confirm and decline
type RetrievalEngine struct {
	store             store.DataStore
	bus               NotificationPublisher
	events            DecisionEventPublisher
	logger            *zap.Logger
	now               func() time.Time
	sideEffectTimeout time.Duration
}

// NewRetrievalEngine creates a new engine. events may be nil.
func NewRetrievalEngine(ds store.DataStore, bus NotificationPublisher, events DecisionEventPublisher) *RetrievalEngine {
	return &RetrievalEngine{
		store:             ds,
		bus:               bus,
		events:            events,
		logger:            util.GetLogger(),
		now:               time.Now,
		sideEffectTimeout: defaultSideEffectTimeout,
	}
}

// ListPending groups actionable unconfirmed line items into batches, newest
// batch first. Items keep insertion order within a batch.
func (e *RetrievalEngine) ListPending(ctx context.Context) ([]models.RetrievalBatch, error) {
	ctx, span := util.StartSpan(ctx, "RetrievalEngine.ListPending")
	defer span.End()

	items, err := e.store.ListPendingLineItems(ctx, models.ActionableStatuses)
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to list pending batches: %w", err)
	}

	return GroupBatches(items), nil
}

// GroupBatches groups line items by batch id
func GroupBatches(items []models.RetrievalLineItem) []models.RetrievalBatch {
	batches := []models.RetrievalBatch{}
	index := make(map[string]int)

	for _, item := range items {
		i, ok := index[item.BatchID]
		if !ok {
			index[item.BatchID] = len(batches)
			batches = append(batches, models.RetrievalBatch{
				BatchID:       item.BatchID,
				SecretaryID:   item.SecretaryID,
				SecretaryName: item.SecretaryName,
				CreatedAt:     item.CreatedAt,
				Items:         []models.RetrievalLineItem{item},
			})
			continue
		}

		b := &batches[i]
		b.Items = append(b.Items, item)
		if item.CreatedAt.Before(b.CreatedAt) {
			b.CreatedAt = item.CreatedAt
		}
	}

	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
	return batches
}

// Confirm approves a batch: flips its pending items and deducts their stock
func (e *RetrievalEngine) Confirm(ctx context.Context, batchID string) (*models.DecisionResult, error) {
	return e.decide(ctx, batchID, models.DecisionConfirm)
}

// Decline rejects a batch: flips its pending items without touching stock
func (e *RetrievalEngine) Decline(ctx context.Context, batchID string) (*models.DecisionResult, error) {
	return e.decide(ctx, batchID, models.DecisionDecline)
}

// decide runs the decision saga. The conditional flip is the commit point;
// deduction, status, notification and event run afterwards over exactly the
// rows the flip returned, so a line item is deducted at most once.
func (e *RetrievalEngine) decide(ctx context.Context, batchID string, decision models.Decision) (*models.DecisionResult, error) {
	ctx, span := util.StartSpan(ctx, "RetrievalEngine.Decide",
		attribute.String("batch_id", batchID),
		attribute.String("decision", string(decision)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.DecisionLatency.WithLabelValues(string(decision)).Observe(time.Since(start).Seconds())
	}()

	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, ErrEmptyBatchID
	}

	result := &models.DecisionResult{
		BatchID:    batchID,
		Decision:   decision,
		Deductions: []models.Deduction{},
		Warnings:   []models.Warning{},
	}

	pending, err := e.store.GetPendingLineItems(ctx, batchID)
	if err != nil {
		util.BatchDecisionsFailedTotal.WithLabelValues(string(decision), "fetch").Inc()
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to fetch pending line items: %w", err)
	}
	if len(pending) == 0 {
		return e.alreadyHandled(result), nil
	}

	flipped, err := e.store.ConfirmPendingLineItems(ctx, batchID)
	if err != nil {
		util.BatchDecisionsFailedTotal.WithLabelValues(string(decision), "flip").Inc()
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to mark batch processed: %w", err)
	}
	if len(flipped) == 0 {
		// a concurrent decision flipped the rows between fetch and update
		return e.alreadyHandled(result), nil
	}

	result.OK = true
	result.ItemsProcessed = len(flipped)
	result.DecidedAt = e.now()
	util.BatchDecisionsTotal.WithLabelValues(string(decision)).Inc()

	e.logger.Info("Batch decided",
		zap.String("batch_id", batchID),
		zap.String("decision", string(decision)),
		zap.Int("items", len(flipped)))

	// The rows are committed; abandoning the request must not strand them
	// without their side effects.
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sideEffectTimeout)
	defer cancel()

	if decision == models.DecisionConfirm {
		e.deductStock(sideCtx, batchID, flipped, result)
	}
	e.updateStatus(sideCtx, batchID, decision, result)
	e.notify(sideCtx, batchID, decision, result)
	e.publishEvent(sideCtx, flipped, result)

	for _, w := range result.Warnings {
		util.DecisionWarningsTotal.WithLabelValues(w.Step).Inc()
	}
	if len(result.Warnings) > 0 {
		span.SetAttributes(attribute.Int("warnings", len(result.Warnings)))
	}

	return result, nil
}

func (e *RetrievalEngine) alreadyHandled(result *models.DecisionResult) *models.DecisionResult {
	result.OK = true
	result.AlreadyHandled = true
	util.BatchDecisionsNoopTotal.WithLabelValues(string(result.Decision)).Inc()
	e.logger.Info("Batch already handled",
		zap.String("batch_id", result.BatchID),
		zap.String("decision", string(result.Decision)))
	return result
}

// deductStock is best-effort per item: a missing product or failed update is
// recorded and the remaining items are still deducted.
func (e *RetrievalEngine) deductStock(ctx context.Context, batchID string, items []models.RetrievalLineItem, result *models.DecisionResult) {
	ctx, span := util.StartSpan(ctx, "RetrievalEngine.DeductStock", attribute.String("batch_id", batchID))
	defer span.End()

	actionable := 0
	for _, item := range items {
		if !item.Status.Actionable() {
			continue
		}
		actionable++

		qty := item.RequestedQty()
		if qty == 0 {
			continue
		}

		stock, err := e.store.DeductStock(ctx, item.ProductID, qty)
		if errors.Is(err, store.ErrStockNotFound) {
			e.logger.Warn("No stock record for retrieved product, skipping",
				zap.String("batch_id", batchID),
				zap.String("product_id", item.ProductID))
			result.Warnings = append(result.Warnings, models.Warning{
				Step:      StepStockLookup,
				ProductID: item.ProductID,
				Message:   "no stock record for product",
			})
			continue
		}
		if err != nil {
			e.logger.Error("Failed to deduct stock",
				zap.String("batch_id", batchID),
				zap.String("product_id", item.ProductID),
				zap.Int("qty", qty),
				zap.Error(err))
			result.Warnings = append(result.Warnings, models.Warning{
				Step:      StepDeduction,
				ProductID: item.ProductID,
				Message:   err.Error(),
			})
			continue
		}

		util.StockDeductionsTotal.Inc()
		result.Deductions = append(result.Deductions, models.Deduction{
			LineItemID:   item.ID,
			ProductID:    item.ProductID,
			RequestedQty: qty,
			QuantityLeft: stock.QuantityOnHand,
		})
	}

	if actionable > 0 && actionable < len(items) {
		e.logger.Warn("Mixed-status batch; only actionable items were deducted",
			zap.String("batch_id", batchID),
			zap.Int("actionable", actionable),
			zap.Int("items", len(items)))
	}
}

func (e *RetrievalEngine) updateStatus(ctx context.Context, batchID string, decision models.Decision, result *models.DecisionResult) {
	if err := e.store.SetRetrievalStatus(ctx, batchID, decision.TerminalStatus()); err != nil {
		e.logger.Warn("Failed to update retrieval status",
			zap.String("batch_id", batchID),
			zap.Error(err))
		result.Warnings = append(result.Warnings, models.Warning{
			Step:    StepStatusUpdate,
			Message: err.Error(),
		})
	}
}

func (e *RetrievalEngine) notify(ctx context.Context, batchID string, decision models.Decision, result *models.DecisionResult) {
	decidedAt := result.DecidedAt
	n := models.Notification{
		ID:         uuid.New().String(),
		TargetRole: models.RoleSecretary,
		Body:       models.NotificationBody{BatchID: batchID},
	}

	if decision == models.DecisionConfirm {
		n.Kind = models.NotificationBatchConfirmed
		n.Title = "Retrieval confirmed"
		n.Body.ConfirmedAt = &decidedAt
	} else {
		n.Kind = models.NotificationBatchDeclined
		n.Title = "Retrieval declined"
		n.Body.DeclinedAt = &decidedAt
	}

	if err := e.store.InsertNotification(ctx, &n); err != nil {
		e.logger.Warn("Failed to store notification",
			zap.String("batch_id", batchID),
			zap.Error(err))
		result.Warnings = append(result.Warnings, models.Warning{
			Step:    StepNotification,
			Message: err.Error(),
		})
	}

	if e.bus != nil {
		e.bus.Publish(ctx, n)
	}
}

func (e *RetrievalEngine) publishEvent(ctx context.Context, items []models.RetrievalLineItem, result *models.DecisionResult) {
	if e.events == nil {
		return
	}

	eventType := models.EventTypeBatchConfirmed
	if result.Decision == models.DecisionDecline {
		eventType = models.EventTypeBatchDeclined
	}

	data := make([]models.ItemData, 0, len(items))
	for _, item := range items {
		data = append(data, models.ItemData{
			LineItemID:   item.ID,
			ProductID:    item.ProductID,
			RequestedQty: item.RequestedQty(),
		})
	}

	event := &models.BatchDecidedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: result.DecidedAt,
		},
		BatchID:    result.BatchID,
		Decision:   result.Decision,
		Items:      data,
		Deductions: result.Deductions,
	}

	if err := e.events.PublishBatchDecided(ctx, event); err != nil {
		e.logger.Error("Failed to publish batch decision event",
			zap.String("batch_id", result.BatchID),
			zap.Error(err))
		result.Warnings = append(result.Warnings, models.Warning{
			Step:    StepEventPublish,
			Message: err.Error(),
		})
	}
}
