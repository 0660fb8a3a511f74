package service

import (
	"context"
	"errors"
	"sync"

	"retrieval-service/internal/models"
	"retrieval-service/internal/store"
)

var errInjected = errors.New("injected failure")

// faultyStore wraps the memory store and fails selected operations
type faultyStore struct {
	*store.Memory

	mu             sync.Mutex
	failFetch      bool
	failFlip       bool
	failStatus     bool
	failNotify     bool
	failProducts   bool
	failDeductFor  map[string]bool
	afterFetchHook func()
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Memory: store.NewMemory(), failDeductFor: map[string]bool{}}
}

func (f *faultyStore) GetPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error) {
	if f.failFetch {
		return nil, errInjected
	}
	items, err := f.Memory.GetPendingLineItems(ctx, batchID)
	if f.afterFetchHook != nil {
		f.afterFetchHook()
	}
	return items, err
}

func (f *faultyStore) ConfirmPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error) {
	if f.failFlip {
		return nil, errInjected
	}
	return f.Memory.ConfirmPendingLineItems(ctx, batchID)
}

func (f *faultyStore) DeductStock(ctx context.Context, productID string, qty int) (*models.ProductStock, error) {
	f.mu.Lock()
	fail := f.failDeductFor[productID]
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return f.Memory.DeductStock(ctx, productID, qty)
}

func (f *faultyStore) SetRetrievalStatus(ctx context.Context, batchID string, status models.RetrievalStatus) error {
	if f.failStatus {
		return errInjected
	}
	return f.Memory.SetRetrievalStatus(ctx, batchID, status)
}

func (f *faultyStore) InsertNotification(ctx context.Context, n *models.Notification) error {
	if f.failNotify {
		return errInjected
	}
	return f.Memory.InsertNotification(ctx, n)
}

func (f *faultyStore) ListProducts(ctx context.Context) ([]models.ProductStock, error) {
	if f.failProducts {
		return nil, errInjected
	}
	return f.Memory.ListProducts(ctx)
}

// recordingEvents captures batch decision events
type recordingEvents struct {
	mu     sync.Mutex
	events []*models.BatchDecidedEvent
	err    error
}

func (r *recordingEvents) PublishBatchDecided(ctx context.Context, event *models.BatchDecidedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// recordingBus captures published notifications
type recordingBus struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (r *recordingBus) Publish(ctx context.Context, n models.Notification) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return 0
}

func (r *recordingBus) notifications() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.sent...)
}

func intPtr(v int) *int { return &v }
