package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"retrieval-service/internal/models"

	"github.com/google/uuid"
)

// Memory is a process-local data store used for local runs and tests
type Memory struct {
	mu            sync.RWMutex
	lineItems     []models.RetrievalLineItem
	products      map[string]models.ProductStock
	statuses      map[string]models.RetrievalStatusRecord
	notifications []models.Notification
	watchers      map[int]chan models.ChangeEvent
	nextWatcher   int
	now           func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		products: make(map[string]models.ProductStock),
		statuses: make(map[string]models.RetrievalStatusRecord),
		watchers: make(map[int]chan models.ChangeEvent),
		now:      time.Now,
	}
}

// AddLineItem appends a line item; missing ids and timestamps are filled in
func (m *Memory) AddLineItem(item models.RetrievalLineItem) models.RetrievalLineItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	m.lineItems = append(m.lineItems, item)
	return item
}

// PutProduct inserts or replaces a product and notifies watchers
func (m *Memory) PutProduct(p models.ProductStock) {
	m.mu.Lock()
	op := models.ChangeUpdate
	if _, ok := m.products[p.ProductID]; !ok {
		op = models.ChangeInsert
	}
	p.UpdatedAt = m.now()
	m.products[p.ProductID] = p
	m.mu.Unlock()

	m.emit(models.ChangeEvent{Collection: CollectionProducts, Op: op, RecordID: p.ProductID})
}

// DeleteProduct removes a product and notifies watchers
func (m *Memory) DeleteProduct(productID string) {
	m.mu.Lock()
	delete(m.products, productID)
	m.mu.Unlock()

	m.emit(models.ChangeEvent{Collection: CollectionProducts, Op: models.ChangeDelete, RecordID: productID})
}

// Product returns a copy of a product record
func (m *Memory) Product(productID string) (models.ProductStock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[productID]
	return p, ok
}

// LineItems returns a copy of every line item
func (m *Memory) LineItems() []models.RetrievalLineItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RetrievalLineItem, len(m.lineItems))
	copy(out, m.lineItems)
	return out
}

// ListPendingLineItems returns unconfirmed items with one of the statuses
func (m *Memory) ListPendingLineItems(ctx context.Context, statuses []models.LineItemStatus) ([]models.RetrievalLineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allowed := make(map[models.LineItemStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}

	items := []models.RetrievalLineItem{}
	for _, li := range m.lineItems {
		if !li.AdminConfirmed && allowed[li.Status] {
			items = append(items, li)
		}
	}
	return items, nil
}

// GetPendingLineItems returns unconfirmed items of a batch
func (m *Memory) GetPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := []models.RetrievalLineItem{}
	for _, li := range m.lineItems {
		if li.BatchID == batchID && !li.AdminConfirmed {
			items = append(items, li)
		}
	}
	return items, nil
}

// ConfirmPendingLineItems flips pending items of a batch under the write lock
func (m *Memory) ConfirmPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flipped := []models.RetrievalLineItem{}
	for i := range m.lineItems {
		li := &m.lineItems[i]
		if li.BatchID == batchID && !li.AdminConfirmed {
			li.AdminConfirmed = true
			flipped = append(flipped, *li)
		}
	}
	return flipped, nil
}

// DeductStock decrements stock, floored at zero
func (m *Memory) DeductStock(ctx context.Context, productID string, qty int) (*models.ProductStock, error) {
	m.mu.Lock()
	p, ok := m.products[productID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStockNotFound, productID)
	}
	p.QuantityOnHand -= qty
	if p.QuantityOnHand < 0 {
		p.QuantityOnHand = 0
	}
	p.UpdatedAt = m.now()
	m.products[productID] = p
	m.mu.Unlock()

	m.emit(models.ChangeEvent{Collection: CollectionProducts, Op: models.ChangeUpdate, RecordID: productID})
	return &p, nil
}

// SetRetrievalStatus upserts the status row of a batch
func (m *Memory) SetRetrievalStatus(ctx context.Context, batchID string, status models.RetrievalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[batchID] = models.RetrievalStatusRecord{BatchID: batchID, Status: status, UpdatedAt: m.now()}
	return nil
}

// GetRetrievalStatus returns the status row of a batch, or nil
func (m *Memory) GetRetrievalStatus(ctx context.Context, batchID string) (*models.RetrievalStatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.statuses[batchID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// InsertNotification appends a notification
func (m *Memory) InsertNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = m.now()
	m.notifications = append(m.notifications, *n)
	return nil
}

// ListNotifications returns the newest notifications for a role
func (m *Memory) ListNotifications(ctx context.Context, role string, limit int) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.Notification{}
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if m.notifications[i].TargetRole == role {
			out = append(out, m.notifications[i])
		}
	}
	return out, nil
}

// ListProducts returns every product ordered by id
func (m *Memory) ListProducts(ctx context.Context) ([]models.ProductStock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := make([]models.ProductStock, 0, len(m.products))
	for _, p := range m.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ProductID < products[j].ProductID })
	return products, nil
}

// Changes registers a watcher that is dropped when ctx is cancelled
func (m *Memory) Changes(ctx context.Context) (<-chan models.ChangeEvent, error) {
	ch := make(chan models.ChangeEvent, 16)

	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		close(ch)
		m.mu.Unlock()
	}()

	return ch, nil
}

// emit never blocks; a slow watcher already has a pending event that will
// trigger a full re-read anyway.
func (m *Memory) emit(ev models.ChangeEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Ping always succeeds
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (m *Memory) Close() error { return nil }
