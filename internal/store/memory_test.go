package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"retrieval-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestMemoryConcurrentConfirmFlipsEachItemOnce(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 10; i++ {
		m.AddLineItem(models.RetrievalLineItem{
			BatchID: "A", ProductID: "p1", Qty: intPtr(1), Status: models.LineItemStatusSold,
		})
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flipped, err := m.ConfirmPendingLineItems(context.Background(), "A")
			assert.NoError(t, err)
			mu.Lock()
			total += len(flipped)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, total)
	pending, err := m.GetPendingLineItems(context.Background(), "A")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryListPendingFiltersStatusAndKeepsOrder(t *testing.T) {
	m := NewMemory()
	first := m.AddLineItem(models.RetrievalLineItem{BatchID: "A", Status: models.LineItemStatusSold})
	m.AddLineItem(models.RetrievalLineItem{BatchID: "A", Status: models.LineItemStatusRequested})
	second := m.AddLineItem(models.RetrievalLineItem{BatchID: "B", Status: models.LineItemStatusPharmacyStock})
	m.AddLineItem(models.RetrievalLineItem{BatchID: "C", Status: models.LineItemStatusSold, AdminConfirmed: true})

	items, err := m.ListPendingLineItems(context.Background(), models.ActionableStatuses)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, second.ID, items[1].ID)
}

func TestMemoryDeductStock(t *testing.T) {
	m := NewMemory()
	m.PutProduct(models.ProductStock{ProductID: "p1", Name: "Ibuprofen", QuantityOnHand: 3})

	stock, err := m.DeductStock(context.Background(), "p1", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, stock.QuantityOnHand)

	_, err = m.DeductStock(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, ErrStockNotFound)
}

func TestMemoryChangesDeliversProductEvents(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Changes(ctx)
	require.NoError(t, err)

	m.PutProduct(models.ProductStock{ProductID: "p1", QuantityOnHand: 4})
	m.PutProduct(models.ProductStock{ProductID: "p1", QuantityOnHand: 2})
	m.DeleteProduct("p1")

	var ops []models.ChangeOp
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, CollectionProducts, ev.Collection)
			assert.Equal(t, "p1", ev.RecordID)
			ops = append(ops, ev.Op)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change event")
		}
	}
	assert.Equal(t, []models.ChangeOp{models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete}, ops)

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryNotificationsNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.InsertNotification(ctx, &models.Notification{TargetRole: models.RoleSecretary, Title: "one"}))
	require.NoError(t, m.InsertNotification(ctx, &models.Notification{TargetRole: models.RoleAdmin, Title: "admin"}))
	require.NoError(t, m.InsertNotification(ctx, &models.Notification{TargetRole: models.RoleSecretary, Title: "two"}))

	out, err := m.ListNotifications(ctx, models.RoleSecretary, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "two", out[0].Title)
	assert.Equal(t, "one", out[1].Title)
	assert.NotEmpty(t, out[0].ID)
}
