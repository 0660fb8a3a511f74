package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"retrieval-service/internal/models"
	"retrieval-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = util.InitLogger("test")
}

type engineFixture struct {
	store  *faultyStore
	bus    *recordingBus
	events *recordingEvents
	engine *RetrievalEngine
}

func newEngineFixture() *engineFixture {
	fs := newFaultyStore()
	b := &recordingBus{}
	ev := &recordingEvents{}
	return &engineFixture{
		store:  fs,
		bus:    b,
		events: ev,
		engine: NewRetrievalEngine(fs, b, ev),
	}
}

func (f *engineFixture) product(id string, qty int) {
	f.store.PutProduct(models.ProductStock{ProductID: id, Name: "Product " + id, QuantityOnHand: qty})
}

func (f *engineFixture) item(batchID, productID string, qty int, status models.LineItemStatus) models.RetrievalLineItem {
	return f.store.AddLineItem(models.RetrievalLineItem{
		BatchID:       batchID,
		ProductID:     productID,
		Qty:           intPtr(qty),
		Status:        status,
		SecretaryID:   "sec-1",
		SecretaryName: "Dana",
	})
}

func (f *engineFixture) stock(t *testing.T, id string) int {
	p, ok := f.store.Product(id)
	require.True(t, ok)
	return p.QuantityOnHand
}

func TestConfirmDeductsAndIsIdempotent(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()
	f.product("p1", 10)
	f.product("p2", 10)
	f.item("b1", "p1", 3, models.LineItemStatusSold)
	f.store.AddLineItem(models.RetrievalLineItem{
		BatchID: "b1", ProductID: "p2", Quantity: intPtr(2), Status: models.LineItemStatusPharmacyStock,
	})

	res, err := f.engine.Confirm(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.AlreadyHandled)
	assert.Equal(t, 2, res.ItemsProcessed)
	assert.Len(t, res.Deductions, 2)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 7, f.stock(t, "p1"))
	assert.Equal(t, 8, f.stock(t, "p2"))

	status, err := f.store.GetRetrievalStatus(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, models.RetrievalStatusAdminConfirmed, status.Status)

	notes, err := f.store.ListNotifications(ctx, models.RoleSecretary, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, models.NotificationBatchConfirmed, notes[0].Kind)
	assert.Equal(t, "b1", notes[0].Body.BatchID)
	assert.NotNil(t, notes[0].Body.ConfirmedAt)
	assert.Nil(t, notes[0].Body.DeclinedAt)
	assert.Len(t, f.bus.notifications(), 1)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, models.EventTypeBatchConfirmed, f.events.events[0].EventType)
	assert.Len(t, f.events.events[0].Items, 2)

	again, err := f.engine.Confirm(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, again.OK)
	assert.True(t, again.AlreadyHandled)
	assert.Equal(t, 0, again.ItemsProcessed)
	assert.Equal(t, 7, f.stock(t, "p1"))
	assert.Equal(t, 8, f.stock(t, "p2"))
	assert.Len(t, f.bus.notifications(), 1)
}

func TestDeclineNeverDeducts(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()
	f.product("p1", 10)
	f.product("p2", 10)
	f.product("p3", 10)
	f.item("b1", "p1", 2, models.LineItemStatusSold)
	f.item("b1", "p2", 5, models.LineItemStatusSold)
	f.item("b1", "p3", 1, models.LineItemStatusPharmacyStock)

	res, err := f.engine.Decline(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.ItemsProcessed)
	assert.Empty(t, res.Deductions)
	for _, id := range []string{"p1", "p2", "p3"} {
		assert.Equal(t, 10, f.stock(t, id))
	}

	status, err := f.store.GetRetrievalStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.RetrievalStatusAdminDeclined, status.Status)

	notes, err := f.store.ListNotifications(ctx, models.RoleSecretary, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, models.NotificationBatchDeclined, notes[0].Kind)
	assert.NotNil(t, notes[0].Body.DeclinedAt)

	for _, li := range f.store.LineItems() {
		assert.True(t, li.AdminConfirmed)
	}
}

func TestDecisionsAreMutuallyExclusive(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()
	f.product("p1", 10)
	f.item("b1", "p1", 4, models.LineItemStatusSold)

	_, err := f.engine.Decline(ctx, "b1")
	require.NoError(t, err)

	res, err := f.engine.Confirm(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyHandled)
	assert.Equal(t, 10, f.stock(t, "p1"))

	status, err := f.store.GetRetrievalStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.RetrievalStatusAdminDeclined, status.Status)
}

func TestConfirmFloorsStockAtZero(t *testing.T) {
	f := newEngineFixture()
	f.product("p1", 3)
	f.item("b1", "p1", 5, models.LineItemStatusSold)

	res, err := f.engine.Confirm(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, res.Deductions, 1)
	assert.Equal(t, 0, res.Deductions[0].QuantityLeft)
	assert.Equal(t, 0, f.stock(t, "p1"))
}

func TestConfirmContinuesPastFailedDeductions(t *testing.T) {
	f := newEngineFixture()
	f.product("p1", 10)
	f.product("p3", 10)
	f.product("p4", 10)
	f.store.failDeductFor["p4"] = true
	f.item("b1", "p1", 1, models.LineItemStatusSold)
	f.item("b1", "missing", 1, models.LineItemStatusSold)
	f.item("b1", "p3", 1, models.LineItemStatusSold)
	f.item("b1", "p4", 1, models.LineItemStatusSold)

	res, err := f.engine.Confirm(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 4, res.ItemsProcessed)
	assert.Len(t, res.Deductions, 2)
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, StepStockLookup, res.Warnings[0].Step)
	assert.Equal(t, "missing", res.Warnings[0].ProductID)
	assert.Equal(t, StepDeduction, res.Warnings[1].Step)
	assert.Equal(t, "p4", res.Warnings[1].ProductID)
	assert.Equal(t, 9, f.stock(t, "p1"))
	assert.Equal(t, 9, f.stock(t, "p3"))
	assert.Equal(t, 10, f.stock(t, "p4"))

	status, err := f.store.GetRetrievalStatus(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, models.RetrievalStatusAdminConfirmed, status.Status)
}

func TestConfirmSkipsInertAndZeroQuantityItems(t *testing.T) {
	f := newEngineFixture()
	f.product("p1", 10)
	f.product("p2", 10)
	f.product("p3", 10)
	f.item("b1", "p1", 2, models.LineItemStatusSold)
	f.item("b1", "p2", 2, models.LineItemStatusReturned)
	f.store.AddLineItem(models.RetrievalLineItem{BatchID: "b1", ProductID: "p3", Status: models.LineItemStatusSold})

	res, err := f.engine.Confirm(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ItemsProcessed)
	assert.Len(t, res.Deductions, 1)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 8, f.stock(t, "p1"))
	assert.Equal(t, 10, f.stock(t, "p2"))
	assert.Equal(t, 10, f.stock(t, "p3"))
}

func TestBookkeepingFailuresAreWarnings(t *testing.T) {
	f := newEngineFixture()
	f.store.failStatus = true
	f.store.failNotify = true
	f.events.err = errInjected
	f.product("p1", 10)
	f.item("b1", "p1", 1, models.LineItemStatusSold)

	res, err := f.engine.Confirm(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 9, f.stock(t, "p1"))

	steps := []string{}
	for _, w := range res.Warnings {
		steps = append(steps, w.Step)
	}
	assert.Equal(t, []string{StepStatusUpdate, StepNotification, StepEventPublish}, steps)

	// observers are still told even when the notification row was not stored
	assert.Len(t, f.bus.notifications(), 1)
}

func TestFetchAndFlipFailuresAreErrors(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		f := newEngineFixture()
		f.store.failFetch = true
		f.item("b1", "p1", 1, models.LineItemStatusSold)

		res, err := f.engine.Confirm(context.Background(), "b1")
		assert.Nil(t, res)
		assert.ErrorIs(t, err, errInjected)
	})

	t.Run("flip", func(t *testing.T) {
		f := newEngineFixture()
		f.store.failFlip = true
		f.product("p1", 10)
		f.item("b1", "p1", 1, models.LineItemStatusSold)

		res, err := f.engine.Confirm(context.Background(), "b1")
		assert.Nil(t, res)
		assert.ErrorIs(t, err, errInjected)
		assert.Equal(t, 10, f.stock(t, "p1"))
		assert.False(t, f.store.LineItems()[0].AdminConfirmed)
		assert.Empty(t, f.bus.notifications())
	})
}

func TestDecisionLosingRaceAfterFetchIsNoop(t *testing.T) {
	f := newEngineFixture()
	f.product("p1", 10)
	f.item("b1", "p1", 3, models.LineItemStatusSold)
	f.store.afterFetchHook = func() {
		_, _ = f.store.Memory.ConfirmPendingLineItems(context.Background(), "b1")
	}

	res, err := f.engine.Confirm(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyHandled)
	assert.Equal(t, 10, f.stock(t, "p1"))
}

func TestConcurrentConfirmsDeductOnce(t *testing.T) {
	f := newEngineFixture()
	f.product("p1", 100)
	f.product("p2", 100)
	f.item("b1", "p1", 7, models.LineItemStatusSold)
	f.item("b1", "p2", 3, models.LineItemStatusSold)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handled int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Confirm(context.Background(), "b1")
			assert.NoError(t, err)
			if err == nil && !res.AlreadyHandled {
				mu.Lock()
				handled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, handled)
	assert.Equal(t, 93, f.stock(t, "p1"))
	assert.Equal(t, 97, f.stock(t, "p2"))
}

func TestEmptyBatchIDIsRejected(t *testing.T) {
	f := newEngineFixture()
	_, err := f.engine.Confirm(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyBatchID)
	_, err = f.engine.Decline(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyBatchID)
}

func TestUnknownBatchIsAlreadyHandled(t *testing.T) {
	f := newEngineFixture()
	res, err := f.engine.Confirm(context.Background(), "nope")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.AlreadyHandled)
}

func TestListPendingGroupsBatchesNewestFirst(t *testing.T) {
	f := newEngineFixture()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	add := func(batchID, productID string, status models.LineItemStatus, at time.Time) {
		f.store.AddLineItem(models.RetrievalLineItem{
			BatchID: batchID, ProductID: productID, Status: status, CreatedAt: at, Qty: intPtr(1),
		})
	}
	add("old", "p1", models.LineItemStatusSold, base)
	add("new", "p2", models.LineItemStatusPharmacyStock, base.Add(time.Hour))
	add("old", "p3", models.LineItemStatusSold, base.Add(2*time.Hour))
	add("old", "p4", models.LineItemStatusReturned, base.Add(3*time.Hour))
	add("req", "p5", models.LineItemStatusRequested, base.Add(4*time.Hour))

	batches, err := f.engine.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "new", batches[0].BatchID)
	assert.Equal(t, "old", batches[1].BatchID)
	assert.Equal(t, base, batches[1].CreatedAt)
	require.Len(t, batches[1].Items, 2)
	assert.Equal(t, "p1", batches[1].Items[0].ProductID)
	assert.Equal(t, "p3", batches[1].Items[1].ProductID)

	_, err = f.engine.Confirm(context.Background(), "new")
	require.NoError(t, err)
	batches, err = f.engine.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "old", batches[0].BatchID)
}

func TestListPendingEmpty(t *testing.T) {
	f := newEngineFixture()
	batches, err := f.engine.ListPending(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, batches)
	assert.Empty(t, batches)
}
