package store

import (
	"context"
	"os"
	"testing"

	"retrieval-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T) *Postgres {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Integration test - set TEST_DATABASE_URL")
	}

	s, err := NewPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPostgresBatch(t *testing.T, s *Postgres, batchID, productID string, qty int) {
	ctx := context.Background()
	_, err := s.GetDB().ExecContext(ctx,
		`INSERT INTO products (product_id, name, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (product_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
		productID, "Paracetamol", qty)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = s.GetDB().ExecContext(ctx,
			`INSERT INTO retrieval_line_items (batch_id, product_id, product_name, qty, status, secretary_id, secretary_name)
			VALUES ($1, $2, 'Paracetamol', 2, 'sold', 'sec-1', 'Front Desk')`,
			batchID, productID)
		require.NoError(t, err)
	}
}

func TestPostgresConfirmFlipsOnce(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	batchID := "batch-" + uuid.New().String()[:8]
	productID := "prod-" + uuid.New().String()[:8]
	seedPostgresBatch(t, s, batchID, productID, 3)

	pending, err := s.GetPendingLineItems(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	flipped, err := s.ConfirmPendingLineItems(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, flipped, 2)
	assert.True(t, flipped[0].AdminConfirmed)

	again, err := s.ConfirmPendingLineItems(ctx, batchID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPostgresDeductStockFloorsAtZero(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	productID := "prod-" + uuid.New().String()[:8]
	seedPostgresBatch(t, s, "batch-"+uuid.New().String()[:8], productID, 3)

	stock, err := s.DeductStock(ctx, productID, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, stock.QuantityOnHand)

	_, err = s.DeductStock(ctx, "missing-"+productID, 1)
	assert.ErrorIs(t, err, ErrStockNotFound)
}

func TestPostgresRetrievalStatusUpsert(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	batchID := "batch-" + uuid.New().String()[:8]

	require.NoError(t, s.SetRetrievalStatus(ctx, batchID, models.RetrievalStatusRequested))
	require.NoError(t, s.SetRetrievalStatus(ctx, batchID, models.RetrievalStatusAdminConfirmed))

	rec, err := s.GetRetrievalStatus(ctx, batchID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.RetrievalStatusAdminConfirmed, rec.Status)
}

func TestPostgresWrapsQueryErrors(t *testing.T) {
	db, err := sqlx.Open("postgres", "postgres://localhost/unused?sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	s := &Postgres{db: db}
	ctx := context.Background()

	_, err = s.DeductStock(ctx, "prod-1", 1)
	assert.ErrorContains(t, err, "failed to deduct stock")
	assert.NotErrorIs(t, err, ErrStockNotFound)

	err = s.SetRetrievalStatus(ctx, "batch-1", models.RetrievalStatusAdminConfirmed)
	assert.ErrorContains(t, err, "failed to set retrieval status")

	rec, err := s.GetRetrievalStatus(ctx, "batch-1")
	assert.ErrorContains(t, err, "failed to get retrieval status")
	assert.Nil(t, rec)

	err = s.InsertNotification(ctx, &models.Notification{ID: uuid.New().String(), TargetRole: "admin"})
	assert.ErrorContains(t, err, "failed to insert notification")

	list, err := s.ListNotifications(ctx, "admin", 10)
	assert.ErrorContains(t, err, "failed to list notifications")
	assert.Nil(t, list)
}
