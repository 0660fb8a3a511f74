package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"retrieval-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const lineItemColumns = `id, batch_id, product_id, product_name, qty, quantity, status,
	admin_confirmed, secretary_id, secretary_name, created_at`

// Postgres is the sqlx-backed data store
type Postgres struct {
	db  *sqlx.DB
	dsn string
}

// NewPostgres creates a new database store
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db: db, dsn: databaseURL}, nil
}

// Close closes the database connection
func (s *Postgres) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDB returns the underlying database connection
func (s *Postgres) GetDB() *sqlx.DB {
	return s.db
}

// ListPendingLineItems retrieves unconfirmed items with an actionable status
func (s *Postgres) ListPendingLineItems(ctx context.Context, statuses []models.LineItemStatus) ([]models.RetrievalLineItem, error) {
	if len(statuses) == 0 {
		return []models.RetrievalLineItem{}, nil
	}

	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}

	items := []models.RetrievalLineItem{}
	err := s.db.SelectContext(ctx, &items,
		`SELECT `+lineItemColumns+` FROM retrieval_line_items
		WHERE admin_confirmed = false AND status = ANY($1)
		ORDER BY seq`, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending line items: %w", err)
	}
	return items, nil
}

// GetPendingLineItems retrieves unconfirmed items for a batch
func (s *Postgres) GetPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error) {
	items := []models.RetrievalLineItem{}
	err := s.db.SelectContext(ctx, &items,
		`SELECT `+lineItemColumns+` FROM retrieval_line_items
		WHERE batch_id = $1 AND admin_confirmed = false
		ORDER BY seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending line items: %w", err)
	}
	return items, nil
}

// ConfirmPendingLineItems flips every still-pending item of the batch in one
// statement. Rows already flipped by a concurrent call are not returned.
func (s *Postgres) ConfirmPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error) {
	items := []models.RetrievalLineItem{}
	err := s.db.SelectContext(ctx, &items,
		`WITH flipped AS (
			UPDATE retrieval_line_items SET admin_confirmed = true, confirmed_at = NOW()
			WHERE batch_id = $1 AND admin_confirmed = false
			RETURNING seq, `+lineItemColumns+`
		)
		SELECT `+lineItemColumns+` FROM flipped ORDER BY seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm line items: %w", err)
	}
	return items, nil
}

// DeductStock decrements stock, floored at zero
func (s *Postgres) DeductStock(ctx context.Context, productID string, qty int) (*models.ProductStock, error) {
	var stock models.ProductStock
	err := s.db.GetContext(ctx, &stock,
		`UPDATE products SET quantity = GREATEST(0, quantity - $1), updated_at = NOW()
		WHERE product_id = $2
		RETURNING product_id, name, quantity, expiry_date, updated_at`, qty, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStockNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to deduct stock: %w", err)
	}
	return &stock, nil
}

// SetRetrievalStatus upserts the status row for a batch
func (s *Postgres) SetRetrievalStatus(ctx context.Context, batchID string, status models.RetrievalStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retrieval_status (batch_id, status, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (batch_id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`,
		batchID, status)
	if err != nil {
		return fmt.Errorf("failed to set retrieval status: %w", err)
	}
	return nil
}

// GetRetrievalStatus retrieves the status row for a batch
func (s *Postgres) GetRetrievalStatus(ctx context.Context, batchID string) (*models.RetrievalStatusRecord, error) {
	var rec models.RetrievalStatusRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT batch_id, status, updated_at FROM retrieval_status WHERE batch_id = $1", batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retrieval status: %w", err)
	}
	return &rec, nil
}

// InsertNotification appends a notification
func (s *Postgres) InsertNotification(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (id, target_role, kind, title, body, read)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := s.db.GetContext(ctx, &n.CreatedAt, query,
		n.ID, n.TargetRole, n.Kind, n.Title, n.Body, n.Read)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications retrieves the newest notifications for a role
func (s *Postgres) ListNotifications(ctx context.Context, role string, limit int) ([]models.Notification, error) {
	notifications := []models.Notification{}
	err := s.db.SelectContext(ctx, &notifications,
		`SELECT id, target_role, kind, title, body, read, created_at FROM notifications
		WHERE target_role = $1 ORDER BY created_at DESC LIMIT $2`, role, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, nil
}

// ListProducts retrieves the full inventory snapshot
func (s *Postgres) ListProducts(ctx context.Context) ([]models.ProductStock, error) {
	products := []models.ProductStock{}
	err := s.db.SelectContext(ctx, &products,
		"SELECT product_id, name, quantity, expiry_date, updated_at FROM products ORDER BY product_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return products, nil
}
