// Package store implements the Data Store capability the reconciliation
// engine and alert classifier depend on, over Postgres, MongoDB or memory.
package store

import (
	"context"
	"errors"

	"retrieval-service/internal/models"
)

// ErrStockNotFound is returned when no stock record exists for a product
var ErrStockNotFound = errors.New("stock not found")

// Collection names used by change feeds
const (
	CollectionProducts  = "products"
	CollectionLineItems = "retrieval_line_items"
)

// DataStore is the record storage capability
type DataStore interface {
	// ListPendingLineItems returns unconfirmed items whose status is in statuses,
	// in insertion order.
	ListPendingLineItems(ctx context.Context, statuses []models.LineItemStatus) ([]models.RetrievalLineItem, error)

	// GetPendingLineItems returns the unconfirmed items of one batch, in insertion order.
	GetPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error)

	// ConfirmPendingLineItems sets admin_confirmed on every item of the batch
	// still unconfirmed and returns exactly the rows this call flipped.
	ConfirmPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error)

	// DeductStock atomically sets quantity to max(0, quantity - qty).
	DeductStock(ctx context.Context, productID string, qty int) (*models.ProductStock, error)

	SetRetrievalStatus(ctx context.Context, batchID string, status models.RetrievalStatus) error
	GetRetrievalStatus(ctx context.Context, batchID string) (*models.RetrievalStatusRecord, error)

	InsertNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, role string, limit int) ([]models.Notification, error)

	// ListProducts returns the full inventory snapshot
	ListProducts(ctx context.Context) ([]models.ProductStock, error)

	Ping(ctx context.Context) error
	Close() error
}

// ChangeFeed streams change notifications for the products collection
type ChangeFeed interface {
	Changes(ctx context.Context) (<-chan models.ChangeEvent, error)
}
