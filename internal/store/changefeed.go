package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"retrieval-service/internal/models"
	"retrieval-service/internal/util"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ProductChangesChannel is the NOTIFY channel fed by the products trigger
const ProductChangesChannel = "product_changes"

// PostgresChangeFeed turns LISTEN/NOTIFY on the products table into change events
type PostgresChangeFeed struct {
	dsn    string
	logger *zap.Logger
}

// NewPostgresChangeFeed creates a change feed for the given database
func NewPostgresChangeFeed(dsn string) *PostgresChangeFeed {
	return &PostgresChangeFeed{dsn: dsn, logger: util.GetLogger()}
}

// ChangeFeed returns a feed sharing the store's connection string
func (s *Postgres) ChangeFeed() *PostgresChangeFeed {
	return NewPostgresChangeFeed(s.dsn)
}

type notifyPayload struct {
	Op        models.ChangeOp `json:"op"`
	ProductID string          `json:"product_id"`
}

// Changes listens until ctx is cancelled. After a reconnect a synthetic
// UPDATE is emitted since notifications may have been missed.
func (f *PostgresChangeFeed) Changes(ctx context.Context) (<-chan models.ChangeEvent, error) {
	listener := pq.NewListener(f.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			f.logger.Warn("Change feed listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})

	if err := listener.Listen(ProductChangesChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", ProductChangesChannel, err)
	}

	out := make(chan models.ChangeEvent, 16)
	go func() {
		defer close(out)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				ev := models.ChangeEvent{Collection: CollectionProducts, Op: models.ChangeUpdate}
				if n != nil {
					var payload notifyPayload
					if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
						f.logger.Warn("Malformed change payload", zap.String("payload", n.Extra), zap.Error(err))
					} else {
						ev.Op = payload.Op
						ev.RecordID = payload.ProductID
					}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go func() {
					if err := listener.Ping(); err != nil {
						f.logger.Warn("Change feed ping failed", zap.Error(err))
					}
				}()
			}
		}
	}()

	return out, nil
}
