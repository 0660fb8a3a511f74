// Package bus is the in-process notification hub. Producers publish
// notifications; observers such as the websocket hub, the kafka forwarder
// and the audit logger receive them synchronously in registration order.
package bus

import (
	"context"
	"fmt"
	"sync"

	"retrieval-service/internal/models"
	"retrieval-service/internal/util"

	"go.uber.org/zap"
)

// Observer receives every published notification
type Observer func(ctx context.Context, n models.Notification) error

type registration struct {
	id       uint64
	name     string
	observer Observer
}

// Bus fans notifications out to registered observers
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []registration
	logger *zap.Logger
}

// New creates an empty bus
func New() *Bus {
	return &Bus{logger: util.GetLogger()}
}

// Subscribe registers an observer and returns the func that removes exactly
// this registration. Subscribing the same observer twice yields two entries.
func (b *Bus) Subscribe(name string, observer Observer) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, registration{id: id, name: name, observer: observer})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.subs {
		if r.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers n to every observer registered at call time. A failing or
// panicking observer is logged and skipped; the returned count is the number
// of observers that failed.
func (b *Bus) Publish(ctx context.Context, n models.Notification) int {
	b.mu.RLock()
	subs := make([]registration, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	util.BusPublishedTotal.WithLabelValues(n.Kind).Inc()

	failed := 0
	for _, r := range subs {
		if err := b.deliver(ctx, r, n); err != nil {
			failed++
			util.BusObserverFailuresTotal.WithLabelValues(r.name).Inc()
			b.logger.Warn("Bus observer failed",
				zap.String("observer", r.name),
				zap.String("kind", n.Kind),
				zap.Error(err))
		}
	}
	return failed
}

func (b *Bus) deliver(ctx context.Context, r registration, n models.Notification) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("observer panicked: %v", rec)
		}
	}()
	return r.observer(ctx, n)
}

// LogObserver records every notification at info level
func LogObserver(logger *zap.Logger) Observer {
	return func(ctx context.Context, n models.Notification) error {
		logger.Info("Notification published",
			zap.String("id", n.ID),
			zap.String("target_role", n.TargetRole),
			zap.String("kind", n.Kind),
			zap.String("title", n.Title))
		return nil
	}
}
