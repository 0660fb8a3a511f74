package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"retrieval-service/internal/models"
	"retrieval-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Classification thresholds
const (
	LowStockThreshold        = 20
	NotifyStockThreshold     = 5
	NotifyExpiryDays         = 30
	ExpiryWindowMonths       = 3
	highSeverityExpiryDays   = 7
	mediumSeverityExpiryDays = 30
)

// ProductReader reads the full inventory snapshot
type ProductReader interface {
	ListProducts(ctx context.Context) ([]models.ProductStock, error)
}

// SnapshotCache shares the latest snapshot across replicas
type SnapshotCache interface {
	SaveAlertSnapshot(ctx context.Context, snap *models.AlertSnapshot, ttl time.Duration) (bool, error)
	LoadAlertSnapshot(ctx context.Context) (*models.AlertSnapshot, error)
}

// AlertClassifier derives expiration and low-stock alerts from inventory
type AlertClassifier struct {
	products ProductReader
	bus      NotificationPublisher
	cache    SnapshotCache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	lastSeq int64
	latest  *models.AlertSnapshot
}

// NewAlertClassifier creates a classifier. cache may be nil.
func NewAlertClassifier(products ProductReader, bus NotificationPublisher, cache SnapshotCache, cacheTTL time.Duration) *AlertClassifier {
	return &AlertClassifier{
		products: products,
		bus:      bus,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// Classify is the pure classification step over one inventory snapshot
func Classify(products []models.ProductStock, now time.Time) (expiration, stock []models.Alert) {
	expiration = []models.Alert{}
	stock = []models.Alert{}
	horizon := now.AddDate(0, ExpiryWindowMonths, 0)

	for _, p := range products {
		if p.ExpiryDate != nil && p.QuantityOnHand > 0 && !p.ExpiryDate.After(horizon) {
			days := DaysLeft(*p.ExpiryDate, now)
			expiry := *p.ExpiryDate
			expiration = append(expiration, models.Alert{
				ProductID:      p.ProductID,
				ProductName:    p.Name,
				Type:           models.AlertTypeNearExpiration,
				Severity:       expirySeverity(days),
				DaysLeft:       &days,
				ExpiryDate:     &expiry,
				QuantityOnHand: p.QuantityOnHand,
			})
		}

		if p.QuantityOnHand < LowStockThreshold {
			stock = append(stock, models.Alert{
				ProductID:      p.ProductID,
				ProductName:    p.Name,
				Type:           models.AlertTypeLowStock,
				Severity:       stockSeverity(p.QuantityOnHand),
				QuantityOnHand: p.QuantityOnHand,
			})
		}
	}

	sort.SliceStable(expiration, func(i, j int) bool {
		return *expiration[i].DaysLeft < *expiration[j].DaysLeft
	})
	sort.SliceStable(stock, func(i, j int) bool {
		return stock[i].QuantityOnHand < stock[j].QuantityOnHand
	})
	return expiration, stock
}

// DaysLeft is the number of whole days until expiry, rounded up
func DaysLeft(expiry, now time.Time) int {
	return int(math.Ceil(expiry.Sub(now).Hours() / 24))
}

func expirySeverity(days int) models.Severity {
	switch {
	case days <= 0:
		return models.SeverityCritical
	case days <= highSeverityExpiryDays:
		return models.SeverityHigh
	case days <= mediumSeverityExpiryDays:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func stockSeverity(qty int) models.Severity {
	switch {
	case qty <= 0:
		return models.SeverityCritical
	case qty < NotifyStockThreshold:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

// NotificationsFor returns the admin notifications a snapshot fans out.
// Every qualifying alert yields one notification on every pass.
func NotificationsFor(snap *models.AlertSnapshot) []models.Notification {
	out := []models.Notification{}

	for _, a := range snap.ExpirationAlerts {
		if a.DaysLeft == nil || *a.DaysLeft > NotifyExpiryDays {
			continue
		}
		days := *a.DaysLeft
		out = append(out, models.Notification{
			ID:         uuid.New().String(),
			TargetRole: models.RoleAdmin,
			Kind:       models.NotificationNearExpiration,
			Title:      fmt.Sprintf("%s expires in %d days", a.ProductName, days),
			Body: models.NotificationBody{
				ProductID:   a.ProductID,
				ProductName: a.ProductName,
				Severity:    models.SeverityHigh,
				DaysLeft:    &days,
			},
			CreatedAt: snap.ClassifiedAt,
		})
	}

	for _, a := range snap.StockAlerts {
		if a.Severity.Rank() < models.SeverityHigh.Rank() {
			continue
		}
		qty := a.QuantityOnHand
		severity := a.Severity
		out = append(out, models.Notification{
			ID:         uuid.New().String(),
			TargetRole: models.RoleAdmin,
			Kind:       models.NotificationLowStock,
			Title:      fmt.Sprintf("%s is low on stock (%d left)", a.ProductName, qty),
			Body: models.NotificationBody{
				ProductID:      a.ProductID,
				ProductName:    a.ProductName,
				Severity:       severity,
				QuantityOnHand: &qty,
			},
			CreatedAt: snap.ClassifiedAt,
		})
	}

	return out
}

// RunPass reads the inventory, classifies it and fans out notifications.
// On a read failure the previous snapshot stays current.
func (c *AlertClassifier) RunPass(ctx context.Context) (*models.AlertSnapshot, error) {
	ctx, span := util.StartSpan(ctx, "AlertClassifier.RunPass")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ClassificationLatency.Observe(time.Since(start).Seconds())
	}()

	now := c.now()
	seq := c.nextSequence(now)

	products, err := c.products.ListProducts(ctx)
	if err != nil {
		util.ClassificationFailuresTotal.Inc()
		util.SpanError(span, err)
		c.logger.Error("Failed to read inventory for classification", zap.Error(err))
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	expiration, stock := Classify(products, now)
	snap := &models.AlertSnapshot{
		Sequence:         seq,
		ExpirationAlerts: expiration,
		StockAlerts:      stock,
		ClassifiedAt:     now,
	}
	span.SetAttributes(
		attribute.Int("expiration_alerts", len(expiration)),
		attribute.Int("stock_alerts", len(stock)))

	if !c.install(snap) {
		c.logger.Debug("Discarding stale classification pass", zap.Int64("sequence", seq))
		return snap, nil
	}

	if c.cache != nil {
		if _, err := c.cache.SaveAlertSnapshot(ctx, snap, c.cacheTTL); err != nil {
			c.logger.Warn("Failed to cache alert snapshot", zap.Error(err))
		}
	}

	notifications := NotificationsFor(snap)
	if c.bus != nil {
		for _, n := range notifications {
			c.bus.Publish(ctx, n)
		}
	}

	c.logger.Info("Classification pass complete",
		zap.Int("products", len(products)),
		zap.Int("expiration_alerts", len(expiration)),
		zap.Int("stock_alerts", len(stock)),
		zap.Int("notifications", len(notifications)))

	return snap, nil
}

// nextSequence orders passes by start time, strictly increasing per process
func (c *AlertClassifier) nextSequence(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := now.UnixNano()
	if seq <= c.lastSeq {
		seq = c.lastSeq + 1
	}
	c.lastSeq = seq
	return seq
}

// install makes snap current unless a later-started pass already landed
func (c *AlertClassifier) install(snap *models.AlertSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest != nil && c.latest.Sequence >= snap.Sequence {
		return false
	}
	c.latest = snap
	recordAlertGauges(snap)
	return true
}

// recordAlertGauges sets every type and severity pair, zero included, so a
// cleared alert drops to 0 instead of keeping its last value
func recordAlertGauges(snap *models.AlertSnapshot) {
	type key struct {
		t models.AlertType
		s models.Severity
	}
	counts := make(map[key]int)
	for _, a := range snap.ExpirationAlerts {
		counts[key{a.Type, a.Severity}]++
	}
	for _, a := range snap.StockAlerts {
		counts[key{a.Type, a.Severity}]++
	}

	for _, t := range models.AllAlertTypes {
		for _, s := range models.AllSeverities {
			util.ActiveAlerts.WithLabelValues(string(t), string(s)).Set(float64(counts[key{t, s}]))
		}
	}
}

// Latest returns the newest snapshot, falling back to the shared cache
// before this process has completed a pass.
func (c *AlertClassifier) Latest(ctx context.Context) (*models.AlertSnapshot, error) {
	c.mu.RLock()
	snap := c.latest
	c.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	if c.cache != nil {
		cached, err := c.cache.LoadAlertSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load cached alerts: %w", err)
		}
		if cached != nil {
			return cached, nil
		}
	}

	return &models.AlertSnapshot{
		ExpirationAlerts: []models.Alert{},
		StockAlerts:      []models.Alert{},
	}, nil
}
