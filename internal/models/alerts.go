package models

import "time"

// AlertType distinguishes the two alert families
type AlertType string

// Alert types
const (
	AlertTypeNearExpiration AlertType = "near_expiration"
	AlertTypeLowStock       AlertType = "low_stock"
)

// AllAlertTypes lists every alert family
var AllAlertTypes = []AlertType{AlertTypeNearExpiration, AlertTypeLowStock}

// Severity is the ordinal urgency of an alert
type Severity string

// Severity tiers, most urgent first
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// AllSeverities lists every tier in descending urgency
var AllSeverities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank orders severities; higher is more urgent
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Alert is derived from the inventory snapshot and never persisted
type Alert struct {
	ProductID      string     `json:"product_id"`
	ProductName    string     `json:"product_name"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	DaysLeft       *int       `json:"days_left,omitempty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
	QuantityOnHand int        `json:"quantity_on_hand"`
}

// AlertSnapshot is the output of one classification pass
type AlertSnapshot struct {
	Sequence         int64     `json:"sequence"`
	ExpirationAlerts []Alert   `json:"expiration_alerts"`
	StockAlerts      []Alert   `json:"stock_alerts"`
	ClassifiedAt     time.Time `json:"classified_at"`
}

// ChangeOp is the kind of change observed on a collection
type ChangeOp string

// Change operations
const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
)

// ChangeEvent is delivered by a data store change feed
type ChangeEvent struct {
	Collection string   `json:"collection"`
	Op         ChangeOp `json:"op"`
	RecordID   string   `json:"record_id"`
}
