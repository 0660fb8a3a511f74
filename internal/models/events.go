package models

import "time"

// Event types
const (
	EventTypeBatchConfirmed = "BATCH_CONFIRMED"
	EventTypeBatchDeclined  = "BATCH_DECLINED"
	EventTypeNotification   = "NOTIFICATION"
	EventTypeProductChanged = "PRODUCT_CHANGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchDecidedEvent published when an administrator confirms or declines a batch
type BatchDecidedEvent struct {
	BaseEvent
	BatchID    string      `json:"batch_id"`
	Decision   Decision    `json:"decision"`
	Items      []ItemData  `json:"items"`
	Deductions []Deduction `json:"deductions,omitempty"`
}

// ItemData represents a line item in events
type ItemData struct {
	LineItemID   string `json:"line_item_id"`
	ProductID    string `json:"product_id"`
	RequestedQty int    `json:"requested_qty"`
}

// NotificationEvent carries a bus notification to downstream consumers
type NotificationEvent struct {
	BaseEvent
	Notification Notification `json:"notification"`
}

// ProductChangedEvent published by other services when inventory changes
type ProductChangedEvent struct {
	BaseEvent
	ProductID string   `json:"product_id"`
	Op        ChangeOp `json:"op"`
}
