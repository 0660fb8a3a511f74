package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownStatus is returned when a status string is outside the known set
var ErrUnknownStatus = errors.New("unknown status")

// LineItemStatus is the upstream state of a retrieval line item
type LineItemStatus string

// Line item statuses
const (
	LineItemStatusRequested     LineItemStatus = "requested"
	LineItemStatusSold          LineItemStatus = "sold"
	LineItemStatusPharmacyStock LineItemStatus = "pharmacy_stock"
	LineItemStatusReturned      LineItemStatus = "returned"
)

// ActionableStatuses are the line item statuses an administrator can act on
var ActionableStatuses = []LineItemStatus{LineItemStatusSold, LineItemStatusPharmacyStock}

// ParseLineItemStatus validates a raw status string
func ParseLineItemStatus(s string) (LineItemStatus, error) {
	switch st := LineItemStatus(s); st {
	case LineItemStatusRequested, LineItemStatusSold, LineItemStatusPharmacyStock, LineItemStatusReturned:
		return st, nil
	default:
		return "", fmt.Errorf("%w: line item status %q", ErrUnknownStatus, s)
	}
}

// Actionable reports whether confirming an item with this status deducts stock
func (s LineItemStatus) Actionable() bool {
	switch s {
	case LineItemStatusSold, LineItemStatusPharmacyStock:
		return true
	case LineItemStatusRequested, LineItemStatusReturned:
		return false
	}
	return false
}

// Scan implements sql.Scanner
func (s *LineItemStatus) Scan(src interface{}) error {
	raw, err := scanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseLineItemStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer
func (s LineItemStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// RetrievalStatus is the canonical status of a batch
type RetrievalStatus string

// Retrieval statuses
const (
	RetrievalStatusRequested      RetrievalStatus = "requested"
	RetrievalStatusAdminConfirmed RetrievalStatus = "admin_confirmed"
	RetrievalStatusAdminDeclined  RetrievalStatus = "admin_declined"
)

// ParseRetrievalStatus validates a raw batch status string
func ParseRetrievalStatus(s string) (RetrievalStatus, error) {
	switch st := RetrievalStatus(s); st {
	case RetrievalStatusRequested, RetrievalStatusAdminConfirmed, RetrievalStatusAdminDeclined:
		return st, nil
	default:
		return "", fmt.Errorf("%w: retrieval status %q", ErrUnknownStatus, s)
	}
}

// Scan implements sql.Scanner
func (s *RetrievalStatus) Scan(src interface{}) error {
	raw, err := scanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseRetrievalStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer
func (s RetrievalStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// RetrievalLineItem is one requested unit of a product within a batch
type RetrievalLineItem struct {
	ID             string         `db:"id" json:"id"`
	BatchID        string         `db:"batch_id" json:"batch_id"`
	ProductID      string         `db:"product_id" json:"product_id"`
	ProductName    string         `db:"product_name" json:"product_name"`
	Qty            *int           `db:"qty" json:"qty,omitempty"`
	Quantity       *int           `db:"quantity" json:"quantity,omitempty"`
	Status         LineItemStatus `db:"status" json:"status"`
	AdminConfirmed bool           `db:"admin_confirmed" json:"admin_confirmed"`
	SecretaryID    string         `db:"secretary_id" json:"secretary_id"`
	SecretaryName  string         `db:"secretary_name" json:"secretary_name"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// RequestedQty coerces the qty/quantity columns into a deductible amount.
// Absent, zero or negative values mean nothing to deduct.
func (li RetrievalLineItem) RequestedQty() int {
	if li.Qty != nil && *li.Qty > 0 {
		return *li.Qty
	}
	if li.Quantity != nil && *li.Quantity > 0 {
		return *li.Quantity
	}
	return 0
}

// RetrievalBatch groups all pending line items sharing a batch id
type RetrievalBatch struct {
	BatchID       string              `json:"batch_id"`
	SecretaryID   string              `json:"secretary_id"`
	SecretaryName string              `json:"secretary_name"`
	CreatedAt     time.Time           `json:"created_at"`
	Items         []RetrievalLineItem `json:"items"`
}

// ProductStock represents a product and its quantity on hand
type ProductStock struct {
	ProductID      string     `db:"product_id" json:"product_id"`
	Name           string     `db:"name" json:"name"`
	QuantityOnHand int        `db:"quantity" json:"quantity_on_hand"`
	ExpiryDate     *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// RetrievalStatusRecord is the status row kept per batch
type RetrievalStatusRecord struct {
	BatchID   string          `db:"batch_id" json:"batch_id"`
	Status    RetrievalStatus `db:"status" json:"status"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Notification target roles
const (
	RoleAdmin     = "admin"
	RoleSecretary = "secretary"
)

// Notification kinds
const (
	NotificationBatchConfirmed = "batch_confirmed"
	NotificationBatchDeclined  = "batch_declined"
	NotificationNearExpiration = "near_expiration"
	NotificationLowStock       = "low_stock"
)

// Notification is a write-once message addressed to a role
type Notification struct {
	ID         string           `db:"id" json:"id"`
	TargetRole string           `db:"target_role" json:"target_role"`
	Kind       string           `db:"kind" json:"kind"`
	Title      string           `db:"title" json:"title"`
	Body       NotificationBody `db:"body" json:"body"`
	Read       bool             `db:"read" json:"read"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
}

// NotificationBody is the structured payload stored as jsonb
type NotificationBody struct {
	BatchID        string     `json:"batch_id,omitempty" bson:"batchId,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty" bson:"confirmedAt,omitempty"`
	DeclinedAt     *time.Time `json:"declined_at,omitempty" bson:"declinedAt,omitempty"`
	ProductID      string     `json:"product_id,omitempty" bson:"productId,omitempty"`
	ProductName    string     `json:"product_name,omitempty" bson:"productName,omitempty"`
	Severity       Severity   `json:"severity,omitempty" bson:"severity,omitempty"`
	DaysLeft       *int       `json:"days_left,omitempty" bson:"daysLeft,omitempty"`
	QuantityOnHand *int       `json:"quantity_on_hand,omitempty" bson:"quantityOnHand,omitempty"`
}

// Scan implements sql.Scanner for the jsonb column
func (b *NotificationBody) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*b = NotificationBody{}
		return nil
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return fmt.Errorf("cannot scan %T into NotificationBody", src)
	}
}

// Value implements driver.Valuer
func (b NotificationBody) Value() (driver.Value, error) {
	return json.Marshal(b)
}

// Decision is the administrator's verdict on a batch
type Decision string

// Decisions
const (
	DecisionConfirm Decision = "confirm"
	DecisionDecline Decision = "decline"
)

// TerminalStatus maps a decision to the batch status it produces
func (d Decision) TerminalStatus() RetrievalStatus {
	if d == DecisionConfirm {
		return RetrievalStatusAdminConfirmed
	}
	return RetrievalStatusAdminDeclined
}

// Warning describes a best-effort step that failed without aborting the decision
type Warning struct {
	Step      string `json:"step"`
	ProductID string `json:"product_id,omitempty"`
	Message   string `json:"message"`
}

// Deduction records a stock decrement applied for one line item
type Deduction struct {
	LineItemID   string `json:"line_item_id"`
	ProductID    string `json:"product_id"`
	RequestedQty int    `json:"requested_qty"`
	QuantityLeft int    `json:"quantity_left"`
}

// DecisionResult is returned by confirm and decline
type DecisionResult struct {
	BatchID        string      `json:"batch_id"`
	Decision       Decision    `json:"decision"`
	OK             bool        `json:"ok"`
	AlreadyHandled bool        `json:"already_handled"`
	ItemsProcessed int         `json:"items_processed"`
	Deductions     []Deduction `json:"deductions"`
	Warnings       []Warning   `json:"warnings"`
	DecidedAt      time.Time   `json:"decided_at"`
}

func scanString(src interface{}) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("cannot scan %T into status", src)
	}
}
