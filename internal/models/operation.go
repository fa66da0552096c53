package models

import (
	"encoding/json"
	"time"
)

// OperationType identifies the mutation a queued operation carries.
// The set is closed: the batch processor rejects anything else.
type OperationType string

const (
	OpCreateOrder           OperationType = "CREATE_ORDER"
	OpUpdateOrder           OperationType = "UPDATE_ORDER"
	OpCreateInventory       OperationType = "CREATE_INVENTORY"
	OpUpdateInventory       OperationType = "UPDATE_INVENTORY"
	OpCreateWaste           OperationType = "CREATE_WASTE"
	OpCreateShift           OperationType = "CREATE_SHIFT"
	OpUpdateShift           OperationType = "UPDATE_SHIFT"
	OpUpdateUser            OperationType = "UPDATE_USER"
	OpCreateCustomer        OperationType = "CREATE_CUSTOMER"
	OpUpdateCustomer        OperationType = "UPDATE_CUSTOMER"
	OpCreateCustomerAddress OperationType = "CREATE_CUSTOMER_ADDRESS"
	OpCreateCourier         OperationType = "CREATE_COURIER"
	OpUpdateCourier         OperationType = "UPDATE_COURIER"
	OpCreateDeliveryArea    OperationType = "CREATE_DELIVERY_AREA"
	OpUpdateDeliveryArea    OperationType = "UPDATE_DELIVERY_AREA"
)

// operationTypes is the closed enumeration used for validation.
var operationTypes = map[OperationType]bool{
	OpCreateOrder:           true,
	OpUpdateOrder:           true,
	OpCreateInventory:       true,
	OpUpdateInventory:       true,
	OpCreateWaste:           true,
	OpCreateShift:           true,
	OpUpdateShift:           true,
	OpUpdateUser:            true,
	OpCreateCustomer:        true,
	OpUpdateCustomer:        true,
	OpCreateCustomerAddress: true,
	OpCreateCourier:         true,
	OpUpdateCourier:         true,
	OpCreateDeliveryArea:    true,
	OpUpdateDeliveryArea:    true,
}

// IsValid reports whether t is part of the closed operation enumeration.
func (t OperationType) IsValid() bool {
	return operationTypes[t]
}

// OperationStatus tracks a queued operation's lifecycle on the device.
type OperationStatus string

const (
	// OperationPending means the operation awaits server confirmation.
	OperationPending OperationStatus = "pending"
	// OperationDead means the operation exceeded the configured retry
	// ceiling and needs operator intervention. Never entered when the
	// ceiling is disabled.
	OperationDead OperationStatus = "dead"
)

// SyncOperation is a queued intent to mutate authoritative state.
// It is owned exclusively by the operation queue: nothing else appends,
// mutates, or removes its persisted form.
type SyncOperation struct {
	ID         string          `db:"id" json:"id"`
	Type       OperationType   `db:"type" json:"type"`
	Data       json.RawMessage `db:"data" json:"data"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"`
	RetryCount int             `db:"retry_count" json:"retryCount"`
	BranchID   string          `db:"branch_id" json:"branchId"`
	Status     OperationStatus `db:"status" json:"status"`
	LastError  string          `db:"last_error" json:"lastError,omitempty"`
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "operations"
}

// Time returns the creation timestamp as time.Time.
func (o *SyncOperation) Time() time.Time {
	return time.Unix(o.Timestamp, 0)
}
