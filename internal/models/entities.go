package models

import "encoding/json"

// Entity type names used by snapshot tables, pull payloads, and the
// conflict ledger's per-type configuration.
const (
	EntityOrder           = "orders"
	EntityShift           = "shifts"
	EntityInventory       = "inventory"
	EntityMenuItem        = "menu_items"
	EntityCategory        = "categories"
	EntityBranch          = "branches"
	EntityCustomer        = "customers"
	EntityCustomerAddress = "customer_addresses"
	EntityCourier         = "couriers"
	EntityDeliveryArea    = "delivery_areas"
	EntityWasteLog        = "waste_logs"
	EntityUser            = "users"
	EntityIngredient      = "ingredients"
)

// SnapshotTables lists every entity type cached on a branch device.
// Pull responses replace these tables wholesale; local copies are
// best-effort and may be stale while offline.
var SnapshotTables = []string{
	EntityOrder, EntityShift, EntityInventory, EntityIngredient,
	EntityMenuItem, EntityCategory, EntityBranch, EntityCustomer,
	EntityCustomerAddress, EntityCourier, EntityDeliveryArea,
	EntityWasteLog, EntityUser,
}

// Order is one point-of-sale order with its nested line items.
type Order struct {
	ID          UUID        `db:"id" json:"id"`
	BranchID    string      `db:"branch_id" json:"branchId"`
	ShiftID     string      `db:"shift_id" json:"shiftId,omitempty"`
	CustomerID  string      `db:"customer_id" json:"customerId,omitempty"`
	CourierID   string      `db:"courier_id" json:"courierId,omitempty"`
	OrderType   string      `db:"order_type" json:"orderType"` // dine_in, takeaway, delivery
	Status      string      `db:"status" json:"status"`
	Total       float64     `db:"total" json:"total"`
	Discount    float64     `db:"discount" json:"discount"`
	PaymentType string      `db:"payment_type" json:"paymentType"`
	Items       []OrderItem `json:"items,omitempty"`
	CreatedAt   int64       `db:"created_at" json:"createdAt"`
	UpdatedAt   int64       `db:"updated_at" json:"updatedAt"`
	Synced      bool        `db:"synced" json:"synced"`
}

// OrderItem is one line of an order. Persisted atomically with its header.
type OrderItem struct {
	ID         UUID    `db:"id" json:"id"`
	OrderID    string  `db:"order_id" json:"orderId"`
	MenuItemID string  `db:"menu_item_id" json:"menuItemId"`
	Quantity   int     `db:"quantity" json:"quantity"`
	UnitPrice  float64 `db:"unit_price" json:"unitPrice"`
	Notes      string  `db:"notes" json:"notes,omitempty"`
}

// Shift is one cashier shift. Shifts opened while offline carry a
// temporary id until the server issues the real one.
type Shift struct {
	ID          UUID    `db:"id" json:"id"`
	BranchID    string  `db:"branch_id" json:"branchId"`
	UserID      string  `db:"user_id" json:"userId"`
	OpeningCash float64 `db:"opening_cash" json:"openingCash"`
	ClosingCash float64 `db:"closing_cash" json:"closingCash"`
	Status      string  `db:"status" json:"status"` // open, closed
	OpenedAt    int64   `db:"opened_at" json:"openedAt"`
	ClosedAt    *int64  `db:"closed_at" json:"closedAt,omitempty"`
	Synced      bool    `db:"synced" json:"synced"`
}

// Ingredient is one raw material in the shared catalog. Inventory and
// waste rows reference it by id.
type Ingredient struct {
	ID        UUID   `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Unit      string `db:"unit" json:"unit"`
	UpdatedAt int64  `db:"updated_at" json:"updatedAt"`
}

// InventoryItem tracks stock for one ingredient at one branch.
type InventoryItem struct {
	ID           UUID    `db:"id" json:"id"`
	BranchID     string  `db:"branch_id" json:"branchId"`
	IngredientID string  `db:"ingredient_id" json:"ingredientId"`
	Name         string  `db:"name" json:"name"`
	Quantity     float64 `db:"quantity" json:"quantity"`
	Unit         string  `db:"unit" json:"unit"`
	MinThreshold float64 `db:"min_threshold" json:"minThreshold"`
	UpdatedAt    int64   `db:"updated_at" json:"updatedAt"`
}

// MenuItem is one sellable product.
type MenuItem struct {
	ID          UUID    `db:"id" json:"id"`
	CategoryID  string  `db:"category_id" json:"categoryId"`
	Name        string  `db:"name" json:"name"`
	Price       float64 `db:"price" json:"price"`
	IsAvailable bool    `db:"is_available" json:"isAvailable"`
	UpdatedAt   int64   `db:"updated_at" json:"updatedAt"`
}

// Category groups menu items.
type Category struct {
	ID        UUID   `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	SortOrder int    `db:"sort_order" json:"sortOrder"`
}

// Branch is one physical point-of-sale location.
type Branch struct {
	ID       UUID   `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Address  string `db:"address" json:"address,omitempty"`
	Phone    string `db:"phone" json:"phone,omitempty"`
	IsActive bool   `db:"is_active" json:"isActive"`
}

// Customer is a delivery or loyalty customer.
type Customer struct {
	ID        UUID   `db:"id" json:"id"`
	BranchID  string `db:"branch_id" json:"branchId"`
	Name      string `db:"name" json:"name"`
	Phone     string `db:"phone" json:"phone"`
	CreatedAt int64  `db:"created_at" json:"createdAt"`
	UpdatedAt int64  `db:"updated_at" json:"updatedAt"`
}

// CustomerAddress is one saved delivery address.
type CustomerAddress struct {
	ID             UUID   `db:"id" json:"id"`
	CustomerID     string `db:"customer_id" json:"customerId"`
	DeliveryAreaID string `db:"delivery_area_id" json:"deliveryAreaId,omitempty"`
	Address        string `db:"address" json:"address"`
	Notes          string `db:"notes" json:"notes,omitempty"`
}

// Courier delivers orders for one branch.
type Courier struct {
	ID       UUID   `db:"id" json:"id"`
	BranchID string `db:"branch_id" json:"branchId"`
	Name     string `db:"name" json:"name"`
	Phone    string `db:"phone" json:"phone"`
	IsActive bool   `db:"is_active" json:"isActive"`
}

// DeliveryArea is a named zone with a delivery fee.
type DeliveryArea struct {
	ID       UUID    `db:"id" json:"id"`
	BranchID string  `db:"branch_id" json:"branchId"`
	Name     string  `db:"name" json:"name"`
	Fee      float64 `db:"fee" json:"fee"`
}

// WasteLog records discarded inventory.
type WasteLog struct {
	ID           UUID    `db:"id" json:"id"`
	BranchID     string  `db:"branch_id" json:"branchId"`
	IngredientID string  `db:"ingredient_id" json:"ingredientId"`
	Quantity     float64 `db:"quantity" json:"quantity"`
	Reason       string  `db:"reason" json:"reason,omitempty"`
	CreatedAt    int64   `db:"created_at" json:"createdAt"`
	Synced       bool    `db:"synced" json:"synced"`
}

// User is a staff account. Password hashes never travel in sync payloads.
type User struct {
	ID        UUID   `db:"id" json:"id"`
	BranchID  string `db:"branch_id" json:"branchId"`
	Name      string `db:"name" json:"name"`
	Role      string `db:"role" json:"role"`
	IsActive  bool   `db:"is_active" json:"isActive"`
	UpdatedAt int64  `db:"updated_at" json:"updatedAt"`
}

// Snapshot is the generic stored form of any cached entity: the server id
// plus the raw JSON document as last pulled.
type Snapshot struct {
	ID        string          `db:"id" json:"id"`
	Data      json.RawMessage `db:"data" json:"data"`
	UpdatedAt int64           `db:"updated_at" json:"updatedAt"`
}
