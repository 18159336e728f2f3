// Package model contains the domain entities of the print-shop order system.
//
// All monetary values are stored in centavos (int64); conversion to decimal
// representations happens only at the HTTP edge.
package model

import "time"

// Product represents a sellable item with live stock.
// Stock is mutated only through guarded debit/credit SQL that rejects
// over-debit; the struct itself is a plain snapshot.
type Product struct {
	ID            int64
	Name          string
	Price         int64
	StockQuantity int32
	Active        bool
	WeightKg      float64
	HeightCm      float64
	WidthCm       float64
	LengthCm      float64
	CreatedAt     time.Time
}

// Cart is the single per-user shopping cart. Carts are transient: their
// items are deleted in the same transaction that creates an order.
type Cart struct {
	ID          int64
	UserID      int64
	LastUpdated time.Time
}

// CartItem references a product and a bounded quantity inside a cart.
type CartItem struct {
	ID        int64
	CartID    int64
	ProductID int64
	Quantity  int32
}

// Address is the delivery destination captured at checkout.
type Address struct {
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district"`
	City       string `json:"city"`
	State      string `json:"state"`
	ZipCode    string `json:"zipCode"`
}

// RefundType distinguishes a full refund request from a per-item one.
type RefundType string

const (
	RefundTypeTotal   RefundType = "Total"
	RefundTypeParcial RefundType = "Parcial"
)

// Order is a checked-out, priced and tracked purchase. Identity and the
// monetary breakdown are immutable after creation; only the lifecycle
// fields below (status, tracking, delivery, reverse logistics, refund,
// gateway transaction id) may change.
//
// Invariant: TotalAmount = SubTotal - Discount + ShippingCost.
type Order struct {
	ID                   int64
	Number               string
	UserID               int64
	Status               OrderStatus
	Address              Address
	ShippingMethod       string
	CouponCode           string
	SubTotal             int64
	Discount             int64
	ShippingCost         int64
	TotalAmount          int64
	GatewayTransactionID string
	TrackingCode         string
	DeliveryDate         *time.Time
	ReverseLogisticsCode string
	ReturnInstructions   string
	RefundType           RefundType
	RefundAmount         int64
	RefundRejectReason   string
	RefundRejectProof    string
	CreatedAt            time.Time
	Items                []OrderItem
	History              []OrderHistory
}

// OrderItem snapshots product name and unit price at purchase time,
// decoupled from the live Product row. RefundQuantity is the only mutable
// field and never exceeds Quantity.
type OrderItem struct {
	ID             int64
	OrderID        int64
	ProductID      int64
	ProductName    string
	UnitPrice      int64
	Quantity       int32
	RefundQuantity int32
}

// OrderHistory is one append-only audit entry. Entries are never updated
// or deleted.
type OrderHistory struct {
	ID        int64
	OrderID   int64
	Status    OrderStatus
	Message   string
	Actor     string
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// Coupon is a percentage discount code. Codes are unique and matched
// case-insensitively.
type Coupon struct {
	ID              int64
	Code            string
	DiscountPercent float64
	ExpiresAt       time.Time
	Active          bool
}

// Valid reports whether the coupon can currently be applied.
func (c *Coupon) Valid(now time.Time) bool {
	return c != nil && c.Active && now.Before(c.ExpiresAt)
}

// CouponUsage records one redemption of a coupon code by a user. A prior
// row for the same (user, code) pair blocks reuse.
type CouponUsage struct {
	ID      int64
	UserID  int64
	Code    string
	OrderID int64
	UsedAt  time.Time
}

// RequestMeta carries the provenance of the inbound call for audit entries
// and security notifications.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// SecurityAlert carries the forensic detail of a payment-reconciliation
// security incident for the security notification channel.
type SecurityAlert struct {
	OrderID        int64
	OrderNumber    string
	UserID         int64
	TransactionID  string
	ExpectedAmount int64
	ReportedAmount int64
	IP             string
	UserAgent      string
	At             time.Time
}

// Identity is the authenticated caller extracted by the auth middleware.
type Identity struct {
	UserID int64
	Role   string
}

// RoleAdmin marks back-office users allowed to drive status transitions.
const RoleAdmin = "admin"
