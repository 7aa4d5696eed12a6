package models

import "time"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderDraft           OrderStatus = "draft"
	OrderAwaitingPayment OrderStatus = "awaiting_payment"
	OrderPaid            OrderStatus = "paid"
	OrderFulfilling      OrderStatus = "fulfilling"
	OrderCompleted       OrderStatus = "completed"
	OrderPaymentFailed   OrderStatus = "payment_failed"
	OrderCancelled       OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderDraft:           {OrderAwaitingPayment, OrderCancelled},
	OrderAwaitingPayment: {OrderPaid, OrderPaymentFailed, OrderCancelled},
	OrderPaid:            {OrderFulfilling, OrderCancelled},
	OrderFulfilling:      {OrderCompleted, OrderCancelled},
	// A failed payment may be re-opened for another attempt, or abandoned.
	OrderPaymentFailed: {OrderAwaitingPayment, OrderCancelled},
}

// CanTransitionTo reports whether the order may move from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends the order lifecycle. PaymentFailed counts as terminal
// even though it can be explicitly re-opened.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled, OrderPaymentFailed:
		return true
	}
	return false
}

// IsPayable reports whether a new payment transaction may be opened for the order.
func (s OrderStatus) IsPayable() bool {
	switch s {
	case OrderDraft, OrderAwaitingPayment, OrderPaymentFailed:
		return true
	}
	return false
}

func (s OrderStatus) String() string {
	return string(s)
}

// ParseOrderStatus returns the status named by s, or false if unknown.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	status := OrderStatus(s)
	switch status {
	case OrderDraft, OrderAwaitingPayment, OrderPaid, OrderFulfilling, OrderCompleted, OrderPaymentFailed, OrderCancelled:
		return status, true
	}
	return "", false
}

// StockState tracks what happened to the stock an order holds.
type StockState string

const (
	StockNone      StockState = "none"
	StockReserved  StockState = "reserved"
	StockCommitted StockState = "committed"
	StockReleased  StockState = "released"
)

// OrderItem is a line copied from the cart at finalize time. It is never re-priced.
type OrderItem struct {
	ID           uint   `json:"-" gorm:"primaryKey;autoIncrement"`
	OrderID      string `json:"-" gorm:"index;type:varchar(36)"`
	VariantID    string `json:"variant_id" gorm:"type:varchar(36)"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`    // price at the time of order
	LineDiscount int64  `json:"line_discount"` // discount allocated to this line
}

// Subtotal is the undiscounted line amount.
func (i OrderItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Order represents a customer order.
type Order struct {
	ID               string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID           string      `json:"user_id" gorm:"index;type:varchar(36)"`
	CartID           string      `json:"cart_id" gorm:"type:varchar(36)"`
	AddressID        string      `json:"address_id"`
	Currency         string      `json:"currency" gorm:"type:varchar(8)"`
	Items            []OrderItem `json:"items" gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Subtotal         int64       `json:"subtotal"`
	DiscountTotal    int64       `json:"discount_total"`
	ShippingCost     int64       `json:"shipping_cost"`
	Total            int64       `json:"total"`
	DiscountRuleID   string      `json:"discount_rule_id,omitempty" gorm:"type:varchar(36)"`
	DiscountCode     string      `json:"discount_code,omitempty"`
	DiscountConsumed bool        `json:"discount_consumed"`
	Status           OrderStatus `json:"status" gorm:"index;type:varchar(32)"`
	StockState       StockState  `json:"stock_state" gorm:"type:varchar(16)"`
	CancelReason     string      `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	PaidAt           *time.Time  `json:"paid_at,omitempty"`
	CancelledAt      *time.Time  `json:"cancelled_at,omitempty"`
}

// ComputeTotals fills Subtotal, DiscountTotal and Total from the items and shipping cost.
func (o *Order) ComputeTotals() {
	var subtotal, discount int64
	for _, item := range o.Items {
		subtotal += item.Subtotal()
		discount += item.LineDiscount
	}
	o.Subtotal = subtotal
	o.DiscountTotal = discount
	o.Total = subtotal - discount + o.ShippingCost
}

// TotalsConsistent reports whether Total still equals items minus discounts plus shipping.
func (o Order) TotalsConsistent() bool {
	check := o
	check.ComputeTotals()
	return check.Subtotal == o.Subtotal && check.DiscountTotal == o.DiscountTotal && check.Total == o.Total
}
