package models

import "time"

// CartItem is a line in a cart. UnitPrice is the price shown when the item was added.
type CartItem struct {
	ID        uint   `json:"-" gorm:"primaryKey;autoIncrement"`
	CartID    string `json:"-" gorm:"index;type:varchar(36)"`
	VariantID string `json:"variant_id" gorm:"type:varchar(36)"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Cart is owned by a user. Cart CRUD lives outside this service; only reads and clearing happen here.
type Cart struct {
	ID           string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID       string     `json:"user_id" gorm:"index;type:varchar(36)"`
	DiscountCode string     `json:"discount_code"`
	Items        []CartItem `json:"items" gorm:"foreignKey:CartID;constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsEmpty reports whether the cart has no line with a positive quantity.
func (c Cart) IsEmpty() bool {
	for _, item := range c.Items {
		if item.Quantity > 0 {
			return false
		}
	}
	return true
}
