package models

import "time"

// Variant is a sellable product variant. Price is the live catalog price in minor units.
type Variant struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)" validate:"omitempty,uuid"`
	ProductName string    `json:"product_name" validate:"required,min=1,max=100"`
	CategoryID  string    `json:"category_id" gorm:"index;type:varchar(36)"`
	Price       int64     `json:"price" validate:"required,gt=0"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StockRecord tracks the available quantity of a single variant. Count never drops below zero.
type StockRecord struct {
	VariantID string    `json:"variant_id" gorm:"primaryKey;type:varchar(36)"`
	Count     int       `json:"count" gorm:"not null;default:0;check:count >= 0"`
	UpdatedAt time.Time `json:"updated_at"`
}
