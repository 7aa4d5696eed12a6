package models

import (
	"strings"
	"time"
)

// DiscountScope selects which cart lines a rule applies to.
type DiscountScope string

const (
	ScopeVariants   DiscountScope = "variants"
	ScopeCategories DiscountScope = "categories"
)

// DiscountRule is a promotion redeemable by code. Exactly one of AmountOff or PercentOff is set.
type DiscountRule struct {
	ID          string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Code        string        `json:"code" gorm:"uniqueIndex;type:varchar(64)"`
	Scope       DiscountScope `json:"scope" gorm:"type:varchar(16)"`
	VariantIDs  string        `json:"variant_ids" gorm:"type:text"`  // comma separated
	CategoryIDs string        `json:"category_ids" gorm:"type:text"` // comma separated
	AmountOff   int64         `json:"amount_off"`
	PercentOff  int           `json:"percent_off"`
	StartDate   time.Time     `json:"start_date"`
	EndDate     time.Time     `json:"end_date"`
	UsageLimit  int           `json:"usage_limit"` // 0 means unlimited
	UsageCount  int           `json:"usage_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Exhausted reports whether the rule has used up its redemption slots.
func (r DiscountRule) Exhausted() bool {
	return r.UsageLimit > 0 && r.UsageCount >= r.UsageLimit
}

// Matches reports whether a line with the given variant and category is in scope.
func (r DiscountRule) Matches(variantID, categoryID string) bool {
	switch r.Scope {
	case ScopeVariants:
		return containsID(r.VariantIDs, variantID)
	case ScopeCategories:
		return categoryID != "" && containsID(r.CategoryIDs, categoryID)
	}
	return false
}

// SetVariantIDs stores ids in the comma separated column.
func (r *DiscountRule) SetVariantIDs(ids ...string) {
	r.VariantIDs = strings.Join(ids, ",")
}

// SetCategoryIDs stores ids in the comma separated column.
func (r *DiscountRule) SetCategoryIDs(ids ...string) {
	r.CategoryIDs = strings.Join(ids, ",")
}

func containsID(list, id string) bool {
	if id == "" {
		return false
	}
	for _, candidate := range strings.Split(list, ",") {
		if strings.TrimSpace(candidate) == id {
			return true
		}
	}
	return false
}
