package inventory

import (
	"encoding/json"
	"time"
)

// Item represents a tracked produce line in a store.
type Item struct {
	ID            int64     `json:"id"`
	StoreID       int64     `json:"store_id"`
	Category      string    `json:"category"` // apple, banana, orange, ...
	Variety       string    `json:"variety,omitempty"`
	Quantity      int       `json:"quantity"`
	BatchNumber   string    `json:"batch_number"`
	Location      string    `json:"location_in_store,omitempty"`
	OriginalPrice float64   `json:"original_price"`
	CurrentPrice  float64   `json:"current_price"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FreshnessRecord is the per-item freshness state, one-to-one with an Item.
// Created on first detection of a category, mutated on every reconciled
// update, deleted only with its item.
type FreshnessRecord struct {
	ItemID      int64     `json:"item_id"`
	Score       Freshness `json:"freshness_score"`
	Discount    float64   `json:"discount_percentage"`
	Status      Status    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
}

// Customer holds a shopper profile and their matching preferences.
type Customer struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Email       string      `json:"email"`
	Preferences Preferences `json:"preferences"`
}

// Preferences drives recommendation matching.
type Preferences struct {
	FavoriteCategories []string `json:"favorite_categories"`
	MaxPrice           float64  `json:"max_price"`
	PreferredDiscount  float64  `json:"preferred_discount"`
}

// Recommendation links a discounted item to a matched customer.
type Recommendation struct {
	ID            int64           `json:"id"`
	CustomerID    int64           `json:"customer_id"`
	ItemID        int64           `json:"item_id"`
	Reason        json.RawMessage `json:"reason,omitempty"`
	PriorityScore float64         `json:"priority_score"`
	SentAt        time.Time       `json:"sent_at"`
}

// CategoryDelta is a debounced observation for one category, produced by the
// count tracker and consumed by the reconciler.
type CategoryDelta struct {
	Category     string
	Count        int
	CountChanged bool
	Freshness    Freshness
	HasFreshness bool
}

// ChangeKind classifies a committed inventory change.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeQuantity  ChangeKind = "quantity"
	ChangeFreshness ChangeKind = "freshness"
)

// CommittedChange describes one durably committed store mutation. Emitted by
// the reconciler only after the batch transaction commits.
type CommittedChange struct {
	Kind        ChangeKind
	Item        Item
	OldQuantity int
	NewQuantity int
	OldDiscount float64
	NewDiscount float64
	Freshness   Freshness
	Status      Status
}

// Direction reports "increase" or "decrease" for quantity change events.
func (c CommittedChange) Direction() string {
	if c.NewQuantity >= c.OldQuantity {
		return "increase"
	}
	return "decrease"
}
