package recommend

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"freshcart/internal/inventory"
	"freshcart/internal/pipeline"
	"freshcart/internal/worker"
)

// CustomerSource is the store surface the trigger needs. *inventory.Store
// implements it.
type CustomerSource interface {
	ListCustomers(ctx context.Context) ([]inventory.Customer, error)
	InsertRecommendation(ctx context.Context, rec inventory.Recommendation) (int64, error)
}

// Notifier delivers an event to a customer's websocket channel. *ws.Hub
// implements it.
type Notifier interface {
	NotifyCustomer(customerID string, event any)
}

// Matcher ranks customers for a discounted item. The AI-backed matcher is
// expensive and sits behind the global rate limiter.
type Matcher interface {
	Match(ctx context.Context, item inventory.Item, discount float64, customers []inventory.Customer) ([]MatchResult, error)
}

// MatchResult is one customer picked by a matcher.
type MatchResult struct {
	CustomerID int64   `json:"customer_id"`
	Score      float64 `json:"score"`
	Message    string  `json:"message,omitempty"`
}

// Notification is the event sent on a matched customer's channel.
type Notification struct {
	Type       string    `json:"type"` // "recommendation"
	Timestamp  time.Time `json:"timestamp"`
	CustomerID int64     `json:"customer_id"`
	ItemID     int64     `json:"item_id"`
	Category   string    `json:"category"`
	Discount   float64   `json:"discount"`
	Price      float64   `json:"price"`
	Message    string    `json:"message,omitempty"`
}

// minTriggerDiscount is the discount a crossing must reach to fire.
const minTriggerDiscount = 20.0

// Trigger watches committed freshness changes and runs recommendation
// matching when an item's discount crosses upward past the threshold. The
// preference matcher runs on every qualifying crossing; the AI matcher is
// additionally gated by a global rate limiter with silent drop (no queue, no
// retry).
type Trigger struct {
	store    CustomerSource
	notifier Notifier
	pool     *worker.Pool
	ai       Matcher

	rateLimit time.Duration

	mu         sync.Mutex
	lastAICall time.Time
}

// TriggerConfig holds trigger settings.
type TriggerConfig struct {
	// RateLimit is the minimum spacing between AI matcher invocations.
	RateLimit time.Duration
}

// NewTrigger creates a trigger. The AI matcher and pool are optional; without
// a pool, matching runs inline.
func NewTrigger(store CustomerSource, notifier Notifier, pool *worker.Pool, ai Matcher, config TriggerConfig) *Trigger {
	if config.RateLimit <= 0 {
		config.RateLimit = 10 * time.Second
	}
	return &Trigger{
		store:     store,
		notifier:  notifier,
		pool:      pool,
		ai:        ai,
		rateLimit: config.RateLimit,
	}
}

// OnInventoryChange implements pipeline.ChangeHandler so the trigger can
// subscribe to the event bus directly.
func (t *Trigger) OnInventoryChange(change *inventory.CommittedChange) {
	t.MaybeTrigger(change)
}

// MaybeTrigger fires matching when the change is an upward discount crossing
// at or above the threshold. Everything runs off the caller's goroutine via
// the worker pool.
func (t *Trigger) MaybeTrigger(change *inventory.CommittedChange) {
	if change == nil || change.Kind != inventory.ChangeFreshness {
		return
	}
	if !(change.NewDiscount > change.OldDiscount && change.NewDiscount >= minTriggerDiscount) {
		return
	}

	item := change.Item
	discount := change.NewDiscount

	t.submit(func() { t.matchPreferences(item, discount) })

	if t.ai != nil && t.takeAISlot() {
		t.submit(func() { t.matchAI(item, discount) })
	}
}

// takeAISlot claims the global AI rate-limit slot. Callers that lose simply
// drop the AI invocation.
func (t *Trigger) takeAISlot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.lastAICall) < t.rateLimit {
		return false
	}
	t.lastAICall = now
	return true
}

// matchPreferences runs the deterministic preference matcher across all
// customers. One customer's failure never aborts the rest.
func (t *Trigger) matchPreferences(item inventory.Item, discount float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	customers, err := t.store.ListCustomers(ctx)
	if err != nil {
		log.Printf("[Recommend] Failed to list customers: %v", err)
		return
	}

	for _, customer := range customers {
		if !matches(customer.Preferences, item, discount) {
			continue
		}
		if err := t.recommend(ctx, customer, item, discount, 0, ""); err != nil {
			log.Printf("[Recommend] Failed to recommend %s to customer %d: %v", item.Category, customer.ID, err)
		}
	}
}

// matchAI asks the AI matcher to rank customers for the item.
func (t *Trigger) matchAI(item inventory.Item, discount float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	customers, err := t.store.ListCustomers(ctx)
	if err != nil {
		log.Printf("[Recommend] Failed to list customers: %v", err)
		return
	}
	if len(customers) == 0 {
		return
	}

	results, err := t.ai.Match(ctx, item, discount, customers)
	if err != nil {
		log.Printf("[Recommend] AI matching failed: %v", err)
		return
	}

	byID := make(map[int64]inventory.Customer, len(customers))
	for _, c := range customers {
		byID[c.ID] = c
	}

	for _, result := range results {
		customer, ok := byID[result.CustomerID]
		if !ok {
			continue
		}
		if err := t.recommend(ctx, customer, item, discount, result.Score, result.Message); err != nil {
			log.Printf("[Recommend] Failed to recommend %s to customer %d: %v", item.Category, customer.ID, err)
		}
	}
}

// recommend persists one recommendation and notifies the customer.
func (t *Trigger) recommend(ctx context.Context, customer inventory.Customer, item inventory.Item, discount, score float64, message string) error {
	reason, _ := json.Marshal(map[string]any{
		"category": item.Category,
		"discount": discount,
		"price":    item.CurrentPrice,
	})

	if _, err := t.store.InsertRecommendation(ctx, inventory.Recommendation{
		CustomerID:    customer.ID,
		ItemID:        item.ID,
		Reason:        reason,
		PriorityScore: score,
		SentAt:        time.Now().UTC(),
	}); err != nil {
		return err
	}

	if t.notifier != nil {
		t.notifier.NotifyCustomer(customerKey(customer.ID), Notification{
			Type:       "recommendation",
			Timestamp:  time.Now().UTC(),
			CustomerID: customer.ID,
			ItemID:     item.ID,
			Category:   item.Category,
			Discount:   discount,
			Price:      item.CurrentPrice,
			Message:    message,
		})
	}
	return nil
}

// matches applies the preference rules: the category must be a favorite, the
// discounted price must fit the ceiling, and the discount must reach the
// customer's preferred level. Zero-valued ceilings and thresholds mean no
// constraint.
func matches(prefs inventory.Preferences, item inventory.Item, discount float64) bool {
	favorite := false
	for _, category := range prefs.FavoriteCategories {
		if strings.EqualFold(category, item.Category) {
			favorite = true
			break
		}
	}
	if !favorite {
		return false
	}
	if prefs.MaxPrice > 0 && item.CurrentPrice > prefs.MaxPrice {
		return false
	}
	if prefs.PreferredDiscount > 0 && discount < prefs.PreferredDiscount {
		return false
	}
	return true
}

func (t *Trigger) submit(task func()) {
	if t.pool == nil || !t.pool.Submit(task) {
		task()
	}
}

func customerKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Ensure Trigger implements pipeline.ChangeHandler
var _ pipeline.ChangeHandler = (*Trigger)(nil)
