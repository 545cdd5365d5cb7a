package inventory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend is the store surface the reconciler needs. *Store implements it.
type Backend interface {
	Begin(ctx context.Context) (Batch, error)
	GetItemByCategory(ctx context.Context, storeID int64, category string) (*Item, error)
	GetFreshness(ctx context.Context, itemID int64) (*FreshnessRecord, error)
}

// ReconcilerConfig holds reconciler settings.
type ReconcilerConfig struct {
	StoreID         int64
	DefaultPrice    float64
	DefaultLocation string
}

// Reconciler converts debounced category deltas into inventory mutations. It
// keeps an in-memory cache keyed by category mirroring the backing store;
// cache entries advance only after the corresponding batch commits, so a
// failed batch leaves the cache exactly as it was.
type Reconciler struct {
	backend Backend
	config  ReconcilerConfig

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	itemID   int64
	quantity int
	price    float64
	original float64
	score    Freshness
	hasScore bool
	discount float64
	status   Status
}

// NewReconciler creates a reconciler over the given backend.
func NewReconciler(backend Backend, config ReconcilerConfig) *Reconciler {
	if config.DefaultPrice <= 0 {
		config.DefaultPrice = 2.99
	}
	return &Reconciler{
		backend: backend,
		config:  config,
		cache:   make(map[string]*cacheEntry),
	}
}

// Apply commits one batch of deltas atomically. Either every staged write is
// durably committed and the cache advanced, or nothing changes. Batches from
// the same stream are serialized by the reconciler mutex; ordering across
// categories within a batch is unspecified.
func (r *Reconciler) Apply(ctx context.Context, deltas []CategoryDelta) ([]CommittedChange, error) {
	if len(deltas) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch, err := r.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reconciliation batch: %w", err)
	}

	var changes []CommittedChange
	staged := make(map[string]*cacheEntry)
	wrote := false

	for _, delta := range deltas {
		entry, err := r.lookup(ctx, delta.Category)
		if err != nil {
			batch.Rollback()
			return nil, err
		}

		if entry == nil {
			if !delta.CountChanged || delta.Count == 0 {
				continue
			}
			created, change, qtyChange, err := r.createItem(batch, delta)
			if err != nil {
				batch.Rollback()
				return nil, err
			}
			staged[delta.Category] = created
			changes = append(changes, qtyChange, change)
			wrote = true
			continue
		}

		next := *entry
		item := r.itemSnapshot(delta.Category, &next)

		if delta.CountChanged && delta.Count != entry.quantity {
			if err := batch.UpdateQuantity(entry.itemID, delta.Count); err != nil {
				batch.Rollback()
				return nil, err
			}
			if delta.Count == 0 && entry.status == StatusClearance {
				loss := float64(entry.quantity) * entry.price
				if err := batch.InsertWasteLog(entry.itemID, entry.quantity, "clearance stock depleted", loss); err != nil {
					batch.Rollback()
					return nil, err
				}
			}
			next.quantity = delta.Count
			item.Quantity = delta.Count
			changes = append(changes, CommittedChange{
				Kind:        ChangeQuantity,
				Item:        item,
				OldQuantity: entry.quantity,
				NewQuantity: delta.Count,
				Freshness:   next.score,
				Status:      next.status,
			})
			wrote = true
		}

		if delta.HasFreshness {
			score := delta.Freshness.Clamp()
			discount := DiscountForFreshness(score)
			if !entry.hasScore || score != entry.score || discount != entry.discount {
				status := StatusForFreshness(score)
				price := DiscountedPrice(next.original, discount)
				rec := FreshnessRecord{
					ItemID:      entry.itemID,
					Score:       score,
					Discount:    discount,
					Status:      status,
					LastChecked: time.Now().UTC(),
				}
				if err := batch.UpsertFreshness(rec); err != nil {
					batch.Rollback()
					return nil, err
				}
				if err := batch.UpdatePrice(entry.itemID, price); err != nil {
					batch.Rollback()
					return nil, err
				}
				oldDiscount := entry.discount
				next.score = score
				next.hasScore = true
				next.discount = discount
				next.status = status
				next.price = price
				item.Quantity = next.quantity
				item.CurrentPrice = price
				changes = append(changes, CommittedChange{
					Kind:        ChangeFreshness,
					Item:        item,
					OldQuantity: next.quantity,
					NewQuantity: next.quantity,
					OldDiscount: oldDiscount,
					NewDiscount: discount,
					Freshness:   score,
					Status:      status,
				})
				wrote = true
			}
		}

		if next != *entry {
			staged[delta.Category] = &next
		}
	}

	if !wrote {
		batch.Rollback()
		return nil, nil
	}

	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation batch: %w", err)
	}

	// Cache advances only after the durable commit.
	for category, entry := range staged {
		r.cache[category] = entry
	}

	return changes, nil
}

// lookup returns the cache entry for a category, falling back to the backing
// store on a cache miss. A loaded entry is cached immediately: it mirrors
// state the store has already committed, so it stays valid even if the batch
// that triggered the load rolls back.
func (r *Reconciler) lookup(ctx context.Context, category string) (*cacheEntry, error) {
	if entry, ok := r.cache[category]; ok {
		return entry, nil
	}

	item, err := r.backend.GetItemByCategory(ctx, r.config.StoreID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to look up category %s: %w", category, err)
	}
	if item == nil {
		return nil, nil
	}

	entry := &cacheEntry{
		itemID:   item.ID,
		quantity: item.Quantity,
		price:    item.CurrentPrice,
		original: item.OriginalPrice,
	}
	if rec, err := r.backend.GetFreshness(ctx, item.ID); err != nil {
		return nil, err
	} else if rec != nil {
		entry.score = rec.Score
		entry.hasScore = true
		entry.discount = rec.Discount
		entry.status = rec.Status
	}

	r.cache[category] = entry
	return entry, nil
}

// createItem stages a brand-new item for a first-sighted category.
func (r *Reconciler) createItem(batch Batch, delta CategoryDelta) (*cacheEntry, CommittedChange, CommittedChange, error) {
	item := &Item{
		StoreID:       r.config.StoreID,
		Category:      delta.Category,
		Quantity:      delta.Count,
		BatchNumber:   uuid.NewString(),
		Location:      r.config.DefaultLocation,
		OriginalPrice: r.config.DefaultPrice,
		CurrentPrice:  r.config.DefaultPrice,
	}

	entry := &cacheEntry{
		quantity: delta.Count,
		price:    r.config.DefaultPrice,
		original: r.config.DefaultPrice,
	}

	if err := batch.CreateItem(item); err != nil {
		return nil, CommittedChange{}, CommittedChange{}, err
	}
	entry.itemID = item.ID

	if delta.HasFreshness {
		score := delta.Freshness.Clamp()
		discount := DiscountForFreshness(score)
		status := StatusForFreshness(score)
		price := DiscountedPrice(item.OriginalPrice, discount)
		rec := FreshnessRecord{
			ItemID:      item.ID,
			Score:       score,
			Discount:    discount,
			Status:      status,
			LastChecked: time.Now().UTC(),
		}
		if err := batch.UpsertFreshness(rec); err != nil {
			return nil, CommittedChange{}, CommittedChange{}, err
		}
		if err := batch.UpdatePrice(item.ID, price); err != nil {
			return nil, CommittedChange{}, CommittedChange{}, err
		}
		entry.score = score
		entry.hasScore = true
		entry.discount = discount
		entry.status = status
		entry.price = price
		item.CurrentPrice = price
	}

	log.Printf("[Reconciler] Created item for category %s (id=%d, quantity=%d)", delta.Category, item.ID, delta.Count)

	qtyChange := CommittedChange{
		Kind:        ChangeQuantity,
		Item:        *item,
		OldQuantity: 0,
		NewQuantity: delta.Count,
		Freshness:   entry.score,
		Status:      entry.status,
	}
	created := CommittedChange{
		Kind:        ChangeCreated,
		Item:        *item,
		NewQuantity: delta.Count,
		NewDiscount: entry.discount,
		Freshness:   entry.score,
		Status:      entry.status,
	}
	return entry, created, qtyChange, nil
}

func (r *Reconciler) itemSnapshot(category string, entry *cacheEntry) Item {
	return Item{
		ID:            entry.itemID,
		StoreID:       r.config.StoreID,
		Category:      category,
		Quantity:      entry.quantity,
		OriginalPrice: entry.original,
		CurrentPrice:  entry.price,
	}
}

// CachedQuantity reports the last committed quantity for a category. Used by
// the stream loop to decide when a category has cleared.
func (r *Reconciler) CachedQuantity(category string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[category]
	if !ok {
		return 0, false
	}
	return entry.quantity, true
}

// Reset drops the in-memory cache. Called when a streaming session ends so a
// new session rebuilds its view from the store.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*cacheEntry)
}
