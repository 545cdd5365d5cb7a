package ws

import (
	"time"

	"freshcart/internal/inventory"
	"freshcart/internal/pipeline"
)

// Bridge translates committed inventory changes from the event bus into
// websocket events for admin observers.
type Bridge struct {
	hub *Hub
}

// NewBridge creates a bridge publishing into the given hub.
func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub}
}

// Attach subscribes the bridge to the bus. Returns the unsubscribe function.
func (b *Bridge) Attach(bus *pipeline.EventBus) func() {
	return bus.Subscribe(b)
}

// OnInventoryChange implements pipeline.ChangeHandler.
func (b *Bridge) OnInventoryChange(change *inventory.CommittedChange) {
	now := time.Now().UTC()

	switch change.Kind {
	case inventory.ChangeCreated:
		b.hub.BroadcastEvent(InventoryAddedEvent{
			Type:      "inventory_added",
			Timestamp: now,
			ItemID:    change.Item.ID,
			Category:  change.Item.Category,
			Quantity:  change.NewQuantity,
			Price:     change.Item.CurrentPrice,
		})

	case inventory.ChangeQuantity:
		b.hub.BroadcastEvent(QuantityChangedEvent{
			Type:        "quantity_changed",
			Timestamp:   now,
			ItemID:      change.Item.ID,
			Category:    change.Item.Category,
			OldQuantity: change.OldQuantity,
			NewQuantity: change.NewQuantity,
			Delta:       change.NewQuantity - change.OldQuantity,
			ChangeType:  change.Direction(),
		})

	case inventory.ChangeFreshness:
		b.hub.BroadcastEvent(FreshnessUpdatedEvent{
			Type:         "freshness_updated",
			Timestamp:    now,
			ItemID:       change.Item.ID,
			Category:     change.Item.Category,
			Freshness:    change.Freshness,
			OldDiscount:  change.OldDiscount,
			NewDiscount:  change.NewDiscount,
			Status:       change.Status,
			CurrentPrice: change.Item.CurrentPrice,
		})

		if change.Status == inventory.StatusClearance {
			b.hub.BroadcastEvent(FreshnessAlertEvent{
				Type:      "freshness_alert",
				Timestamp: now,
				ItemID:    change.Item.ID,
				Category:  change.Item.Category,
				Freshness: change.Freshness,
				Discount:  change.NewDiscount,
			})
		}
	}
}

// ReportError broadcasts a reconciliation failure to admin observers.
func (b *Bridge) ReportError(err error) {
	b.hub.BroadcastEvent(ReconcileErrorEvent{
		Type:      "reconcile_error",
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
	})
}

// Ensure Bridge implements pipeline.ChangeHandler
var _ pipeline.ChangeHandler = (*Bridge)(nil)
