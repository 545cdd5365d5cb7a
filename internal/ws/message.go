package ws

import (
	"time"

	"freshcart/internal/inventory"
	"freshcart/internal/pipeline"
)

// FrameMeta precedes each binary JPEG frame on observer connections. The
// observer pairs the metadata with the binary message that follows it.
type FrameMeta struct {
	Type       string               `json:"type"` // "frame_meta"
	Seq        uint64               `json:"seq"`
	Timestamp  time.Time            `json:"timestamp"`
	FPS        float64              `json:"fps"`
	FrameSize  int                  `json:"frame_size"`
	Detections []pipeline.Detection `json:"detections"`
}

// NewFrameMeta builds the metadata message for a frame broadcast.
func NewFrameMeta(frame *pipeline.Frame, detections []pipeline.Detection, fps float64) *FrameMeta {
	if detections == nil {
		detections = make([]pipeline.Detection, 0)
	}
	return &FrameMeta{
		Type:       "frame_meta",
		Seq:        frame.Seq,
		Timestamp:  frame.Timestamp,
		FPS:        fps,
		FrameSize:  len(frame.Data),
		Detections: detections,
	}
}

// QuantityChangedEvent reports a committed quantity change.
type QuantityChangedEvent struct {
	Type        string    `json:"type"` // "quantity_changed"
	Timestamp   time.Time `json:"timestamp"`
	ItemID      int64     `json:"item_id"`
	Category    string    `json:"category"`
	OldQuantity int       `json:"old_quantity"`
	NewQuantity int       `json:"new_quantity"`
	Delta       int       `json:"delta"`
	ChangeType  string    `json:"change_type"` // "increase" or "decrease"
}

// InventoryAddedEvent reports a first-sighted category.
type InventoryAddedEvent struct {
	Type      string    `json:"type"` // "inventory_added"
	Timestamp time.Time `json:"timestamp"`
	ItemID    int64     `json:"item_id"`
	Category  string    `json:"category"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
}

// FreshnessUpdatedEvent reports a committed freshness/discount change.
type FreshnessUpdatedEvent struct {
	Type         string              `json:"type"` // "freshness_updated"
	Timestamp    time.Time           `json:"timestamp"`
	ItemID       int64               `json:"item_id"`
	Category     string              `json:"category"`
	Freshness    inventory.Freshness `json:"freshness"`
	OldDiscount  float64             `json:"old_discount"`
	NewDiscount  float64             `json:"new_discount"`
	Status       inventory.Status    `json:"status"`
	CurrentPrice float64             `json:"current_price"`
}

// FreshnessAlertEvent fires when an item reaches clearance status.
type FreshnessAlertEvent struct {
	Type      string              `json:"type"` // "freshness_alert"
	Timestamp time.Time           `json:"timestamp"`
	ItemID    int64               `json:"item_id"`
	Category  string              `json:"category"`
	Freshness inventory.Freshness `json:"freshness"`
	Discount  float64             `json:"discount"`
}

// ReconcileErrorEvent surfaces a failed reconciliation batch to admins.
type ReconcileErrorEvent struct {
	Type      string    `json:"type"` // "reconcile_error"
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// RecommendationEvent is delivered on a customer's channel when an item
// matches their preferences.
type RecommendationEvent struct {
	Type       string    `json:"type"` // "recommendation"
	Timestamp  time.Time `json:"timestamp"`
	CustomerID string    `json:"customer_id"`
	ItemID     int64     `json:"item_id"`
	Category   string    `json:"category"`
	Discount   float64   `json:"discount"`
	Price      float64   `json:"price"`
	Message    string    `json:"message,omitempty"`
}

// streamCommand is the control message remote proxies send on /ws/stream.
type streamCommand struct {
	Action string `json:"action"` // "start_stream" or "stop_stream"
}

// streamAck is the reply to a stream control command.
type streamAck struct {
	Type   string `json:"type"` // "ack"
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}
