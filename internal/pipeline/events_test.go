package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freshcart/internal/inventory"
)

func TestEventBusDeliversToHandlerAndChannel(t *testing.T) {
	bus := NewEventBus()

	var handled []*inventory.CommittedChange
	unsubHandler := bus.Subscribe(ChangeHandlerFunc(func(change *inventory.CommittedChange) {
		handled = append(handled, change)
	}))
	defer unsubHandler()

	ch, unsubCh := bus.SubscribeChannel(4)
	defer unsubCh()

	change := &inventory.CommittedChange{
		Kind: inventory.ChangeQuantity,
		Item: inventory.Item{Category: "apple"},
	}
	bus.Publish(change)

	require.Len(t, handled, 1)
	assert.Same(t, change, handled[0])
	assert.Same(t, change, <-ch)
}

func TestEventBusCategoryFilter(t *testing.T) {
	bus := NewEventBus()

	var got []string
	unsub := bus.SubscribeCategory("apple", ChangeHandlerFunc(func(change *inventory.CommittedChange) {
		got = append(got, change.Item.Category)
	}))
	defer unsub()

	bus.Publish(&inventory.CommittedChange{Item: inventory.Item{Category: "pear"}})
	bus.Publish(&inventory.CommittedChange{Item: inventory.Item{Category: "apple"}})

	assert.Equal(t, []string{"apple"}, got)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	calls := 0
	unsub := bus.Subscribe(ChangeHandlerFunc(func(*inventory.CommittedChange) { calls++ }))
	require.Equal(t, 1, bus.SubscriberCount())

	unsub()
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(&inventory.CommittedChange{})
	assert.Equal(t, 0, calls)
}

func TestEventBusFullChannelDropsInsteadOfBlocking(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.SubscribeChannel(1)
	defer unsub()

	bus.Publish(&inventory.CommittedChange{Item: inventory.Item{Category: "first"}})
	bus.Publish(&inventory.CommittedChange{Item: inventory.Item{Category: "dropped"}})

	assert.Equal(t, "first", (<-ch).Item.Category)
	select {
	case extra := <-ch:
		t.Fatalf("expected drop, got %s", extra.Item.Category)
	default:
	}
}
