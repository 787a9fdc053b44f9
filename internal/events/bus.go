// Package events broadcasts trade lifecycle events to in-process
// subscribers (the notification transport, log sinks). Delivery is
// fire-and-forget: a subscriber with a full buffer misses the event.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	TypeTradeStatusChanged = "tradeStatusChanged"
	TypeTradeDeleted       = "tradeDeleted"
	TypeTradeEscalated     = "tradeEscalated"
)

type Event struct {
	Type    string    `json:"type"`
	TradeID uuid.UUID `json:"trade_id"`
	Status  string    `json:"status,omitempty"`
}

func StatusChanged(tradeID uuid.UUID, status string) Event {
	return Event{Type: TypeTradeStatusChanged, TradeID: tradeID, Status: status}
}

func Deleted(tradeID uuid.UUID) Event {
	return Event{Type: TypeTradeDeleted, TradeID: tradeID}
}

func Escalated(tradeID uuid.UUID) Event {
	return Event{Type: TypeTradeEscalated, TradeID: tradeID}
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a receive channel with the given buffer and a cancel
// function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped, subscriber buffer full", "type", ev.Type, "trade_id", ev.TradeID)
		}
	}
}
