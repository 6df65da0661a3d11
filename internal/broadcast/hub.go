package broadcast

import (
	"context"
	"log/slog"
	"sync"
)

// Hub is an in-process Publisher keyed by auction id. Each subscription
// has a bounded queue; messages for a full queue are dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub returns a Hub whose subscriptions buffer up to buffer messages.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription receives the messages of one auction.
type Subscription struct {
	hub       *Hub
	auctionID string
	ch        chan Message
	once      sync.Once
}

// Subscribe registers an observer for auctionID. Callers must Close the
// subscription when done.
func (h *Hub) Subscribe(auctionID string) *Subscription {
	sub := &Subscription{
		hub:       h,
		auctionID: auctionID,
		ch:        make(chan Message, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[auctionID] == nil {
		h.subs[auctionID] = make(map[*Subscription]struct{})
	}
	h.subs[auctionID][sub] = struct{}{}
	return sub
}

// C returns the channel messages are delivered on. It is closed by Close
// and when the auction is dropped from the hub.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		if subs := s.hub.subs[s.auctionID]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.hub.subs, s.auctionID)
			}
		}
		close(s.ch)
	})
}

// Publish delivers msg to every subscriber of msg.AuctionID without
// blocking.
func (h *Hub) Publish(ctx context.Context, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[msg.AuctionID] {
		select {
		case sub.ch <- msg:
		default:
			h.logger.WarnContext(ctx, "dropping message for slow subscriber",
				slog.String("auction_id", msg.AuctionID),
				slog.String("type", string(msg.Type)),
			)
		}
	}
	return nil
}

// Drop closes every subscription of auctionID.
func (h *Hub) Drop(_ context.Context, auctionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[auctionID] {
		sub.closeLocked()
	}
	return nil
}

// Subscribers returns the number of live subscriptions for auctionID.
func (h *Hub) Subscribers(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[auctionID])
}
