package events

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Subscription filters events by branch, ticket and type. Empty fields match
// everything.
type Subscription struct {
	BranchID string
	TicketID string
	Types    []string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

// Hub fans events out to in-process subscribers. Slow clients lose messages
// instead of blocking publishers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, event) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop event for slow client",
				zap.String("client_id", client.ID), zap.String("type", event.Type))
		}
	}
	return nil
}

func match(sub Subscription, event Event) bool {
	if sub.BranchID != "" && event.BranchID != sub.BranchID {
		return false
	}
	if sub.TicketID != "" && event.TicketID != sub.TicketID {
		return false
	}
	if len(sub.Types) == 0 {
		return true
	}
	for _, t := range sub.Types {
		if t == event.Type {
			return true
		}
	}
	return false
}
