package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestHubFiltersBySubscription(t *testing.T) {
	hub := NewHub(nil)
	branchA := &Client{ID: "a", Send: make(chan []byte, 4), Subscription: Subscription{BranchID: "branch-a"}}
	ticketOnly := &Client{ID: "t", Send: make(chan []byte, 4), Subscription: Subscription{TicketID: "ticket-9", Types: []string{TicketPositionUpdated}}}
	hub.Register(branchA)
	hub.Register(ticketOnly)

	ctx := context.Background()
	_ = hub.Publish(ctx, Event{Type: TicketCalled, BranchID: "branch-a", TicketID: "ticket-1"})
	_ = hub.Publish(ctx, Event{Type: TicketCalled, BranchID: "branch-b", TicketID: "ticket-9"})
	_ = hub.Publish(ctx, Event{Type: TicketPositionUpdated, BranchID: "branch-b", TicketID: "ticket-9"})

	if len(branchA.Send) != 1 {
		t.Fatalf("branch client expected 1 event, got %d", len(branchA.Send))
	}
	if len(ticketOnly.Send) != 1 {
		t.Fatalf("ticket client expected 1 event, got %d", len(ticketOnly.Send))
	}
	var got Event
	if err := json.Unmarshal(<-ticketOnly.Send, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TicketPositionUpdated {
		t.Fatalf("unexpected event %q", got.Type)
	}
}

func TestHubDropsForSlowClient(t *testing.T) {
	hub := NewHub(nil)
	slow := &Client{ID: "slow", Send: make(chan []byte, 1)}
	hub.Register(slow)
	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), Event{Type: TicketCreated}); err != nil {
			t.Fatalf("publish should not fail on slow client: %v", err)
		}
	}
	if len(slow.Send) != 1 {
		t.Fatalf("expected buffered message only, got %d", len(slow.Send))
	}
	hub.Unregister(slow)
	hub.Unregister(slow)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	hub := NewHub(nil)
	client := &Client{ID: "c", Send: make(chan []byte, 1)}
	hub.Register(client)

	err := Multi{failingPublisher{err: boom}, hub}.Publish(context.Background(), Event{Type: QueueOpened})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(client.Send) != 1 {
		t.Fatalf("later publishers must still receive the event")
	}
}

func TestUnconfiguredKafkaPublisher(t *testing.T) {
	if NewKafkaPublisher(nil, "t").Publish(context.Background(), Event{}) != nil {
		t.Fatalf("unconfigured publisher should be a no-op")
	}
	if err := NewKafkaPublisher([]string{"localhost:9092"}, "").Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
