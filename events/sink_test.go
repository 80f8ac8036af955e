package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestBusPublishSubscribeRoundTrip(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()
	msgs, err := bus.Subscribe(ctx, "room.initialize")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "room.initialize", "text:notebook:abc", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-msgs:
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Topic != "room.initialize" || ev.RoomID != "text:notebook:abc" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestNopSinkNeverErrors(t *testing.T) {
	var s Sink = NopSink{}
	if err := s.Publish(context.Background(), "x", "y", nil); err != nil {
		t.Fatalf("NopSink.Publish returned error: %v", err)
	}
}
