// Package events publishes room lifecycle notifications for observers
// outside the room engine itself. The room engine emits
// "room.initialize", "room.load", "room.overwrite" and "room.clean";
// no "room.save" or "awareness.*" events are emitted. This generalizes
// webitel's watermill-backed EventDispatcher to an in-process pubsub
// since this module has no AMQP broker in scope.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Event is one lifecycle notification. RoomID is empty for events not
// scoped to a single room.
type Event struct {
	Topic  string    `json:"topic"`
	RoomID string    `json:"room_id,omitempty"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}

// Sink is the publish side the room engine depends on, kept minimal so
// callers unconcerned with events can pass a no-op implementation.
type Sink interface {
	Publish(ctx context.Context, topic, roomID string, data any) error
}

// Bus is the in-process watermill-backed Sink. It wraps
// gochannel.GoChannel (no broker process required) rather than an AMQP
// publisher, since no external event consumer is in scope for this
// module.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates a Bus ready to publish and subscribe.
func NewBus() *Bus {
	logger := watermill.NewStdLogger(false, false)
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{}, logger),
	}
}

// Publish marshals an Event and publishes it to topic.
func (b *Bus) Publish(ctx context.Context, topic, roomID string, data any) error {
	ev := Event{Topic: topic, RoomID: roomID, At: time.Now(), Data: data}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns the channel of messages published to topic, per
// gochannel's fan-out-to-all-subscribers semantics.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// NopSink discards every event; used by callers (tests, the minimal
// demo path) with no interest in telemetry/session-binder wiring.
type NopSink struct{}

func (NopSink) Publish(context.Context, string, string, any) error { return nil }

// LoggingSink logs every event via slog instead of publishing it,
// useful standalone or layered in front of a Bus.
type LoggingSink struct {
	Next Sink
}

func (s LoggingSink) Publish(ctx context.Context, topic, roomID string, data any) error {
	slog.Info("event", "topic", topic, "room", roomID)
	if s.Next != nil {
		return s.Next.Publish(ctx, topic, roomID, data)
	}
	return nil
}
