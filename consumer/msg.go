package consumer

import (
	"context"
	"time"

	"github.com/c360/streambus/message"
)

// Metadata describes one delivery
type Metadata struct {
	Stream       string
	Consumer     string
	Sequence     SequencePair
	NumDelivered int
	NumPending   uint64
	Timestamp    time.Time
}

// Msg is a stream message handed out by a consumer
type Msg struct {
	*message.Msg

	consumer *Consumer
	meta     Metadata
}

// Metadata returns the delivery metadata
func (m *Msg) Metadata() Metadata {
	return m.meta
}

// Ack acknowledges the message
func (m *Msg) Ack(ctx context.Context) error {
	return m.consumer.Respond(ctx, m.meta.Sequence.Stream, AckAck, 0)
}

// Nak asks for immediate redelivery
func (m *Msg) Nak(ctx context.Context) error {
	return m.consumer.Respond(ctx, m.meta.Sequence.Stream, AckNak, 0)
}

// NakWithDelay asks for redelivery after delay
func (m *Msg) NakWithDelay(ctx context.Context, delay time.Duration) error {
	return m.consumer.Respond(ctx, m.meta.Sequence.Stream, AckNak, delay)
}

// Term stops redelivery of the message
func (m *Msg) Term(ctx context.Context) error {
	return m.consumer.Respond(ctx, m.meta.Sequence.Stream, AckTerm, 0)
}

// InProgress resets the ack wait timer
func (m *Msg) InProgress(ctx context.Context) error {
	return m.consumer.Respond(ctx, m.meta.Sequence.Stream, AckProgress, 0)
}
