// Package queue implements the message-oriented access to a
// FIFO-with-redrive queue described in SPEC_FULL §4.B, backed by a NATS
// JetStream pull consumer (generalizing the teacher's plain NATS
// core pub/sub subscription into one with ack/nak/redelivery-count
// semantics comparable to a cloud queue's visibility timeout).
package queue

import (
	"context"
	"time"
)

// Message is one dequeued item (SPEC_FULL §4.B).
type Message struct {
	Body            []byte
	Handle          Handle
	ReceiveCount    int
	FirstReceivedAt time.Time
}

// Handle is an opaque lease reference returned by Receive and consumed by
// Delete/ExtendVisibility. Concrete queue backends embed whatever they
// need (e.g. the underlying *nats.Msg) behind this value; callers never
// inspect it, only pass it back.
type Handle any

// Depth is a point-in-time snapshot of queue occupancy (SPEC_FULL §4.B).
type Depth struct {
	Visible  int
	InFlight int
}

// Client is the queue access surface the dispatcher depends on.
type Client interface {
	// Receive long-polls for up to maxMessages items, returning early on
	// arrival or when longPoll elapses. An empty result is not an error.
	// visibilityTimeout is the in-flight lease duration granted to each
	// returned message.
	Receive(ctx context.Context, maxMessages int, longPoll, visibilityTimeout time.Duration) ([]Message, error)
	// Delete acknowledges successful (or poison) processing. Deleting an
	// unknown or already-expired handle is not a hard failure.
	Delete(ctx context.Context, h Handle) error
	// ExtendVisibility extends the in-flight lease by additional beyond
	// now. Returns an *errors.Error of kind Expired if the lease already
	// lapsed.
	ExtendVisibility(ctx context.Context, h Handle, additional time.Duration) error
	// Depth reports current visible/in-flight counts.
	Depth(ctx context.Context) (Depth, error)
	// Close releases the underlying connection.
	Close() error
}

// Publisher is the narrower surface the submitter needs: enqueue a raw
// message body. Both Client implementations in this package
// (JetStreamClient and FakeClient) also satisfy Publisher.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}
