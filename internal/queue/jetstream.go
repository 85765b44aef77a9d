package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	workerrors "github.com/audiopipe/transcribe-worker/internal/errors"
)

// jsHandle wraps the underlying JetStream message so Ack/Nak/InProgress
// stay internal to this package.
type jsHandle struct {
	msg *nats.Msg
}

// JetStreamClient implements Client on top of a NATS JetStream pull
// consumer. The consumer's MaxDeliver plus an advisory-driven DLQ forwarder
// (forwardExceededDeliveries) stands in for a cloud queue's native dead-letter
// queue (SPEC_FULL §4.B).
type JetStreamClient struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	sub      *nats.Subscription
	stream   string
	durable  string
	subject  string
	maxDeliver int
	cancelDLQ context.CancelFunc
}

var _ Client = (*JetStreamClient)(nil)
var _ Publisher = (*JetStreamClient)(nil)

// Options configures the JetStream-backed queue.
type Options struct {
	URL               string
	Stream            string
	Subject           string
	Durable           string
	VisibilityTimeout time.Duration
	MaxDeliver        int
}

// Connect dials NATS, ensures the stream and a durable pull consumer
// exist, and starts a background DLQ forwarder.
func Connect(opts Options) (*JetStreamClient, error) {
	nc, err := nats.Connect(opts.URL, nats.MaxReconnects(-1))
	if err != nil {
		return nil, workerrors.NewFatal("connect to queue", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, workerrors.NewFatal("init jetstream context", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{opts.Subject, opts.Stream + ".dlq"},
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, workerrors.NewFatal("ensure stream", err)
	}

	maxDeliver := opts.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = 3
	}
	if _, err := js.AddConsumer(opts.Stream, &nats.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: opts.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       opts.VisibilityTimeout,
		MaxDeliver:    maxDeliver,
	}); err != nil && err != nats.ErrConsumerNameAlreadyInUse {
		nc.Close()
		return nil, workerrors.NewFatal("ensure consumer", err)
	}

	sub, err := js.PullSubscribe(opts.Subject, opts.Durable)
	if err != nil {
		nc.Close()
		return nil, workerrors.NewFatal("pull subscribe", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &JetStreamClient{
		nc:         nc,
		js:         js,
		sub:        sub,
		stream:     opts.Stream,
		durable:    opts.Durable,
		subject:    opts.Subject,
		maxDeliver: maxDeliver,
		cancelDLQ:  cancel,
	}
	go c.forwardExceededDeliveries(ctx)
	return c, nil
}

// forwardExceededDeliveries subscribes to JetStream's advisory subject
// for this consumer and republishes any message that hit MaxDeliver onto
// <stream>.dlq, mirroring a cloud queue's automatic move-to-DLQ
// (SPEC_FULL §6 "Queue redrive").
func (c *JetStreamClient) forwardExceededDeliveries(ctx context.Context) {
	advisorySubject := fmt.Sprintf("$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES.%s.%s", c.stream, c.durable)
	sub, err := c.nc.SubscribeSync(advisorySubject)
	if err != nil {
		log.Printf("[queue] dlq advisory subscribe failed: %v", err)
		return
	}
	defer sub.Unsubscribe()
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return
		}
		// The advisory body only describes the event; the original job
		// body is fetched from the stream by its sequence number.
		var advisory struct {
			StreamSeq uint64 `json:"stream_seq"`
		}
		if err := json.Unmarshal(msg.Data, &advisory); err != nil {
			log.Printf("[queue] dlq advisory decode failed: %v", err)
			continue
		}
		orig, err := c.js.GetMsg(c.stream, advisory.StreamSeq)
		if err != nil {
			log.Printf("[queue] dlq fetch of stream seq %d failed: %v", advisory.StreamSeq, err)
			continue
		}
		if _, err := c.js.Publish(c.stream+".dlq", orig.Data); err != nil {
			log.Printf("[queue] dlq forward failed: %v", err)
		}
	}
}

func (c *JetStreamClient) Receive(ctx context.Context, maxMessages int, longPoll, visibilityTimeout time.Duration) ([]Message, error) {
	msgs, err := c.sub.Fetch(maxMessages, nats.MaxWait(longPoll))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, workerrors.Wrap(workerrors.Transient, "queue receive", err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		meta, merr := m.Metadata()
		receiveCount := 1
		firstReceived := time.Now()
		if merr == nil {
			receiveCount = int(meta.NumDelivered)
			firstReceived = meta.Timestamp
		}
		// Restart the ack-wait clock. InProgress always restarts it at the
		// consumer's configured AckWait (Options.VisibilityTimeout); the
		// visibilityTimeout value passed here is not applied.
		if visibilityTimeout > 0 {
			_ = m.InProgress()
		}
		out = append(out, Message{
			Body:            m.Data,
			Handle:          &jsHandle{msg: m},
			ReceiveCount:    receiveCount,
			FirstReceivedAt: firstReceived,
		})
	}
	return out, nil
}

func (c *JetStreamClient) Delete(ctx context.Context, h Handle) error {
	jh, ok := h.(*jsHandle)
	if !ok {
		return workerrors.New(workerrors.Fatal, "delete: handle from a different queue backend")
	}
	if err := jh.msg.Ack(); err != nil {
		// Acking an already-expired or unknown handle is not a hard
		// failure (SPEC_FULL §4.B).
		if err == nats.ErrMsgNotFound || err == nats.ErrMsgAlreadyAckd {
			return nil
		}
		return workerrors.Wrap(workerrors.Transient, "delete message", err)
	}
	return nil
}

// ExtendVisibility restarts the lease at the consumer's configured AckWait
// (Options.VisibilityTimeout); the additional argument is not used.
func (c *JetStreamClient) ExtendVisibility(ctx context.Context, h Handle, additional time.Duration) error {
	jh, ok := h.(*jsHandle)
	if !ok {
		return workerrors.New(workerrors.Fatal, "extend_visibility: handle from a different queue backend")
	}
	if err := jh.msg.InProgress(); err != nil {
		return workerrors.Wrap(workerrors.Expired, "extend visibility", err)
	}
	return nil
}

func (c *JetStreamClient) Depth(ctx context.Context) (Depth, error) {
	info, err := c.js.ConsumerInfo(c.stream, c.durable)
	if err != nil {
		return Depth{}, workerrors.Wrap(workerrors.Transient, "queue depth", err)
	}
	return Depth{
		Visible:  int(info.NumPending),
		InFlight: info.NumAckPending,
	}, nil
}

func (c *JetStreamClient) Publish(ctx context.Context, body []byte) error {
	if _, err := c.js.Publish(c.subject, body); err != nil {
		return workerrors.Wrap(workerrors.Transient, "publish job", err)
	}
	return nil
}

func (c *JetStreamClient) Close() error {
	if c.cancelDLQ != nil {
		c.cancelDLQ()
	}
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.nc.Close()
	return nil
}
