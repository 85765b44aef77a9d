package queue

import (
	"context"
	"sync"
	"time"

	workerrors "github.com/audiopipe/transcribe-worker/internal/errors"
)

// fakeHandle identifies an in-flight message for FakeClient.
type fakeHandle struct{ id int64 }

type fakeMessage struct {
	body         []byte
	inFlight     bool
	deadline     time.Time
	receiveCount int
	firstSeen    time.Time
}

// FakeClient is an in-memory Client used by dispatcher tests in place of a running NATS/JetStream deployment, in the spirit of
// the constructor-injected fakes used throughout this codebase's lineage
// (see _examples/gurre-ddb-pitr's checkpoint.MemoryStore).
type FakeClient struct {
	mu         sync.Mutex
	nextID     int64
	order      []int64 // insertion order; an id stays until deleted or DLQ'd
	messages   map[int64]*fakeMessage
	maxDeliver int
	dlq        [][]byte
	deleted    []int64
}

var _ Client = (*FakeClient)(nil)
var _ Publisher = (*FakeClient)(nil)

// NewFakeClient constructs an empty FakeClient. maxDeliver mirrors the
// stream's MaxDeliver; zero means unlimited.
func NewFakeClient(maxDeliver int) *FakeClient {
	return &FakeClient{
		messages:   map[int64]*fakeMessage{},
		maxDeliver: maxDeliver,
	}
}

// Publish enqueues a raw job body, as the submitter would.
func (f *FakeClient) Publish(ctx context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.messages[id] = &fakeMessage{body: body}
	f.order = append(f.order, id)
	return nil
}

func (f *FakeClient) Receive(ctx context.Context, maxMessages int, longPoll, visibilityTimeout time.Duration) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	var out []Message
	var keepOrder []int64
	for _, id := range f.order {
		m, ok := f.messages[id]
		if !ok {
			continue
		}
		if m.inFlight && now.Before(m.deadline) {
			keepOrder = append(keepOrder, id)
			continue
		}
		// Either never delivered, or its lease lapsed (eligible for
		// redelivery).
		if f.maxDeliver > 0 && m.receiveCount >= f.maxDeliver {
			f.dlq = append(f.dlq, m.body)
			delete(f.messages, id)
			continue
		}
		if len(out) >= maxMessages {
			keepOrder = append(keepOrder, id)
			continue
		}
		m.inFlight = true
		m.receiveCount++
		if m.firstSeen.IsZero() {
			m.firstSeen = now
		}
		m.deadline = now.Add(visibilityTimeout)
		out = append(out, Message{
			Body:            m.body,
			Handle:          fakeHandle{id: id},
			ReceiveCount:    m.receiveCount,
			FirstReceivedAt: m.firstSeen,
		})
		keepOrder = append(keepOrder, id)
	}
	f.order = keepOrder
	return out, nil
}

func (f *FakeClient) Delete(ctx context.Context, h Handle) error {
	fh, ok := h.(fakeHandle)
	if !ok {
		return workerrors.New(workerrors.Fatal, "delete: handle from a different queue backend")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, fh.id)
	f.deleted = append(f.deleted, fh.id)
	f.order = removeID(f.order, fh.id)
	return nil
}

func (f *FakeClient) ExtendVisibility(ctx context.Context, h Handle, additional time.Duration) error {
	fh, ok := h.(fakeHandle)
	if !ok {
		return workerrors.New(workerrors.Fatal, "extend_visibility: handle from a different queue backend")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[fh.id]
	if !ok || !m.inFlight || time.Now().After(m.deadline) {
		return workerrors.New(workerrors.Expired, "lease already lapsed")
	}
	m.deadline = time.Now().Add(additional)
	return nil
}

func (f *FakeClient) Depth(ctx context.Context) (Depth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var visible, inFlight int
	for _, m := range f.messages {
		if m.inFlight {
			inFlight++
		} else {
			visible++
		}
	}
	return Depth{Visible: visible, InFlight: inFlight}, nil
}

func (f *FakeClient) Close() error { return nil }

// DLQ returns the bodies of messages that exceeded MaxDeliver, for test
// assertions against SPEC_FULL scenario S6.
func (f *FakeClient) DLQ() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.dlq))
	copy(out, f.dlq)
	return out
}

// Deleted returns the sequence of message ids acked so far, for test
// assertions.
func (f *FakeClient) Deleted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.deleted))
	copy(out, f.deleted)
	return out
}

func removeID(ids []int64, target int64) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
