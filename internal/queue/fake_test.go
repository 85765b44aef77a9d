package queue

import (
	"context"
	"testing"
	"time"
)

func TestFakeClientReceiveDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient(3)

	if err := c.Publish(ctx, []byte("job-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs, err := c.Receive(ctx, 1, time.Second, 30*time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive: got %d msgs, err %v", len(msgs), err)
	}
	if msgs[0].ReceiveCount != 1 {
		t.Errorf("ReceiveCount = %d, want 1", msgs[0].ReceiveCount)
	}

	// Until acked or the lease expires, a second receive sees nothing.
	again, err := c.Receive(ctx, 1, time.Millisecond, 30*time.Second)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected empty receive while leased, got %d, err %v", len(again), err)
	}

	if err := c.Delete(ctx, msgs[0].Handle); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	depth, err := c.Depth(ctx)
	if err != nil || depth.Visible != 0 || depth.InFlight != 0 {
		t.Fatalf("Depth after delete = %+v, err %v, want zero", depth, err)
	}
}

func TestFakeClientRedeliversAfterLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient(0)
	_ = c.Publish(ctx, []byte("job-1"))

	msgs, _ := c.Receive(ctx, 1, time.Second, 10*time.Millisecond)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	time.Sleep(20 * time.Millisecond)

	redelivered, err := c.Receive(ctx, 1, time.Second, time.Second)
	if err != nil || len(redelivered) != 1 {
		t.Fatalf("expected redelivery after lease expiry, got %d, err %v", len(redelivered), err)
	}
	if redelivered[0].ReceiveCount != 2 {
		t.Errorf("ReceiveCount after redelivery = %d, want 2", redelivered[0].ReceiveCount)
	}
}

func TestFakeClientMovesToDLQAfterMaxDeliver(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient(2)
	_ = c.Publish(ctx, []byte("poison"))

	for i := 0; i < 2; i++ {
		msgs, err := c.Receive(ctx, 1, time.Second, 5*time.Millisecond)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("receive %d: got %d, err %v", i, len(msgs), err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Third receive attempt should find it moved to the DLQ instead of
	// being redelivered.
	msgs, err := c.Receive(ctx, 1, time.Second, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected message moved to DLQ, got %d messages", len(msgs))
	}
	if len(c.DLQ()) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(c.DLQ()))
	}
}

func TestFakeClientExtendVisibilityExpired(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient(0)
	_ = c.Publish(ctx, []byte("job-1"))
	msgs, _ := c.Receive(ctx, 1, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	// Once the deadline passes the lease has lapsed, so extending the
	// now-stale handle should report Expired.
	err := c.ExtendVisibility(ctx, msgs[0].Handle, time.Second)
	if err == nil {
		t.Fatal("expected Expired error for a lapsed lease")
	}
}
