package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueue_PublishReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(10)

	if err := q.Publish(ctx, &SignatureJob{Signature: "sig1", Slot: 10}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	txErr := "InstructionError"
	if err := q.Publish(ctx, &SignatureJob{Signature: "sig2", TxError: &txErr}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d1, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if d1.Job.Signature != "sig1" || d1.Job.Failed() {
		t.Fatalf("unexpected first delivery: %+v", d1.Job)
	}

	d2, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if d2.Job.Signature != "sig2" || !d2.Job.Failed() {
		t.Fatalf("unexpected second delivery: %+v", d2.Job)
	}

	if got := q.PendingCount(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if err := q.Ack(ctx, d1.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Ack(ctx, d1.ID); err == nil {
		t.Fatal("expected error acking twice")
	}
	if got := q.PendingCount(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	if got := q.AckedCount(); got != 1 {
		t.Fatalf("acked = %d, want 1", got)
	}
}

func TestMemoryQueue_Requeue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(10)

	if err := q.Publish(ctx, &SignatureJob{Signature: "sig1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := q.Requeue(ctx, d.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	again, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive after requeue: %v", err)
	}
	if again.Job.Signature != "sig1" {
		t.Fatalf("got %q, want sig1", again.Job.Signature)
	}
	if again.ID == d.ID {
		t.Fatal("requeued delivery must get a fresh id")
	}
}

func TestMemoryQueue_ReceiveHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Receive(ctx); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
