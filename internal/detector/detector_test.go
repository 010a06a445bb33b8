package detector

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"curve-indexer/internal/queue"
	"curve-indexer/internal/solana"
)

type fakeStreamer struct {
	ch chan solana.LogNotification
}

func (f *fakeStreamer) Subscribe(context.Context, string) (<-chan solana.LogNotification, error) {
	return f.ch, nil
}

func (f *fakeStreamer) Close() error {
	close(f.ch)
	return nil
}

func runDetector(t *testing.T, streamer *fakeStreamer, q *queue.MemoryQueue, window int) func() {
	t.Helper()

	d := New(Options{
		Streamer:     streamer,
		Publisher:    q,
		DedupeWindow: window,
		Logger:       log.New(io.Discard, "", 0),
	})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	return func() {
		streamer.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("detector did not stop")
		}
	}
}

func receiveOne(t *testing.T, q *queue.MemoryQueue) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return d
}

func TestDetector_PublishesSignatures(t *testing.T) {
	streamer := &fakeStreamer{ch: make(chan solana.LogNotification, 10)}
	q := queue.NewMemoryQueue(10)
	stop := runDetector(t, streamer, q, 0)

	streamer.ch <- solana.LogNotification{Signature: "sig1", Slot: 100}
	streamer.ch <- solana.LogNotification{
		Signature: "sig2",
		Slot:      101,
		Err:       map[string]interface{}{"InstructionError": []interface{}{}},
	}

	d1 := receiveOne(t, q)
	if d1.Job.Signature != "sig1" || d1.Job.Slot != 100 || d1.Job.Failed() {
		t.Fatalf("unexpected first job: %+v", d1.Job)
	}
	d2 := receiveOne(t, q)
	if d2.Job.Signature != "sig2" || !d2.Job.Failed() {
		t.Fatalf("unexpected second job: %+v", d2.Job)
	}

	stop()
}

func TestDetector_SuppressesRecentDuplicates(t *testing.T) {
	streamer := &fakeStreamer{ch: make(chan solana.LogNotification, 10)}
	q := queue.NewMemoryQueue(10)
	stop := runDetector(t, streamer, q, 8)

	streamer.ch <- solana.LogNotification{Signature: "sig1", Slot: 100}
	streamer.ch <- solana.LogNotification{Signature: "sig1", Slot: 100}
	streamer.ch <- solana.LogNotification{Signature: "sig2", Slot: 101}
	stop()

	first := receiveOne(t, q)
	second := receiveOne(t, q)
	if first.Job.Signature != "sig1" || second.Job.Signature != "sig2" {
		t.Fatalf("got %q, %q; want sig1, sig2", first.Job.Signature, second.Job.Signature)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if d, err := q.Receive(ctx); err == nil {
		t.Fatalf("unexpected extra delivery %+v", d.Job)
	}
}

func TestDetector_DedupeWindowEvicts(t *testing.T) {
	streamer := &fakeStreamer{ch: make(chan solana.LogNotification, 10)}
	q := queue.NewMemoryQueue(10)
	stop := runDetector(t, streamer, q, 2)

	// Window of two: sig1 is evicted once sig2 and sig3 pass through, so
	// its re-delivery publishes again.
	streamer.ch <- solana.LogNotification{Signature: "sig1"}
	streamer.ch <- solana.LogNotification{Signature: "sig2"}
	streamer.ch <- solana.LogNotification{Signature: "sig3"}
	streamer.ch <- solana.LogNotification{Signature: "sig1"}
	stop()

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, receiveOne(t, q).Job.Signature)
	}
	want := []string{"sig1", "sig2", "sig3", "sig1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
