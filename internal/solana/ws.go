package solana

import "context"

// LogNotification is one logsNotification delivered by the node.
type LogNotification struct {
	Signature string
	Slot      int64
	Logs      []string
	Err       interface{}
}

// LogStreamer subscribes to log notifications for transactions mentioning
// a program.
type LogStreamer interface {
	// Subscribe opens a logsSubscribe stream for transactions mentioning
	// the given address. The returned channel is closed on Close.
	Subscribe(ctx context.Context, mention string) (<-chan LogNotification, error)
	Close() error
}
