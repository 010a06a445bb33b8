// Package queue carries transaction signatures from the detector to the
// indexing workers.
package queue

import "context"

// SignatureJob is one queued unit of work: a transaction signature awaiting
// resolution. TxError carries the node-reported failure for transactions
// that failed on chain, so workers can audit them without a parse attempt.
type SignatureJob struct {
	Signature string  `json:"signature"`
	Slot      int64   `json:"slot,omitempty"`
	TxError   *string `json:"tx_error,omitempty"`
}

// Failed reports whether the transaction already failed on chain at
// detection time.
func (j *SignatureJob) Failed() bool {
	return j.TxError != nil
}

// Delivery is one received job together with the receipt handle used to
// acknowledge it.
type Delivery struct {
	ID  string
	Job SignatureJob
}

// Publisher enqueues signature jobs.
type Publisher interface {
	Publish(ctx context.Context, job *SignatureJob) error
}

// Consumer dequeues signature jobs. A delivery stays pending until Ack is
// called with its ID; unacknowledged deliveries are redelivered after a
// restart.
type Consumer interface {
	// Receive blocks until a job is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)

	// Ack marks a delivery as fully processed.
	Ack(ctx context.Context, id string) error
}
