package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides the retry attempts for a transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn within a transaction on the provided client.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil || fn == nil {
		return errors.New("firestore: transaction requires a client and a function")
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > cfg.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	err := client.RunTransaction(ctx, fn, firestore.MaxAttempts(cfg.attempts))
	return WrapError("transaction", err)
}

// Write is one document write in a bulk load.
type Write struct {
	Path string
	Data any
}

// BulkSet writes every document with a BulkWriter and reports the first
// failed write. Paths are full document paths ("blogs/welcome").
func BulkSet(ctx context.Context, client *firestore.Client, writes []Write) error {
	if client == nil {
		return errors.New("firestore: client is nil")
	}
	if len(writes) == 0 {
		return nil
	}

	bw := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(writes))
	for _, w := range writes {
		ref := client.Doc(w.Path)
		if ref == nil {
			bw.End()
			return fmt.Errorf("firestore: invalid document path %q", w.Path)
		}
		job, err := bw.Set(ref, w.Data)
		if err != nil {
			bw.End()
			return WrapError("bulk.set", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return WrapError("bulk.set "+writes[i].Path, err)
		}
	}
	return nil
}
