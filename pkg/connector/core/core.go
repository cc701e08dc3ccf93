// Package core defines the data model and the Source/Sink contracts that
// every connector implements. The pipeline runner and the rescue router
// depend only on these interfaces, never on concrete backend types.
package core

import (
	"context"
	"time"
)

// Position is a source-defined marker for one record's place in the
// stream (e.g. a Kafka partition offset or a table row offset). It is
// opaque to sinks and to the runner; String exists only for operator
// facing reports.
type Position interface {
	String() string
}

// Checkpoint is an opaque, source-owned cursor meaning "everything up to
// here has reached a terminal state downstream". The runner only hands it
// back to the source through Ack, never inspects it.
type Checkpoint interface {
	String() string
}

// Header is one record header. Headers keep their insertion order, so
// they are a slice rather than a map.
type Header struct {
	Key   string
	Value []byte
}

// Record is the unit of data moved by a pipeline.
type Record struct {
	// Key is an optional routing/identity key
	Key []byte
	// Value is the payload
	Value []byte
	// Headers carries ordered header name/value pairs
	Headers []Header
	// Timestamp is when the record was ingested at the source
	Timestamp time.Time
	// Partition names the source partition the record came from
	Partition string
	// Position is the record's place in its source partition
	Position Position
}

// Size returns the record's accounted byte size, used by the batch
// builder's byte trigger.
func (r *Record) Size() int64 {
	n := int64(len(r.Key) + len(r.Value))
	for _, h := range r.Headers {
		n += int64(len(h.Key) + len(h.Value))
	}
	return n
}

// Header returns the value of the named header and whether it is present.
func (r *Record) Header(key string) ([]byte, bool) {
	for _, h := range r.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

// SetHeader appends or replaces the named header, preserving order for
// existing keys.
func (r *Record) SetHeader(key string, value []byte) {
	for i, h := range r.Headers {
		if h.Key == key {
			r.Headers[i].Value = value
			return
		}
	}
	r.Headers = append(r.Headers, Header{Key: key, Value: value})
}

// Batch is a bounded, ordered group of records. A batch handed to a sink
// is never empty.
type Batch struct {
	// ID identifies the batch for logging and rescue metadata
	ID string
	// Records holds the ordered records
	Records []*Record
	// EndPositions holds the highest position per source partition
	// represented in the batch
	EndPositions map[string]Position
	// Checkpoint is the source cursor to ack once the batch is terminal
	Checkpoint Checkpoint
	// Bytes is the cumulative record byte size
	Bytes int64
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Records)
}

// Subset builds a derived batch containing the records at the given
// indices, in order. The derived batch shares the parent's checkpoint and
// records; it is used for per-record retry rounds and rescue routing.
func (b *Batch) Subset(suffix string, indices []int) *Batch {
	sub := &Batch{
		ID:           b.ID + "-" + suffix,
		Records:      make([]*Record, 0, len(indices)),
		EndPositions: b.EndPositions,
		Checkpoint:   b.Checkpoint,
	}
	for _, i := range indices {
		rec := b.Records[i]
		sub.Records = append(sub.Records, rec)
		sub.Bytes += rec.Size()
	}
	return sub
}

// WriteStatus is the terminal classification of one written record.
type WriteStatus string

const (
	// StatusDelivered means the record reached the sink's backend
	StatusDelivered WriteStatus = "delivered"
	// StatusRetry means the write failed transiently and may succeed later
	StatusRetry WriteStatus = "retry"
	// StatusPermanent means the record can never be written as-is
	StatusPermanent WriteStatus = "permanent"
)

// WriteOutcome is the per-record result of a sink write. A batch write
// returns exactly one outcome per input record, in input order.
type WriteOutcome struct {
	Status WriteStatus
	Reason string
}

// Delivered returns a success outcome.
func Delivered() WriteOutcome {
	return WriteOutcome{Status: StatusDelivered}
}

// RetryFailure returns a transient failure outcome.
func RetryFailure(reason string) WriteOutcome {
	return WriteOutcome{Status: StatusRetry, Reason: reason}
}

// PermanentFailure returns an unprocessable-record outcome.
func PermanentFailure(reason string) WriteOutcome {
	return WriteOutcome{Status: StatusPermanent, Reason: reason}
}

// AllDelivered returns n success outcomes, for sinks whose backend only
// reports whole-batch success.
func AllDelivered(n int) []WriteOutcome {
	out := make([]WriteOutcome, n)
	for i := range out {
		out[i] = Delivered()
	}
	return out
}

// AllRetry returns n transient-failure outcomes with a shared reason.
func AllRetry(n int, reason string) []WriteOutcome {
	out := make([]WriteOutcome, n)
	for i := range out {
		out[i] = RetryFailure(reason)
	}
	return out
}

// Source produces batches of records from an external system.
//
// Delivery is at-least-once: after a crash the source resumes from the
// last acked checkpoint and may redeliver records already written
// downstream. Sinks must tolerate duplicates or be paired with an
// idempotent write path.
type Source interface {
	// Poll blocks up to maxWait for the next batch. It returns (nil, nil)
	// when no records arrived in time; it never blocks indefinitely, so
	// the runner's cancellation stays responsive. Transient backend
	// trouble is reported as a transient error and retried by the runner;
	// any other error ends the pipeline.
	Poll(ctx context.Context, maxWait time.Duration) (*Batch, error)

	// Ack durably records that all positions up to cp are safe to never
	// redeliver. Acking the same or an older checkpoint again is a no-op.
	Ack(ctx context.Context, cp Checkpoint) error

	// Close releases underlying resources on every exit path.
	Close(ctx context.Context) error
}

// Sink consumes batches of records.
type Sink interface {
	// Write delivers the batch and returns one outcome per input record,
	// positionally aligned. A sink may sub-batch, parallelize or retry
	// internally, but partial silent drops are forbidden: every record
	// gets exactly one outcome. A non-nil error means no outcome sequence
	// could be produced for the whole batch; transient errors are retried
	// by the runner.
	Write(ctx context.Context, batch *Batch) ([]WriteOutcome, error)

	// Flush blocks until all previously accepted writes are terminal. The
	// runner calls it before committing a checkpoint and during shutdown.
	Flush(ctx context.Context) error

	// Close releases underlying resources.
	Close(ctx context.Context) error
}
