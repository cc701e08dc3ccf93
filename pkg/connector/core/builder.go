package core

import (
	"fmt"
	"time"
)

// BuilderConfig bounds batch accumulation. A batch is flushed when any
// trigger fires, whichever comes first.
type BuilderConfig struct {
	// MaxRecords caps the record count per batch
	MaxRecords int
	// MaxBytes caps the cumulative record byte size per batch
	MaxBytes int64
	// MaxWait caps how long a batch may accumulate before flushing
	MaxWait time.Duration
}

// DefaultBuilderConfig returns the standard batch bounds.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		MaxRecords: 1000,
		MaxBytes:   4 << 20,
		MaxWait:    5 * time.Second,
	}
}

// BatchBuilder accumulates records into bounded batches for a source.
// It is not safe for concurrent use; each source owns one builder.
type BatchBuilder struct {
	name    string
	cfg     BuilderConfig
	seq     uint64
	records []*Record
	bytes   int64
	started time.Time
	endPos  map[string]Position
}

// NewBatchBuilder creates a builder whose batch IDs are prefixed with the
// source instance name.
func NewBatchBuilder(name string, cfg BuilderConfig) *BatchBuilder {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultBuilderConfig().MaxRecords
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultBuilderConfig().MaxBytes
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultBuilderConfig().MaxWait
	}
	return &BatchBuilder{
		name: name,
		cfg:  cfg,
	}
}

// Append adds a record and returns true when a count or byte trigger
// fired and the batch must be flushed.
func (b *BatchBuilder) Append(rec *Record) bool {
	if len(b.records) == 0 {
		b.started = time.Now()
		if b.endPos == nil {
			b.endPos = make(map[string]Position)
		}
	}
	b.records = append(b.records, rec)
	b.bytes += rec.Size()
	if rec.Position != nil {
		b.endPos[rec.Partition] = rec.Position
	}
	return b.Full()
}

// Full reports whether the count or byte trigger has fired.
func (b *BatchBuilder) Full() bool {
	return len(b.records) >= b.cfg.MaxRecords || b.bytes >= b.cfg.MaxBytes
}

// Len returns the number of accumulated records.
func (b *BatchBuilder) Len() int {
	return len(b.records)
}

// Deadline returns when the time trigger fires for the pending batch.
// The zero time means the builder is empty and has no deadline.
func (b *BatchBuilder) Deadline() time.Time {
	if len(b.records) == 0 {
		return time.Time{}
	}
	return b.started.Add(b.cfg.MaxWait)
}

// Flush closes the pending batch and resets the builder. It returns nil
// when nothing accumulated, so an empty batch is never handed downstream.
// The caller supplies the checkpoint the batch will be acked with.
func (b *BatchBuilder) Flush(cp Checkpoint) *Batch {
	if len(b.records) == 0 {
		return nil
	}
	b.seq++
	batch := &Batch{
		ID:           fmt.Sprintf("%s-%06d", b.name, b.seq),
		Records:      b.records,
		EndPositions: b.endPos,
		Checkpoint:   cp,
		Bytes:        b.bytes,
	}
	b.records = nil
	b.bytes = 0
	b.endPos = nil
	return batch
}
