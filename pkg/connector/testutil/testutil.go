// Package testutil provides in-memory Source and Sink implementations
// with scriptable behavior for exercising the pipeline runner, rescue
// routing, and registry wiring without external backends.
package testutil

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/errors"
)

// Checkpoint is a simple numeric checkpoint.
type Checkpoint int64

func (c Checkpoint) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// Position is a simple numeric position.
type Position int64

func (p Position) String() string {
	return strconv.FormatInt(int64(p), 10)
}

// MakeBatch builds a single-partition batch whose records carry the given
// string values, with the checkpoint set to cp.
func MakeBatch(id string, cp int64, values ...string) *core.Batch {
	batch := &core.Batch{
		ID:           id,
		Checkpoint:   Checkpoint(cp),
		EndPositions: map[string]core.Position{"0": Position(cp)},
	}
	for i, v := range values {
		rec := &core.Record{
			Value:     []byte(v),
			Timestamp: time.Now(),
			Partition: "0",
			Position:  Position(cp - int64(len(values)-1-i)),
		}
		batch.Records = append(batch.Records, rec)
		batch.Bytes += rec.Size()
	}
	return batch
}

// MemorySource serves a fixed queue of batches and records every Ack.
type MemorySource struct {
	mu       sync.Mutex
	batches  []*core.Batch
	pollErrs []error
	acked    []core.Checkpoint
	polls    int
	closed   bool
}

// NewMemorySource queues the given batches for polling.
func NewMemorySource(batches ...*core.Batch) *MemorySource {
	return &MemorySource{batches: batches}
}

// FailNextPoll queues an error returned by the next Poll call, ahead of
// any remaining batches.
func (s *MemorySource) FailNextPoll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollErrs = append(s.pollErrs, err)
}

// Push appends a batch to the queue.
func (s *MemorySource) Push(batch *core.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
}

func (s *MemorySource) Poll(ctx context.Context, maxWait time.Duration) (*core.Batch, error) {
	s.mu.Lock()
	s.polls++
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if len(s.pollErrs) > 0 {
		err := s.pollErrs[0]
		s.pollErrs = s.pollErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	if len(s.batches) > 0 {
		batch := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return batch, nil
	}
	s.mu.Unlock()

	// Nothing queued; behave like a real source and wait out maxWait
	// before reporting an empty poll.
	select {
	case <-ctx.Done():
	case <-time.After(maxWait):
	}
	return nil, nil
}

// Ack records the call. Acking the same or an older checkpoint is a
// no-op beyond being recorded, matching the contract.
func (s *MemorySource) Ack(ctx context.Context, cp core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, cp)
	return nil
}

func (s *MemorySource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Acked returns every checkpoint passed to Ack, in call order.
func (s *MemorySource) Acked() []core.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Checkpoint, len(s.acked))
	copy(out, s.acked)
	return out
}

// Polls returns how many times Poll was called.
func (s *MemorySource) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// Closed reports whether Close was called.
func (s *MemorySource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WriteResult scripts one Write call of a MemorySink.
type WriteResult struct {
	// Outcomes is returned when Err is nil; nil means all delivered
	Outcomes []core.WriteOutcome
	Err      error
}

// TransientErr builds a retryable error for scripting.
func TransientErr(msg string) error {
	return errors.New(errors.ErrorTypeTransient, msg)
}

// MemorySink records every received batch and answers Write calls from a
// script; when the script runs out it delivers everything.
type MemorySink struct {
	mu       sync.Mutex
	script   []WriteResult
	received []*core.Batch
	flushes  int
	closed   bool

	// block, when non-nil, stalls Write until the channel closes or the
	// context is cancelled. Used for backpressure tests.
	block chan struct{}
}

// NewMemorySink creates a sink that delivers everything.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Script queues results consumed by successive Write calls.
func (s *MemorySink) Script(results ...WriteResult) *MemorySink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, results...)
	return s
}

// Block makes Write stall until release closes. Pass a channel and close
// it to let writes proceed.
func (s *MemorySink) Block(release chan struct{}) *MemorySink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = release
	return s
}

func (s *MemorySink) Write(ctx context.Context, batch *core.Batch) ([]core.WriteOutcome, error) {
	s.mu.Lock()
	s.received = append(s.received, batch)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTransient, "write cancelled")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.script) > 0 {
		res := s.script[0]
		s.script = s.script[1:]
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Outcomes != nil {
			return res.Outcomes, nil
		}
	}
	return core.AllDelivered(batch.Len()), nil
}

func (s *MemorySink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *MemorySink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Received returns every batch passed to Write, in call order.
func (s *MemorySink) Received() []*core.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Batch, len(s.received))
	copy(out, s.received)
	return out
}

// Values flattens the received batches into their record values.
func (s *MemorySink) Values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.received {
		for _, rec := range b.Records {
			out = append(out, string(rec.Value))
		}
	}
	return out
}

// Writes returns how many times Write was called.
func (s *MemorySink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// Flushes returns how many times Flush was called.
func (s *MemorySink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Closed reports whether Close was called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
