// Package pipeline orchestrates the poll → write → rescue → commit cycle
// that moves batches from one Source to one Sink.
//
// Each Source–Sink pairing runs as one independent Runner; multiple
// runners share no mutable state except the read-only connector registry.
// Within a runner the cycle is pipelined up to a configurable in-flight
// depth, which is the sole backpressure knob: once that many batches are
// between poll and commit, polling suspends instead of buffering
// unboundedly.
//
// A batch's checkpoint is committed only when every record in it reached
// a terminal state: delivered by the sink, or handed to the rescue sink.
// Cancellation drains gracefully: polling stops, in-flight batches get
// a bounded window to finish, and whatever misses the window is simply
// not committed and will be redelivered on restart.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/rescue"
	"github.com/wavepipe/conveyor/pkg/errors"
)

// State names the runner's position in its processing cycle.
type State string

const (
	StateIdle       State = "idle"
	StatePolling    State = "polling"
	StateWriting    State = "writing"
	StateRescuing   State = "rescuing"
	StateCommitting State = "committing"
	StateDraining   State = "draining"
	StateStopped    State = "stopped"
)

// ExhaustionPolicy decides what happens to records whose transient write
// failures outlived the retry budget. There is no implicit default: the
// choice silently affects data loss semantics, so every deployment must
// state it.
type ExhaustionPolicy string

const (
	// ExhaustRescue reclassifies exhausted records as permanent failures
	// and routes them to the rescue sink
	ExhaustRescue ExhaustionPolicy = "rescue"
	// ExhaustFail escalates retry exhaustion to a pipeline-fatal error
	ExhaustFail ExhaustionPolicy = "fail"
)

// Config tunes one pipeline runner.
type Config struct {
	// MaxInFlight bounds batches between poll and commit
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight"`
	// PollWait bounds how long one Poll call may block
	PollWait time.Duration `yaml:"poll_wait" json:"poll_wait"`
	// DrainTimeout bounds how long in-flight batches may finish after a
	// stop signal
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	// Retry bounds transient-failure retries at poll and write
	Retry Backoff `yaml:"retry" json:"retry"`
	// OnExhausted is the retry-exhaustion policy; it must be set
	// explicitly
	OnExhausted ExhaustionPolicy `yaml:"on_exhausted" json:"on_exhausted"`
}

// DefaultConfig returns runner defaults. OnExhausted is deliberately left
// empty; Validate rejects it until the deployment makes the choice.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:  1,
		PollWait:     5 * time.Second,
		DrainTimeout: 30 * time.Second,
		Retry:        DefaultBackoff(),
	}
}

// Validate checks the runner configuration.
func (c Config) Validate() error {
	if c.MaxInFlight < 1 {
		return errors.New(errors.ErrorTypeConfig, "max_in_flight must be >= 1")
	}
	if c.PollWait <= 0 {
		return errors.New(errors.ErrorTypeConfig, "poll_wait must be positive")
	}
	if c.DrainTimeout <= 0 {
		return errors.New(errors.ErrorTypeConfig, "drain_timeout must be positive")
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	switch c.OnExhausted {
	case ExhaustRescue, ExhaustFail:
		return nil
	case "":
		return errors.New(errors.ErrorTypeConfig,
			"on_exhausted must be set explicitly to \"rescue\" or \"fail\"")
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid on_exhausted policy %q; allowed: rescue, fail", c.OnExhausted)
	}
}

// Runner drives one Source–Sink pipeline.
type Runner struct {
	name   string
	source core.Source
	sink   core.Sink
	rescue *rescue.Router
	cfg    Config

	logger  *zap.Logger
	metrics *metricSet

	mu            sync.Mutex
	state         State
	phase         State
	lastCommitted core.Checkpoint
	fatal         error

	stopOnce sync.Once
	stopCh   chan struct{}
}

type inflight struct {
	batch    *core.Batch
	polledAt time.Time
}

// NewRunner wires a pipeline. rescueSink may be nil; the runner then
// escalates any permanent record failure to a fatal error instead of
// quarantining, and ExhaustRescue is rejected as inconsistent.
func NewRunner(name string, source core.Source, sink core.Sink, rescueSink core.Sink, cfg Config, logger *zap.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OnExhausted == ExhaustRescue && rescueSink == nil {
		return nil, errors.New(errors.ErrorTypeConfig,
			"on_exhausted=rescue requires a rescue sink")
	}

	r := &Runner{
		name:    name,
		source:  source,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With(zap.String("pipeline", name)),
		metrics: newMetricSet(name),
		state:   StateIdle,
		stopCh:  make(chan struct{}),
	}
	if rescueSink != nil {
		r.rescue = rescue.NewRouter(rescueSink, r.logger)
	}
	return r, nil
}

// State returns the runner's current state. While a batch is being
// processed it reports that batch's phase (writing, rescuing,
// committing); otherwise the poll-side lifecycle. With MaxInFlight > 1
// polling runs concurrently with batch processing, and the batch phase
// takes precedence so the reported state stays stable while a batch
// resolves.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != "" {
		return r.phase
	}
	return r.state
}

// LastCheckpoint returns the most recently committed checkpoint, or ""
// when nothing committed yet. It tells an operator which records are at
// risk of reprocessing after a fatal stop.
func (r *Runner) LastCheckpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastCommitted == nil {
		return ""
	}
	return r.lastCommitted.String()
}

// Stop requests a graceful drain. It returns immediately; Run returns
// once draining finishes.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Run executes the pipeline until the source fails fatally, the context
// is cancelled, or Stop is called. It blocks through the drain and
// returns the fatal error, if any.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("pipeline starting",
		zap.Int("max_in_flight", r.cfg.MaxInFlight),
		zap.Duration("poll_wait", r.cfg.PollWait),
		zap.String("on_exhausted", string(r.cfg.OnExhausted)))

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	// Writes run on their own context so in-flight batches can finish
	// after polling stops; it is cancelled only when the drain deadline
	// passes.
	writeCtx, cancelWrite := context.WithCancel(context.Background())
	defer cancelWrite()

	sem := make(chan struct{}, r.cfg.MaxInFlight)
	batches := make(chan inflight, r.cfg.MaxInFlight)
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for inf := range batches {
			// After a fatal error or an expired drain deadline, later
			// batches are abandoned rather than processed: committing
			// their checkpoints would advance the source past the
			// unresolved batch. They stay uncommitted and redeliver.
			if r.fatalErr() == nil && writeCtx.Err() == nil {
				if err := r.process(writeCtx, inf); err != nil {
					if writeCtx.Err() == nil {
						r.setFatal(err)
					}
					cancelPoll()
				}
			}
			<-sem
			r.metrics.inflight.Dec()
		}
	}()

	r.pollLoop(pollCtx, sem, batches)
	close(batches)

	// Drain: give in-flight batches a bounded window to reach a terminal
	// state. Whatever misses the window stays uncommitted and will be
	// redelivered on restart.
	r.setState(StateDraining)
	drain := time.NewTimer(r.cfg.DrainTimeout)
	defer drain.Stop()
	select {
	case <-writerDone:
	case <-drain.C:
		r.logger.Warn("drain deadline exceeded; abandoning in-flight batches",
			zap.Duration("drain_timeout", r.cfg.DrainTimeout))
		cancelWrite()
		<-writerDone
	}

	r.shutdown()
	r.setState(StateStopped)

	err := r.fatalErr()
	if err != nil {
		r.logger.Error("pipeline failed",
			zap.Error(err),
			zap.String("last_checkpoint", r.LastCheckpoint()))
		return err
	}
	r.logger.Info("pipeline stopped",
		zap.String("last_checkpoint", r.LastCheckpoint()))
	return nil
}

// pollLoop acquires an in-flight slot, polls the source, and hands the
// batch to the writer. Acquiring the slot before polling guarantees that
// with depth N no (N+1)-th poll happens while N batches are unresolved.
func (r *Runner) pollLoop(ctx context.Context, sem chan struct{}, batches chan<- inflight) {
	pollFailures := 0
	for {
		r.setState(StateIdle)
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case sem <- struct{}{}:
		}

		r.setState(StatePolling)
		batch, err := r.source.Poll(ctx, r.cfg.PollWait)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return
			}
			if !errors.IsRetryable(err) {
				r.setFatal(errors.Wrap(err, errors.ErrorTypeFatal, "source poll failed"))
				return
			}
			pollFailures++
			if pollFailures >= r.cfg.Retry.MaxAttempts {
				r.setFatal(errors.Wrap(err, errors.ErrorTypeFatal,
					"source poll failed after retries"))
				return
			}
			r.logger.Warn("transient poll failure",
				zap.Int("attempt", pollFailures), zap.Error(err))
			if r.cfg.Retry.Wait(ctx, pollFailures-1) != nil {
				return
			}
			continue
		}
		pollFailures = 0

		if batch == nil || batch.Len() == 0 {
			<-sem
			continue
		}

		r.metrics.polled.Add(float64(batch.Len()))
		r.metrics.inflight.Inc()
		select {
		case batches <- inflight{batch: batch, polledAt: time.Now()}:
		case <-ctx.Done():
			<-sem
			r.metrics.inflight.Dec()
			return
		}
	}
}

// process drives one batch to full resolution: every record Delivered or
// rescued, then flush and checkpoint commit. A returned error is fatal
// for the pipeline.
func (r *Runner) process(ctx context.Context, inf inflight) error {
	batch := inf.batch
	defer r.setPhase("")

	final, err := r.writeWithRetry(ctx, batch)
	if err != nil {
		return err
	}

	permanent := 0
	delivered := 0
	for _, out := range final {
		switch out.Status {
		case core.StatusDelivered:
			delivered++
		case core.StatusPermanent:
			permanent++
		}
	}

	// Every outcome must be terminal at this point. A record holding any
	// other status would otherwise slip through the commit uncounted, so
	// it is surfaced on the lost counter and the pipeline stops before
	// the checkpoint can advance past it.
	if delivered+permanent != batch.Len() {
		unresolved := batch.Len() - delivered - permanent
		r.metrics.lost.Add(float64(unresolved))
		return errors.Newf(errors.ErrorTypeInternal,
			"%d records have no terminal outcome", unresolved).
			WithDetail("batch", batch.ID)
	}

	if permanent > 0 {
		if err := r.rescueWithRetry(ctx, batch, final); err != nil {
			return err
		}
		r.metrics.rescued.Add(float64(permanent))
	}

	r.setPhase(StateCommitting)
	if err := r.flushWithRetry(ctx); err != nil {
		return err
	}
	if err := r.ackWithRetry(ctx, batch.Checkpoint); err != nil {
		return err
	}

	r.mu.Lock()
	r.lastCommitted = batch.Checkpoint
	r.mu.Unlock()

	r.metrics.delivered.Add(float64(delivered))
	r.metrics.committed.Inc()
	r.metrics.latency.Observe(time.Since(inf.polledAt).Seconds())

	r.logger.Debug("batch committed",
		zap.String("batch", batch.ID),
		zap.Int("delivered", delivered),
		zap.Int("rescued", permanent))
	return nil
}

// writeWithRetry writes the batch, retrying transiently failed records
// with backoff until they are terminal or the retry budget is spent.
// The returned slice is aligned 1:1 with batch.Records and contains only
// Delivered and Permanent outcomes.
func (r *Runner) writeWithRetry(ctx context.Context, batch *core.Batch) ([]core.WriteOutcome, error) {
	r.setPhase(StateWriting)

	final := make([]core.WriteOutcome, batch.Len())
	pending := make([]int, batch.Len())
	for i := range pending {
		pending[i] = i
	}

	for attempt := 0; ; attempt++ {
		wb := batch
		if len(pending) != batch.Len() {
			wb = batch.Subset("retry", pending)
		}

		outcomes, err := r.sink.Write(ctx, wb)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeFatal, "write cancelled")
		case err != nil && !errors.IsRetryable(err):
			return nil, errors.Wrap(err, errors.ErrorTypeFatal, "sink write failed").
				WithDetail("batch", batch.ID)
		case err != nil:
			outcomes = core.AllRetry(wb.Len(), err.Error())
		case len(outcomes) != wb.Len():
			return nil, errors.Newf(errors.ErrorTypeInternal,
				"sink returned %d outcomes for %d records", len(outcomes), wb.Len()).
				WithDetail("batch", batch.ID)
		}

		next := pending[:0:0]
		for i, out := range outcomes {
			idx := pending[i]
			final[idx] = out
			if out.Status == core.StatusRetry {
				next = append(next, idx)
			}
		}
		if len(next) == 0 {
			return final, nil
		}

		if attempt+1 >= r.cfg.Retry.MaxAttempts {
			switch r.cfg.OnExhausted {
			case ExhaustRescue:
				for _, idx := range next {
					final[idx] = core.PermanentFailure(
						"retry attempts exhausted: " + final[idx].Reason)
				}
				return final, nil
			default: // ExhaustFail; Validate rejects anything else
				return nil, errors.Newf(errors.ErrorTypeFatal,
					"retry attempts exhausted for %d records: %s",
					len(next), final[next[0]].Reason).
					WithDetail("batch", batch.ID)
			}
		}

		r.metrics.retried.Add(float64(len(next)))
		r.logger.Warn("retrying transient write failures",
			zap.String("batch", batch.ID),
			zap.Int("records", len(next)),
			zap.Int("attempt", attempt+1))
		if err := r.cfg.Retry.Wait(ctx, attempt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFatal, "retry wait cancelled")
		}
		pending = next
	}
}

// rescueWithRetry routes permanent failures to the rescue sink. Records
// the rescue sink refuses stay un-terminal and are re-routed with
// backoff; exhaustion is fatal, so the rescue path can never become a
// silent drop.
func (r *Runner) rescueWithRetry(ctx context.Context, batch *core.Batch, final []core.WriteOutcome) error {
	if r.rescue == nil {
		return errors.New(errors.ErrorTypeFatal,
			"batch contains permanent failures but no rescue sink is configured").
			WithDetail("batch", batch.ID)
	}

	r.setPhase(StateRescuing)
	for attempt := 0; ; attempt++ {
		pending, err := r.rescue.Route(ctx, batch, final)
		if err == nil && len(pending) == 0 {
			return nil
		}
		if err != nil && !errors.IsRetryable(err) {
			return errors.Wrap(err, errors.ErrorTypeFatal, "rescue delivery failed").
				WithDetail("batch", batch.ID)
		}
		if attempt+1 >= r.cfg.Retry.MaxAttempts {
			return errors.Newf(errors.ErrorTypeFatal,
				"rescue delivery failed for %d records; batch unresolved", len(pending)).
				WithDetail("batch", batch.ID)
		}
		r.logger.Warn("retrying rescue delivery",
			zap.String("batch", batch.ID),
			zap.Int("records", len(pending)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if werr := r.cfg.Retry.Wait(ctx, attempt); werr != nil {
			return errors.Wrap(werr, errors.ErrorTypeFatal, "rescue wait cancelled")
		}
	}
}

func (r *Runner) flushWithRetry(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := r.sink.Flush(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) || attempt+1 >= r.cfg.Retry.MaxAttempts {
			return errors.Wrap(err, errors.ErrorTypeFatal, "sink flush failed")
		}
		if werr := r.cfg.Retry.Wait(ctx, attempt); werr != nil {
			return errors.Wrap(werr, errors.ErrorTypeFatal, "flush wait cancelled")
		}
	}
}

func (r *Runner) ackWithRetry(ctx context.Context, cp core.Checkpoint) error {
	for attempt := 0; ; attempt++ {
		err := r.source.Ack(ctx, cp)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) || attempt+1 >= r.cfg.Retry.MaxAttempts {
			return errors.Wrap(err, errors.ErrorTypeFatal, "checkpoint ack failed")
		}
		if werr := r.cfg.Retry.Wait(ctx, attempt); werr != nil {
			return errors.Wrap(werr, errors.ErrorTypeFatal, "ack wait cancelled")
		}
	}
}

// shutdown flushes and closes the connectors. Close must succeed on every
// exit path, so errors are logged rather than escalated.
func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()

	if err := r.sink.Flush(ctx); err != nil {
		r.logger.Warn("sink flush during shutdown failed", zap.Error(err))
	}
	if err := r.source.Close(ctx); err != nil {
		r.logger.Warn("source close failed", zap.Error(err))
	}
	if err := r.sink.Close(ctx); err != nil {
		r.logger.Warn("sink close failed", zap.Error(err))
	}
	if r.rescue != nil {
		if err := r.rescue.Close(ctx); err != nil {
			r.logger.Warn("rescue sink close failed", zap.Error(err))
		}
	}
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) setPhase(s State) {
	r.mu.Lock()
	r.phase = s
	r.mu.Unlock()
}

func (r *Runner) setFatal(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
}

func (r *Runner) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}
