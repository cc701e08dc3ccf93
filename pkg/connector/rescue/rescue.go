// Package rescue routes permanently failed records to a quarantine sink.
//
// When a write returns PermanentFailure for part of a batch, the runner
// does not discard those records and does not fail the batch. The router
// wraps each failed record with its failure reason and original batch and
// position metadata and forwards it to a configured rescue sink; any
// registered sink works. A record that the rescue sink refuses stays
// un-terminal; the rescue path must never become a second silent drop.
package rescue

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/errors"
)

// Header keys added to quarantined records.
const (
	HeaderReason    = "x-rescue-reason"
	HeaderBatch     = "x-rescue-batch"
	HeaderPartition = "x-rescue-partition"
	HeaderPosition  = "x-rescue-position"
	HeaderTimestamp = "x-rescue-unix-ms"
)

// Router forwards quarantined records to a rescue sink.
type Router struct {
	sink   core.Sink
	logger *zap.Logger
}

// NewRouter wraps a rescue sink. The sink is owned by the router; the
// runner closes it through Close.
func NewRouter(sink core.Sink, logger *zap.Logger) *Router {
	return &Router{
		sink:   sink,
		logger: logger.With(zap.String("component", "rescue_router")),
	}
}

// Route forwards the records of batch whose outcome is PermanentFailure
// to the rescue sink and flushes it. It returns the original batch
// indices of records that are still un-terminal, meaning the rescue sink
// itself failed to accept them, so the caller can retry. An error is
// returned when the rescue sink failed wholesale; a transient error may
// be retried by the caller.
func (r *Router) Route(ctx context.Context, batch *core.Batch, outcomes []core.WriteOutcome) ([]int, error) {
	indices := make([]int, 0)
	for i, out := range outcomes {
		if out.Status == core.StatusPermanent {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return nil, nil
	}

	quarantine := &core.Batch{
		ID:         batch.ID + "-rescue",
		Records:    make([]*core.Record, 0, len(indices)),
		Checkpoint: batch.Checkpoint,
	}
	for _, i := range indices {
		rec := wrap(batch, batch.Records[i], outcomes[i].Reason)
		quarantine.Records = append(quarantine.Records, rec)
		quarantine.Bytes += rec.Size()
	}

	rescued, err := r.sink.Write(ctx, quarantine)
	if err != nil {
		return indices, errors.Wrap(err, errors.TypeOf(err), "rescue sink write failed")
	}
	if len(rescued) != quarantine.Len() {
		return indices, errors.Newf(errors.ErrorTypeInternal,
			"rescue sink returned %d outcomes for %d records", len(rescued), quarantine.Len())
	}

	pending := make([]int, 0)
	for i, out := range rescued {
		if out.Status != core.StatusDelivered {
			pending = append(pending, indices[i])
			r.logger.Warn("rescue sink refused record",
				zap.String("batch", batch.ID),
				zap.Int("index", indices[i]),
				zap.String("status", string(out.Status)),
				zap.String("reason", out.Reason))
		}
	}
	if len(pending) > 0 {
		return pending, nil
	}

	if err := r.sink.Flush(ctx); err != nil {
		// Flush failure means delivery is unconfirmed; treat every routed
		// record as still pending.
		return indices, errors.Wrap(err, errors.TypeOf(err), "rescue sink flush failed")
	}

	r.logger.Info("records quarantined",
		zap.String("batch", batch.ID),
		zap.Int("count", len(indices)))
	return nil, nil
}

// Close closes the underlying rescue sink.
func (r *Router) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}

// wrap copies the record and attaches quarantine metadata headers. The
// original headers are preserved ahead of the rescue ones.
func wrap(batch *core.Batch, rec *core.Record, reason string) *core.Record {
	out := &core.Record{
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   make([]core.Header, len(rec.Headers), len(rec.Headers)+5),
		Timestamp: rec.Timestamp,
		Partition: rec.Partition,
		Position:  rec.Position,
	}
	copy(out.Headers, rec.Headers)

	out.SetHeader(HeaderReason, []byte(reason))
	out.SetHeader(HeaderBatch, []byte(batch.ID))
	if rec.Partition != "" {
		out.SetHeader(HeaderPartition, []byte(rec.Partition))
	}
	if rec.Position != nil {
		out.SetHeader(HeaderPosition, []byte(rec.Position.String()))
	}
	out.SetHeader(HeaderTimestamp, []byte(strconv.FormatInt(rec.Timestamp.UnixMilli(), 10)))
	return out
}
