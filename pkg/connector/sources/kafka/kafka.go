// Package kafka implements a consumer-group source. Records map one to
// one from Kafka messages; the checkpoint is the set of next-to-consume
// offsets per partition and is committed to the group coordinator on Ack.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/registry"
	"github.com/wavepipe/conveyor/pkg/errors"
	"github.com/wavepipe/conveyor/pkg/logger"
)

// Position is a partition offset.
type Position struct {
	Partition int32
	Offset    int64
}

func (p Position) String() string {
	return fmt.Sprintf("%d@%d", p.Partition, p.Offset)
}

// Checkpoint holds the next offset to consume per partition. Offsets only
// move forward, so acking an older checkpoint is naturally a no-op at the
// coordinator.
type Checkpoint struct {
	Offsets map[int32]int64
}

func (c Checkpoint) String() string {
	parts := make([]string, 0, len(c.Offsets))
	for p, o := range c.Offsets {
		parts = append(parts, fmt.Sprintf("%d:%d", p, o))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Source consumes a topic through a consumer group.
type Source struct {
	name    string
	topic   string
	group   sarama.ConsumerGroup
	builder *core.BatchBuilder
	logger  *zap.Logger

	msgs   chan *sarama.ConsumerMessage
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	session sarama.ConsumerGroupSession
	offsets map[int32]int64
}

func init() {
	registry.RegisterSource("kafka", schema(), func(spec *config.Spec, opts *config.Options) (core.Source, error) {
		return NewSource(spec.Name, opts)
	})
}

func schema() config.Schema {
	one := float64(1)
	return config.Schema{
		"brokers":  {Kind: config.KindStrings, Required: true, Description: "Kafka bootstrap broker addresses"},
		"topic":    {Kind: config.KindString, Required: true, Description: "Topic to consume"},
		"group_id": {Kind: config.KindString, Required: true, Description: "Consumer group id"},
		"client_id": {Kind: config.KindString, Default: "conveyor",
			Description: "Client id reported to the brokers"},
		"start_offset": {Kind: config.KindString, Default: "earliest", Enum: []string{"earliest", "latest"},
			Description: "Where a new group starts consuming"},
		"session_timeout": {Kind: config.KindDuration, Default: 30 * time.Second,
			Description: "Consumer group session timeout"},
		"max_records": {Kind: config.KindInt, Default: int64(1000), Min: &one,
			Description: "Batch record count flush trigger"},
		"max_bytes": {Kind: config.KindInt, Default: int64(4 << 20), Min: &one,
			Description: "Batch byte size flush trigger"},
		"version": {Kind: config.KindString, Default: "2.8.0",
			Description: "Kafka protocol version"},
	}
}

// NewSource connects the consumer group and starts the consume loop. The
// first Poll may wait for partition assignment.
func NewSource(name string, opts *config.Options) (core.Source, error) {
	version, err := sarama.ParseKafkaVersion(opts.String("version"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka version")
	}

	cfg := sarama.NewConfig()
	cfg.Version = version
	cfg.ClientID = opts.String("client_id")
	cfg.Consumer.Group.Session.Timeout = opts.Duration("session_timeout")
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	if opts.String("start_offset") == "earliest" {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	group, err := sarama.NewConsumerGroup(opts.Strings("brokers"), opts.String("group_id"), cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to create consumer group")
	}

	builderCfg := core.DefaultBuilderConfig()
	builderCfg.MaxRecords = opts.Int("max_records")
	builderCfg.MaxBytes = int64(opts.Int("max_bytes"))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		name:    name,
		topic:   opts.String("topic"),
		group:   group,
		builder: core.NewBatchBuilder(name, builderCfg),
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("type", "kafka_source")),
		msgs:    make(chan *sarama.ConsumerMessage, builderCfg.MaxRecords),
		cancel:  cancel,
		done:    make(chan struct{}),
		offsets: make(map[int32]int64),
	}

	go s.consumeLoop(ctx)
	return s, nil
}

func (s *Source) consumeLoop(ctx context.Context) {
	defer close(s.done)
	for {
		if err := s.group.Consume(ctx, []string{s.topic}, s); err != nil {
			s.logger.Warn("consumer group session ended", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		// Rebalance; sarama expects the caller to re-enter Consume.
	}
}

// Poll assembles a batch from the consume loop, flushing on the count or
// byte trigger or when maxWait elapses with at least one record buffered.
func (s *Source) Poll(ctx context.Context, maxWait time.Duration) (*core.Batch, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTransient, "poll cancelled")
		case <-timer.C:
			return s.flush(), nil
		case msg := <-s.msgs:
			// The next-offset map advances only when a message enters a
			// batch, so a checkpoint never covers messages still queued.
			s.mu.Lock()
			s.offsets[msg.Partition] = msg.Offset + 1
			s.mu.Unlock()
			if s.builder.Append(toRecord(msg)) {
				return s.flush(), nil
			}
		}
	}
}

func (s *Source) flush() *core.Batch {
	s.mu.Lock()
	offsets := make(map[int32]int64, len(s.offsets))
	for p, o := range s.offsets {
		offsets[p] = o
	}
	s.mu.Unlock()

	return s.builder.Flush(Checkpoint{Offsets: offsets})
}

// Ack marks the checkpoint's offsets on the current session and commits
// them to the group coordinator. During a rebalance there is no session;
// the commit is reported transient and retried by the caller.
func (s *Source) Ack(ctx context.Context, cp core.Checkpoint) error {
	kcp, ok := cp.(Checkpoint)
	if !ok {
		return errors.Newf(errors.ErrorTypeInternal, "unexpected checkpoint type %T", cp)
	}

	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return errors.New(errors.ErrorTypeTransient, "no active consumer group session")
	}

	for partition, offset := range kcp.Offsets {
		session.MarkOffset(s.topic, partition, offset, "")
	}
	session.Commit()
	return nil
}

// Close stops the consume loop and leaves the group.
func (s *Source) Close(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	if err := s.group.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to close consumer group")
	}
	return nil
}

// Setup implements sarama.ConsumerGroupHandler.
func (s *Source) Setup(session sarama.ConsumerGroupSession) error {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	s.logger.Info("consumer group session started", zap.Int32s("claims", flatten(session.Claims())))
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (s *Source) Cleanup(session sarama.ConsumerGroupSession) error {
	s.mu.Lock()
	if s.session == session {
		s.session = nil
	}
	s.mu.Unlock()
	return nil
}

// ConsumeClaim feeds claimed messages to Poll through the message
// channel.
func (s *Source) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case s.msgs <- msg:
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func toRecord(msg *sarama.ConsumerMessage) *core.Record {
	rec := &core.Record{
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
		Partition: strconv.FormatInt(int64(msg.Partition), 10),
		Position:  Position{Partition: msg.Partition, Offset: msg.Offset},
	}
	for _, h := range msg.Headers {
		rec.Headers = append(rec.Headers, core.Header{Key: string(h.Key), Value: h.Value})
	}
	return rec
}

func flatten(claims map[string][]int32) []int32 {
	var out []int32
	for _, ps := range claims {
		out = append(out, ps...)
	}
	return out
}
