// Package kafka implements a producer sink. Each record becomes one
// producer message; SendMessages reports per-message errors, which map to
// the per-record outcomes positionally through the message Metadata.
package kafka

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/registry"
	"github.com/wavepipe/conveyor/pkg/errors"
	"github.com/wavepipe/conveyor/pkg/logger"
)

// Sink produces records to a single topic.
type Sink struct {
	name     string
	topic    string
	producer sarama.SyncProducer
	logger   *zap.Logger
}

func init() {
	registry.RegisterSink("kafka", schema(), func(spec *config.Spec, opts *config.Options) (core.Sink, error) {
		return NewSink(spec.Name, opts)
	})
}

func schema() config.Schema {
	return config.Schema{
		"brokers": {Kind: config.KindStrings, Required: true, Description: "Kafka bootstrap broker addresses"},
		"topic":   {Kind: config.KindString, Required: true, Description: "Topic to produce to"},
		"acks": {Kind: config.KindString, Default: "all", Enum: []string{"none", "leader", "all"},
			Description: "Required broker acknowledgements per message"},
		"compression": {Kind: config.KindString, Default: "none",
			Enum:        []string{"none", "gzip", "snappy", "lz4", "zstd"},
			Description: "Producer compression codec"},
		"max_message_bytes": {Kind: config.KindInt, Default: int64(1 << 20),
			Description: "Maximum serialized message size"},
		"timeout": {Kind: config.KindDuration, Default: 10 * time.Second,
			Description: "Broker-side produce timeout"},
		"version": {Kind: config.KindString, Default: "2.8.0",
			Description: "Kafka protocol version"},
	}
}

// NewSink connects a synchronous producer.
func NewSink(name string, opts *config.Options) (core.Sink, error) {
	version, err := sarama.ParseKafkaVersion(opts.String("version"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka version")
	}

	cfg := sarama.NewConfig()
	cfg.Version = version
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.MaxMessageBytes = opts.Int("max_message_bytes")
	cfg.Producer.Timeout = opts.Duration("timeout")

	switch opts.String("acks") {
	case "none":
		cfg.Producer.RequiredAcks = sarama.NoResponse
	case "leader":
		cfg.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		cfg.Producer.RequiredAcks = sarama.WaitForAll
	}

	switch opts.String("compression") {
	case "gzip":
		cfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	producer, err := sarama.NewSyncProducer(opts.Strings("brokers"), cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to create producer")
	}

	return &Sink{
		name:     name,
		topic:    opts.String("topic"),
		producer: producer,
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("type", "kafka_sink")),
	}, nil
}

// Write produces the whole batch and builds one outcome per record. A
// partial produce failure yields mixed outcomes rather than an error, so
// delivered records are not re-sent by the retry loop.
func (s *Sink) Write(ctx context.Context, batch *core.Batch) ([]core.WriteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "write cancelled")
	}

	msgs := make([]*sarama.ProducerMessage, batch.Len())
	for i, rec := range batch.Records {
		msg := &sarama.ProducerMessage{
			Topic:    s.topic,
			Value:    sarama.ByteEncoder(rec.Value),
			Metadata: i,
		}
		if len(rec.Key) > 0 {
			msg.Key = sarama.ByteEncoder(rec.Key)
		}
		if !rec.Timestamp.IsZero() {
			msg.Timestamp = rec.Timestamp
		}
		for _, h := range rec.Headers {
			msg.Headers = append(msg.Headers, sarama.RecordHeader{
				Key:   []byte(h.Key),
				Value: h.Value,
			})
		}
		msgs[i] = msg
	}

	err := s.producer.SendMessages(msgs)
	if err == nil {
		return core.AllDelivered(batch.Len()), nil
	}

	var perr sarama.ProducerErrors
	if !stderrors.As(err, &perr) {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "produce failed")
	}

	outcomes := core.AllDelivered(batch.Len())
	for _, pe := range perr {
		idx, ok := pe.Msg.Metadata.(int)
		if !ok || idx < 0 || idx >= len(outcomes) {
			return nil, errors.New(errors.ErrorTypeInternal, "producer error without message index")
		}
		outcomes[idx] = classify(pe.Err)
	}
	s.logger.Warn("partial produce failure",
		zap.String("batch", batch.ID),
		zap.Int("failed", len(perr)))
	return outcomes, nil
}

// classify maps a broker error to a record outcome. Message-shape errors
// can never succeed and go to rescue; everything else is retryable.
func classify(err error) core.WriteOutcome {
	var kerr sarama.KError
	if stderrors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrMessageSizeTooLarge,
			sarama.ErrInvalidMessage,
			sarama.ErrInvalidMessageSize,
			sarama.ErrUnsupportedForMessageFormat:
			return core.PermanentFailure(kerr.Error())
		}
	}
	if stderrors.Is(err, sarama.ErrMessageTooLarge) {
		return core.PermanentFailure(err.Error())
	}
	return core.RetryFailure(err.Error())
}

// Flush is a no-op; SendMessages only returns after the brokers acked.
func (s *Sink) Flush(ctx context.Context) error {
	return nil
}

// Close shuts down the producer.
func (s *Sink) Close(ctx context.Context) error {
	if err := s.producer.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to close producer")
	}
	return nil
}
