// Package jsonl implements an append-only file sink writing one JSON
// envelope per record. It is the default rescue destination: quarantined
// records land here with their failure metadata when no other rescue sink
// is configured. Payloads that are valid JSON are embedded verbatim;
// anything else is carried as a string.
package jsonl

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/registry"
	"github.com/wavepipe/conveyor/pkg/errors"
	"github.com/wavepipe/conveyor/pkg/logger"
)

// envelope is the on-disk shape of one record.
type envelope struct {
	Batch     string            `json:"batch,omitempty"`
	Partition string            `json:"partition,omitempty"`
	Position  string            `json:"position,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Key       string            `json:"key,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Value     json.RawMessage   `json:"value"`
}

// Sink appends envelopes to a single file.
type Sink struct {
	name   string
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
	gz   *gzip.Writer
	buf  *bufio.Writer
	enc  *json.Encoder
}

func init() {
	registry.RegisterSink("jsonl", schema(), func(spec *config.Spec, opts *config.Options) (core.Sink, error) {
		return NewSink(spec.Name, opts)
	})
}

func schema() config.Schema {
	return config.Schema{
		"path": {Kind: config.KindString, Required: true, Description: "Output file path"},
		"compress": {Kind: config.KindBool, Default: false,
			Description: "Gzip the output stream"},
	}
}

// NewSink opens the file for appending, creating parent directories.
func NewSink(name string, opts *config.Options) (core.Sink, error) {
	path := opts.String("path")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create output dir")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open output file")
	}

	s := &Sink{
		name: name,
		file: file,
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("type", "jsonl_sink")),
	}
	if opts.Bool("compress") {
		s.gz = gzip.NewWriter(file)
		s.buf = bufio.NewWriter(s.gz)
	} else {
		s.buf = bufio.NewWriter(file)
	}
	s.enc = json.NewEncoder(s.buf)
	return s, nil
}

// Write appends one envelope per record. Local file writes either all
// succeed or fail together; an I/O error is transient so the runner can
// retry after the disk recovers.
func (s *Sink) Write(ctx context.Context, batch *core.Batch) ([]core.WriteOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range batch.Records {
		if err := s.enc.Encode(toEnvelope(batch, rec)); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to append record")
		}
	}
	return core.AllDelivered(batch.Len()), nil
}

// Flush pushes buffered envelopes through to stable storage.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to flush buffer")
	}
	if s.gz != nil {
		if err := s.gz.Flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransient, "failed to flush gzip stream")
		}
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to sync file")
	}
	return nil
}

// Close flushes and closes the file.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to flush buffer")
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransient, "failed to close gzip stream")
		}
	}
	if err := s.file.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to close file")
	}
	return nil
}

func toEnvelope(batch *core.Batch, rec *core.Record) envelope {
	env := envelope{
		Batch:     batch.ID,
		Partition: rec.Partition,
		Timestamp: rec.Timestamp,
		Key:       string(rec.Key),
	}
	if rec.Position != nil {
		env.Position = rec.Position.String()
	}
	if len(rec.Headers) > 0 {
		env.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			env.Headers[h.Key] = string(h.Value)
		}
	}
	if json.Valid(rec.Value) {
		env.Value = json.RawMessage(rec.Value)
	} else {
		quoted, _ := json.Marshal(string(rec.Value))
		env.Value = quoted
	}
	return env
}
