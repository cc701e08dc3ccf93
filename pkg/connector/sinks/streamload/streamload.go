// Package streamload implements a Doris/StarRocks stream-load sink. A
// batch is submitted as one JSON-lines load with a label derived from the
// batch ID, so a redelivered batch after a crash is deduplicated by the
// backend. Data-quality rejections are isolated by replaying the batch
// one record per load.
package streamload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/registry"
	"github.com/wavepipe/conveyor/pkg/errors"
	"github.com/wavepipe/conveyor/pkg/logger"
)

// Sink loads batches through the stream-load HTTP endpoint.
type Sink struct {
	name     string
	endpoint string
	database string
	table    string
	user     string
	password string
	client   *http.Client
	logger   *zap.Logger
}

// loadResult is the backend's per-load report.
type loadResult struct {
	TxnID                  int64  `json:"TxnId"`
	Label                  string `json:"Label"`
	Status                 string `json:"Status"`
	Message                string `json:"Message"`
	NumberTotalRows        int64  `json:"NumberTotalRows"`
	NumberLoadedRows       int64  `json:"NumberLoadedRows"`
	NumberFilteredRows     int64  `json:"NumberFilteredRows"`
	ErrorURL               string `json:"ErrorURL"`
	LoadTimeMs             int64  `json:"LoadTimeMs"`
	StreamLoadPutTimeMs    int64  `json:"StreamLoadPutTimeMs"`
	ReadDataTimeMs         int64  `json:"ReadDataTimeMs"`
	WriteDataTimeMs        int64  `json:"WriteDataTimeMs"`
	CommitAndPublishTimeMs int64  `json:"CommitAndPublishTimeMs"`
}

func init() {
	registry.RegisterSink("streamload", schema(), func(spec *config.Spec, opts *config.Options) (core.Sink, error) {
		return NewSink(spec.Name, opts)
	})
}

func schema() config.Schema {
	return config.Schema{
		"endpoint": {Kind: config.KindString, Required: true,
			Description: "Frontend HTTP address, e.g. http://doris-fe:8030"},
		"database": {Kind: config.KindString, Required: true, Description: "Target database"},
		"table":    {Kind: config.KindString, Required: true, Description: "Target table"},
		"user":     {Kind: config.KindString, Required: true, Description: "Load user"},
		"password": {Kind: config.KindString, Default: "", Description: "Load password"},
		"timeout": {Kind: config.KindDuration, Default: 60 * time.Second,
			Description: "HTTP timeout per load request"},
	}
}

// NewSink builds the sink. The HTTP client follows the 307 redirect from
// the frontend to a backend node, re-sending the body.
func NewSink(name string, opts *config.Options) (core.Sink, error) {
	return &Sink{
		name:     name,
		endpoint: strings.TrimRight(opts.String("endpoint"), "/"),
		database: opts.String("database"),
		table:    opts.String("table"),
		user:     opts.String("user"),
		password: opts.String("password"),
		client: &http.Client{
			Timeout: opts.Duration("timeout"),
		},
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("type", "streamload_sink")),
	}, nil
}

// Write submits the batch as a single load. The label makes redelivery of
// an already published batch a duplicate, reported as success.
func (s *Sink) Write(ctx context.Context, batch *core.Batch) ([]core.WriteOutcome, error) {
	res, err := s.load(ctx, "conveyor-"+batch.ID, batch.Records)
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case "Success", "Publish Timeout":
		return core.AllDelivered(batch.Len()), nil
	case "Label Already Exists":
		// The batch was loaded before a crash cut off the outcome.
		s.logger.Info("load label already exists, treating as delivered",
			zap.String("batch", batch.ID), zap.String("label", res.Label))
		return core.AllDelivered(batch.Len()), nil
	}

	if res.NumberFilteredRows == 0 {
		// Whole-load failure with no row blamed: backend unavailable,
		// transaction trouble or similar.
		return nil, errors.Newf(errors.ErrorTypeTransient, "stream load failed: %s", res.Message)
	}

	// Rows were filtered for data quality. Replay per record so only the
	// offending rows go to rescue.
	s.logger.Warn("load filtered rows, replaying per record",
		zap.String("batch", batch.ID),
		zap.Int64("filtered", res.NumberFilteredRows),
		zap.String("error_url", res.ErrorURL))

	outcomes := make([]core.WriteOutcome, batch.Len())
	for i, rec := range batch.Records {
		one, err := s.load(ctx, fmt.Sprintf("conveyor-%s-r%d", batch.ID, i), []*core.Record{rec})
		switch {
		case err != nil:
			outcomes[i] = core.RetryFailure(err.Error())
		case one.Status == "Success" || one.Status == "Publish Timeout" || one.Status == "Label Already Exists":
			outcomes[i] = core.Delivered()
		case one.NumberFilteredRows > 0:
			outcomes[i] = core.PermanentFailure(one.Message)
		default:
			outcomes[i] = core.RetryFailure(one.Message)
		}
	}
	return outcomes, nil
}

// load performs one stream-load call with the records as JSON lines.
func (s *Sink) load(ctx context.Context, label string, records []*core.Record) (*loadResult, error) {
	var body bytes.Buffer
	for _, rec := range records {
		body.Write(rec.Value)
		body.WriteByte('\n')
	}

	url := fmt.Sprintf("%s/api/%s/%s/_stream_load", s.endpoint, s.database, s.table)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build load request")
	}
	req.SetBasicAuth(s.user, s.password)
	req.Header.Set("Expect", "100-continue")
	req.Header.Set("label", label)
	req.Header.Set("format", "json")
	req.Header.Set("read_json_by_line", "true")
	req.ContentLength = int64(body.Len())
	// The frontend answers with a 307 to a backend; the body must be
	// replayable for the redirected request.
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body.Bytes())), nil
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "stream load request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to read load response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrorTypeTransient, "stream load returned HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var res loadResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "unparseable load response")
	}
	return &res, nil
}

// Flush is a no-op; each load commits and publishes before returning.
func (s *Sink) Flush(ctx context.Context) error {
	return nil
}

// Close releases idle connections.
func (s *Sink) Close(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}
