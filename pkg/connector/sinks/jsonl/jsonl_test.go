package jsonl

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/rescue"
	"github.com/wavepipe/conveyor/pkg/connector/testutil"
)

func newTestSink(t *testing.T, path string, compress bool) core.Sink {
	opts, err := schema().Resolve(&config.Spec{
		Name:      "quarantine",
		Type:      "jsonl",
		Direction: config.DirectionSink,
		Options: map[string]interface{}{
			"path":     path,
			"compress": compress,
		},
	})
	require.NoError(t, err)
	sink, err := NewSink("quarantine", opts)
	require.NoError(t, err)
	return sink
}

func readEnvelopes(t *testing.T, path string, compressed bool) []envelope {
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var scanner *bufio.Scanner
	if compressed {
		gz, err := gzip.NewReader(file)
		require.NoError(t, err)
		defer gz.Close()
		scanner = bufio.NewScanner(gz)
	} else {
		scanner = bufio.NewScanner(file)
	}

	var out []envelope
	for scanner.Scan() {
		var env envelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
		out = append(out, env)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestWriteAppendsOneEnvelopePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rescue", "orders.jsonl")
	sink := newTestSink(t, path, false)

	batch := testutil.MakeBatch("orders-000001", 2, `{"id":1}`, "not json")
	batch.Records[0].Key = []byte("k1")
	batch.Records[0].SetHeader(rescue.HeaderReason, []byte("bad schema"))

	outcomes, err := sink.Write(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.NoError(t, sink.Flush(context.Background()))
	require.NoError(t, sink.Close(context.Background()))

	envs := readEnvelopes(t, path, false)
	require.Len(t, envs, 2)

	assert.Equal(t, "orders-000001", envs[0].Batch)
	assert.Equal(t, "0", envs[0].Partition)
	assert.Equal(t, "1", envs[0].Position)
	assert.Equal(t, "k1", envs[0].Key)
	assert.Equal(t, "bad schema", envs[0].Headers[rescue.HeaderReason])
	assert.JSONEq(t, `{"id":1}`, string(envs[0].Value))

	// A non-JSON payload is carried as a JSON string.
	assert.Equal(t, `"not json"`, string(envs[1].Value))
}

func TestWriteCompressedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.jsonl.gz")
	sink := newTestSink(t, path, true)

	batch := testutil.MakeBatch("orders-000001", 3, `{"id":1}`, `{"id":2}`, `{"id":3}`)
	_, err := sink.Write(context.Background(), batch)
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))

	envs := readEnvelopes(t, path, true)
	require.Len(t, envs, 3)
	assert.JSONEq(t, `{"id":3}`, string(envs[2].Value))
}

func TestWriteAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.jsonl")

	first := newTestSink(t, path, false)
	_, err := first.Write(context.Background(), testutil.MakeBatch("b1", 1, `{"id":1}`))
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	second := newTestSink(t, path, false)
	_, err = second.Write(context.Background(), testutil.MakeBatch("b2", 2, `{"id":2}`))
	require.NoError(t, err)
	require.NoError(t, second.Close(context.Background()))

	envs := readEnvelopes(t, path, false)
	require.Len(t, envs, 2)
	assert.Equal(t, "b1", envs[0].Batch)
	assert.Equal(t, "b2", envs[1].Batch)
}

func TestFlushSurvivesWithoutClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.jsonl")
	sink := newTestSink(t, path, false)

	_, err := sink.Write(context.Background(), testutil.MakeBatch("b1", 1, `{"id":1}`))
	require.NoError(t, err)
	require.NoError(t, sink.Flush(context.Background()))

	// The envelope must be durable before Close, since the runner commits
	// checkpoints on Flush.
	envs := readEnvelopes(t, path, false)
	require.Len(t, envs, 1)
	assert.WithinDuration(t, time.Now(), envs[0].Timestamp, time.Minute)

	require.NoError(t, sink.Close(context.Background()))
}
