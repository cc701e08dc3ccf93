package streamload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/testutil"
)

type loadCall struct {
	label string
	body  string
}

// fakeFrontend serves the stream-load endpoint and answers each call from
// a scripted queue of results.
type fakeFrontend struct {
	mu      sync.Mutex
	calls   []loadCall
	results []loadResult
}

func (f *fakeFrontend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/shop/orders/_stream_load", r.URL.Path)
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "loader", user)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		f.mu.Lock()
		f.calls = append(f.calls, loadCall{label: r.Header.Get("label"), body: string(body)})
		res := loadResult{Status: "Success"}
		if len(f.results) > 0 {
			res = f.results[0]
			f.results = f.results[1:]
		}
		f.mu.Unlock()

		payload, _ := json.Marshal(res)
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}
}

func newTestSink(t *testing.T, endpoint string) core.Sink {
	opts, err := schema().Resolve(&config.Spec{
		Name:      "orders-load",
		Type:      "streamload",
		Direction: config.DirectionSink,
		Options: map[string]interface{}{
			"endpoint": endpoint,
			"database": "shop",
			"table":    "orders",
			"user":     "loader",
			"password": "secret",
			"timeout":  "5s",
		},
	})
	require.NoError(t, err)
	sink, err := NewSink("orders-load", opts)
	require.NoError(t, err)
	return sink
}

func TestWriteSubmitsBatchAsJSONLines(t *testing.T) {
	fe := &fakeFrontend{}
	srv := httptest.NewServer(fe.handler(t))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	batch := testutil.MakeBatch("orders-000001", 2, `{"id":1}`, `{"id":2}`)

	outcomes, err := sink.Write(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, out := range outcomes {
		assert.Equal(t, core.StatusDelivered, out.Status)
	}

	require.Len(t, fe.calls, 1)
	assert.Equal(t, "conveyor-orders-000001", fe.calls[0].label)
	assert.Equal(t, "{\"id\":1}\n{\"id\":2}\n", fe.calls[0].body)
}

func TestWriteDuplicateLabelIsDelivered(t *testing.T) {
	fe := &fakeFrontend{results: []loadResult{{Status: "Label Already Exists", Label: "conveyor-orders-000001"}}}
	srv := httptest.NewServer(fe.handler(t))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	batch := testutil.MakeBatch("orders-000001", 1, `{"id":1}`)

	outcomes, err := sink.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDelivered, outcomes[0].Status)
}

func TestWriteFilteredRowsReplaysPerRecord(t *testing.T) {
	fe := &fakeFrontend{results: []loadResult{
		{Status: "Fail", Message: "too many filtered rows", NumberTotalRows: 3, NumberFilteredRows: 1},
		{Status: "Success"},
		{Status: "Fail", Message: "value out of range for column total", NumberFilteredRows: 1},
		{Status: "Success"},
	}}
	srv := httptest.NewServer(fe.handler(t))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	batch := testutil.MakeBatch("orders-000001", 3, `{"id":1}`, `{"id":2,"total":"x"}`, `{"id":3}`)

	outcomes, err := sink.Write(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, core.StatusDelivered, outcomes[0].Status)
	assert.Equal(t, core.StatusPermanent, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Reason, "out of range")
	assert.Equal(t, core.StatusDelivered, outcomes[2].Status)

	// One batch load plus one replay per record.
	require.Len(t, fe.calls, 4)
	assert.True(t, strings.HasPrefix(fe.calls[1].label, "conveyor-orders-000001-r"))
}

func TestWriteWholeLoadFailureIsTransient(t *testing.T) {
	fe := &fakeFrontend{results: []loadResult{
		{Status: "Fail", Message: "transaction commit timed out"},
	}}
	srv := httptest.NewServer(fe.handler(t))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	batch := testutil.MakeBatch("orders-000001", 1, `{"id":1}`)

	_, err := sink.Write(context.Background(), batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction commit timed out")
}

func TestWriteUnreachableBackendIsTransient(t *testing.T) {
	sink := newTestSink(t, "http://127.0.0.1:1")
	batch := testutil.MakeBatch("orders-000001", 1, `{"id":1}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sink.Write(ctx, batch)
	require.Error(t, err)
}
