package rescue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/testutil"
)

func TestRouteForwardsOnlyPermanentFailures(t *testing.T) {
	sink := testutil.NewMemorySink()
	router := NewRouter(sink, zap.NewNop())

	batch := testutil.MakeBatch("orders-000001", 3, "a", "b", "c")
	outcomes := []core.WriteOutcome{
		core.Delivered(),
		core.PermanentFailure("bad schema"),
		core.Delivered(),
	}

	pending, err := router.Route(context.Background(), batch, outcomes)
	require.NoError(t, err)
	assert.Empty(t, pending)

	received := sink.Received()
	require.Len(t, received, 1)
	assert.Equal(t, "orders-000001-rescue", received[0].ID)
	require.Equal(t, 1, received[0].Len())

	rescued := received[0].Records[0]
	assert.Equal(t, []byte("b"), rescued.Value)

	reason, ok := rescued.Header(HeaderReason)
	require.True(t, ok)
	assert.Equal(t, "bad schema", string(reason))
	batchID, _ := rescued.Header(HeaderBatch)
	assert.Equal(t, "orders-000001", string(batchID))
	pos, ok := rescued.Header(HeaderPosition)
	require.True(t, ok)
	assert.Equal(t, "2", string(pos))

	assert.Equal(t, 1, sink.Flushes(), "rescue delivery flushes before reporting terminal")
}

func TestRouteNoPermanentFailuresDoesNothing(t *testing.T) {
	sink := testutil.NewMemorySink()
	router := NewRouter(sink, zap.NewNop())

	batch := testutil.MakeBatch("orders-000001", 2, "a", "b")
	pending, err := router.Route(context.Background(), batch, core.AllDelivered(2))
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, sink.Writes())
}

func TestRouteDoesNotMutateOriginalRecords(t *testing.T) {
	sink := testutil.NewMemorySink()
	router := NewRouter(sink, zap.NewNop())

	batch := testutil.MakeBatch("orders-000001", 1, "a")
	outcomes := []core.WriteOutcome{core.PermanentFailure("oversized")}

	_, err := router.Route(context.Background(), batch, outcomes)
	require.NoError(t, err)

	_, tainted := batch.Records[0].Header(HeaderReason)
	assert.False(t, tainted, "quarantine metadata must go on a copy")
}

func TestRouteRefusedRecordsStayPending(t *testing.T) {
	sink := testutil.NewMemorySink().Script(testutil.WriteResult{
		Outcomes: []core.WriteOutcome{
			core.Delivered(),
			core.RetryFailure("quarantine backlog full"),
		},
	})
	router := NewRouter(sink, zap.NewNop())

	batch := testutil.MakeBatch("orders-000001", 3, "a", "b", "c")
	outcomes := []core.WriteOutcome{
		core.PermanentFailure("bad schema"),
		core.Delivered(),
		core.PermanentFailure("bad schema"),
	}

	pending, err := router.Route(context.Background(), batch, outcomes)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, pending, "the refused record keeps its original batch index")
}

func TestRouteSinkErrorReportsAllPending(t *testing.T) {
	sink := testutil.NewMemorySink().Script(testutil.WriteResult{
		Err: testutil.TransientErr("quarantine store down"),
	})
	router := NewRouter(sink, zap.NewNop())

	batch := testutil.MakeBatch("orders-000001", 2, "a", "b")
	outcomes := []core.WriteOutcome{
		core.PermanentFailure("bad schema"),
		core.PermanentFailure("bad schema"),
	}

	pending, err := router.Route(context.Background(), batch, outcomes)
	require.Error(t, err)
	assert.Equal(t, []int{0, 1}, pending)
}
