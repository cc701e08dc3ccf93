package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/testutil"
	"github.com/wavepipe/conveyor/pkg/errors"
)

func testSinkSchema() config.Schema {
	return config.Schema{
		"brokers": {Kind: config.KindStrings, Required: true},
		"topic":   {Kind: config.KindString, Required: true},
	}
}

func memorySinkFactory(called *int) SinkFactory {
	return func(spec *config.Spec, opts *config.Options) (core.Sink, error) {
		*called++
		return testutil.NewMemorySink(), nil
	}
}

func TestDuplicateRegistrationIsConstructionError(t *testing.T) {
	r := NewRegistry()
	var first, second int

	require.NoError(t, r.RegisterSink("kafka-sink", testSinkSchema(), memorySinkFactory(&first)))

	err := r.RegisterSink("kafka-sink", testSinkSchema(), memorySinkFactory(&second))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.Contains(t, err.Error(), `duplicate sink connector type "kafka-sink"`)

	// The first registration stays active.
	_, err = r.BuildSink(&config.Spec{
		Name:      "out",
		Type:      "kafka-sink",
		Direction: config.DirectionSink,
		Options:   map[string]interface{}{"brokers": "a:9092", "topic": "t"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
}

func TestValidateUnknownTypeIsSingleFieldError(t *testing.T) {
	r := NewRegistry()
	errs := r.Validate(&config.Spec{Type: "nope", Direction: config.DirectionSink})
	require.Len(t, errs, 1)
	assert.Equal(t, "type", errs[0].Field)
}

func TestBuildSinkRejectsInvalidOptionsBeforeFactory(t *testing.T) {
	r := NewRegistry()
	var called int
	require.NoError(t, r.RegisterSink("mem", testSinkSchema(), memorySinkFactory(&called)))

	_, err := r.BuildSink(&config.Spec{
		Name:      "out",
		Type:      "mem",
		Direction: config.DirectionSink,
		Options:   map[string]interface{}{"topic": "t"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Equal(t, 0, called, "factory must not run for an invalid spec")
}

func TestBuildSourceUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.BuildSource(&config.Spec{Type: "nope", Direction: config.DirectionSource})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestListAndHas(t *testing.T) {
	r := NewRegistry()
	var called int
	require.NoError(t, r.RegisterSink("a", testSinkSchema(), memorySinkFactory(&called)))
	require.NoError(t, r.RegisterSink("b", testSinkSchema(), memorySinkFactory(&called)))
	require.NoError(t, r.RegisterSource("s", config.Schema{}, func(spec *config.Spec, opts *config.Options) (core.Source, error) {
		return testutil.NewMemorySource(), nil
	}))

	assert.ElementsMatch(t, []string{"a", "b"}, r.ListSinks())
	assert.ElementsMatch(t, []string{"s"}, r.ListSources())
	assert.True(t, r.HasSink("a"))
	assert.False(t, r.HasSink("s"))
	assert.True(t, r.HasSource("s"))
}
