package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	one := float64(1)
	return Schema{
		"brokers":   {Kind: KindStrings, Required: true},
		"topic":     {Kind: KindString, Required: true},
		"group_id":  {Kind: KindString, Required: true},
		"page_size": {Kind: KindInt, Default: int64(1000), Min: &one},
		"timeout":   {Kind: KindDuration, Default: 5 * time.Second},
		"mode":      {Kind: KindString, Default: "append", Enum: []string{"append", "upsert"}},
		"verbose":   {Kind: KindBool, Default: false},
	}
}

func TestValidateReportsAllErrorsInOnePass(t *testing.T) {
	schema := testSchema()
	spec := &Spec{
		Name:      "orders",
		Type:      "kafka",
		Direction: DirectionSource,
		Options: map[string]interface{}{
			// brokers and group_id missing
			"topic":     "orders",
			"page_size": "not-a-number",
			"mode":      "replace",
			"bogus":     true,
		},
	}

	errs := schema.Validate(spec)
	require.Len(t, errs, 5)

	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		fields[fe.Field] = fe.Message
	}
	assert.Contains(t, fields, "brokers")
	assert.Contains(t, fields, "group_id")
	assert.Contains(t, fields, "page_size")
	assert.Contains(t, fields, "mode")
	assert.Equal(t, "unknown option", fields["bogus"])
}

func TestValidateMissingRequiredIsSingleError(t *testing.T) {
	schema := testSchema()
	spec := &Spec{
		Name:      "orders",
		Type:      "kafka",
		Direction: DirectionSource,
		Options: map[string]interface{}{
			"brokers": "localhost:9092",
			"topic":   "orders",
		},
	}

	errs := schema.Validate(spec)
	require.Len(t, errs, 1)
	assert.Equal(t, "group_id", errs[0].Field)
	assert.Equal(t, "required option is missing", errs[0].Message)
}

func TestValidateAcceptsCompleteSpec(t *testing.T) {
	schema := testSchema()
	spec := &Spec{
		Type:      "kafka",
		Direction: DirectionSource,
		Options: map[string]interface{}{
			"brokers":  []interface{}{"a:9092", "b:9092"},
			"topic":    "orders",
			"group_id": "conveyor",
		},
	}
	assert.Nil(t, schema.Validate(spec))
}

func TestResolveAppliesDefaultsAndTypes(t *testing.T) {
	schema := testSchema()
	spec := &Spec{
		Type:      "kafka",
		Direction: DirectionSource,
		Options: map[string]interface{}{
			"brokers":  "a:9092, b:9092",
			"topic":    "orders",
			"group_id": "conveyor",
			"timeout":  "250ms",
			"verbose":  "true",
		},
	}

	opts, err := schema.Resolve(spec)
	require.NoError(t, err)

	assert.Equal(t, []string{"a:9092", "b:9092"}, opts.Strings("brokers"))
	assert.Equal(t, "orders", opts.String("topic"))
	assert.Equal(t, 1000, opts.Int("page_size"))
	assert.Equal(t, 250*time.Millisecond, opts.Duration("timeout"))
	assert.Equal(t, "append", opts.String("mode"))
	assert.True(t, opts.Bool("verbose"))
	assert.False(t, opts.Has("missing"))
}

func TestResolveRejectsInvalidSpec(t *testing.T) {
	schema := testSchema()
	spec := &Spec{
		Type:      "kafka",
		Direction: DirectionSource,
		Options:   map[string]interface{}{"topic": ""},
	}

	opts, err := schema.Resolve(spec)
	assert.Nil(t, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid options")
}

func TestCoerceIntFromYAMLShapes(t *testing.T) {
	opt := Option{Kind: KindInt}

	for _, raw := range []interface{}{42, int64(42), float64(42), "42"} {
		v, err := coerce(opt, raw)
		require.NoError(t, err)
		assert.Equal(t, int64(42), v)
	}

	_, err := coerce(opt, 4.5)
	assert.Error(t, err)
}

func TestCoerceDurationFromSeconds(t *testing.T) {
	v, err := coerce(Option{Kind: KindDuration}, 30)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, v)
}

func TestCoerceRangeBounds(t *testing.T) {
	min, max := float64(1), float64(10)
	opt := Option{Kind: KindInt, Min: &min, Max: &max}

	_, err := coerce(opt, 0)
	assert.Error(t, err)
	_, err = coerce(opt, 11)
	assert.Error(t, err)
	v, err := coerce(opt, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
}
