package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndWrap(t *testing.T) {
	err := New(ErrorTypeTransient, "broker unavailable")
	assert.Equal(t, "transient: broker unavailable", err.Error())
	assert.NotEmpty(t, err.Stack)

	wrapped := Wrap(err, ErrorTypeFatal, "sink write failed")
	assert.Equal(t, "fatal: sink write failed: transient: broker unavailable", wrapped.Error())
	assert.True(t, stderrors.Is(wrapped, err))

	assert.Nil(t, Wrap(nil, ErrorTypeFatal, "ignored"))
}

func TestIsRetryableOnlyForTransient(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeTransient, "timeout")))
	assert.False(t, IsRetryable(New(ErrorTypePermanent, "bad schema")))
	assert.False(t, IsRetryable(New(ErrorTypeFatal, "corrupted state")))
	assert.False(t, IsRetryable(fmt.Errorf("unclassified")))
	assert.False(t, IsRetryable(nil))

	// Classification survives wrapping.
	wrapped := Wrap(New(ErrorTypeTransient, "timeout"), ErrorTypeTransient, "poll failed")
	assert.True(t, IsRetryable(wrapped))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, ErrorTypeConflict, TypeOf(New(ErrorTypeConflict, "duplicate")))
	assert.Equal(t, ErrorTypeInternal, TypeOf(fmt.Errorf("plain")))
}

func TestWithDetail(t *testing.T) {
	err := Newf(ErrorTypeConfig, "invalid options for %q", "kafka").
		WithDetail("connector", "kafka").
		WithDetail("fields", []string{"brokers"})

	require.NotNil(t, err.Details)
	assert.Equal(t, "kafka", err.Details["connector"])
	assert.True(t, IsType(err, ErrorTypeConfig))
}
