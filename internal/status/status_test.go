package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindAndReasonRoundTrip(t *testing.T) {
	err := New(Restriction, ReasonNotOwner)

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, Restriction, kind)
	assert.Equal(t, ReasonNotOwner, ReasonOf(err))
	assert.True(t, IsKind(err, Restriction))
	assert.False(t, IsKind(err, Validation))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Escrow, "ledger_call_failed", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "escrow: ledger_call_failed: connection refused", err.Error())

	// Taxonomy survives further wrapping.
	wrapped := fmt.Errorf("lock funds: %w", err)
	assert.True(t, IsKind(wrapped, Escrow))
	assert.Equal(t, "ledger_call_failed", ReasonOf(wrapped))
}

func TestPlainErrorsCarryNoKind(t *testing.T) {
	_, ok := KindOf(errors.New("boom"))
	assert.False(t, ok)
	assert.Empty(t, ReasonOf(errors.New("boom")))
}
