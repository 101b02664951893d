package txerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/latticekv/txn/pkg/kv"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code    kv.Code
		isWrite bool
		want    ErrorClass
	}{
		{kv.CodeDocNotFound, false, FailDocNotFound},
		{kv.CodeCasMismatch, true, FailCasMismatch},
		{kv.CodeTimeout, true, FailAmbiguous},
		{kv.CodeTimeout, false, FailTransient},
		{kv.CodeDurabilityAmbiguous, true, FailAmbiguous},
		{kv.CodeTooLarge, true, FailAtrFull},
		{kv.CodeOther, false, FailOther},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.code, c.isWrite))
	}
}

func TestAsUnwrapsChain(t *testing.T) {
	base := Transient(errors.New("boom"))
	wrapped := errors.New("outer: " + base.Error())

	_, ok := As(wrapped)
	assert.False(t, ok, "a plain error should not be mistaken for an OperationFailed")

	of, ok := As(base)
	assert.True(t, ok)
	assert.Equal(t, FailTransient, of.Class)
	assert.True(t, of.Retry)
	assert.True(t, of.Rollback)

	chained, ok := As(fmt.Errorf("outer: %w", base))
	assert.True(t, ok, "As must find an OperationFailed through a wrapped chain")
	assert.Same(t, base, chained)
}

func TestWriteWriteConflictInvariant(t *testing.T) {
	of := WriteWriteConflict(errors.New("blocked"))
	assert.True(t, of.Retry)
	assert.True(t, of.Rollback, "retry implies rollback per the engine's invariant")
}

func TestFailedPostCommitNeverRollsBack(t *testing.T) {
	of := FailedPostCommit(FailHard, errors.New("boom"))
	assert.False(t, of.Retry)
	assert.False(t, of.Rollback)
	assert.Equal(t, FinalFailedPostCommit, of.Final)
}

func TestTerminalErrorsUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	tf := &TransactionFailed{Cause: cause, AttemptCount: 3}
	assert.ErrorIs(t, tf, cause)

	te := &TransactionExpired{Cause: cause, AttemptCount: 1}
	assert.ErrorIs(t, te, cause)

	tca := &TransactionCommitAmbiguous{Cause: cause, AttemptCount: 2}
	assert.ErrorIs(t, tca, cause)
}
