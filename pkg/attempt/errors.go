package attempt

import (
	"errors"

	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/txerr"
)

// classifyKVErr unwraps a *kv.Error (if that's what err is) and
// classifies it via pkg/txerr, returning the unwrapped error for use as
// an OperationFailed's Cause. Any other error classifies as FAIL_OTHER —
// the backend is expected to always return *kv.Error, but the engine
// must not panic if a test double returns a bare error.
func classifyKVErr(err error, isWrite bool) (error, txerr.ErrorClass) {
	if err == nil {
		return nil, ""
	}
	var kerr *kv.Error
	if errors.As(err, &kerr) {
		return kerr, txerr.Classify(kerr.Code, isWrite)
	}
	return err, txerr.FailOther
}
