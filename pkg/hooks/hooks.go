/*
Package hooks implements the testing seam spec.md §4.4.1 and §9 describe:
a capability struct of named hook functions, called before/after each
attempt-context protocol step, that default to no-ops and let a test
harness force a particular backend error at a particular point without
threading raw function pointers through every constructor.

Hooks purely for testing purposes: production code should never set a
non-nil hook and should not rely on them being called in any particular
order beyond what the doc comment on each field states.
*/
package hooks

import "context"

// Stage names a point where before_X/after_X hooks of the original
// source mapped to a string constant; kept here as exported constants
// since a Go capability struct doesn't need a string->hook lookup, but
// HasExpiredClientSideOverride is keyed by these names.
type Stage string

const (
	StageGet                Stage = "get"
	StageInsert             Stage = "insert"
	StageReplace            Stage = "replace"
	StageRemove             Stage = "remove"
	StageBeforeCommit       Stage = "commit"
	StageRollback           Stage = "rollback"
	StageAbortGetATR        Stage = "abortGetAtr"
	StageRollbackDoc        Stage = "rollbackDoc"
	StageDeleteInserted     Stage = "deleteInserted"
	StageCreateStagedInsert Stage = "createdStagedInsert"
	StageRemoveDoc          Stage = "removeDoc"
	StageCommitDoc          Stage = "commitDoc"
	StageATRCommit          Stage = "atrCommit"
	StageATRAbort           Stage = "atrAbort"
	StageATRRollbackComplete Stage = "atrRollbackComplete"
	StageATRPending         Stage = "atrPending"
	StageATRComplete        Stage = "atrComplete"
)

// DocHook is called before/after a protocol step that concerns a single
// document, identified by its key. A non-nil return short-circuits the
// step with that error, which the caller classifies via pkg/txerr as it
// would any other backend failure.
type DocHook func(ctx context.Context, key string) error

// Hook is called before/after a protocol step with no specific document
// (ATR-level steps).
type Hook func(ctx context.Context) error

// Hooks is the full capability set an attempt context consults. The
// zero value is all no-ops.
type Hooks struct {
	BeforeATRCommit Hook
	AfterATRCommit  Hook

	BeforeDocCommitted                    DocHook
	BeforeRemovingDocDuringStagedInsert    DocHook
	BeforeRollbackDeleteInserted           DocHook
	AfterDocCommittedBeforeSavingCas       DocHook
	AfterDocCommitted                      DocHook
	BeforeStagedInsert                     DocHook
	BeforeStagedRemove                     DocHook
	BeforeStagedReplace                    DocHook
	BeforeDocRemoved                       DocHook
	BeforeDocRolledBack                    DocHook
	AfterDocRemovedPreRetry                DocHook
	AfterDocRemovedPostRetry               DocHook
	AfterGetComplete                       DocHook
	AfterStagedReplaceCompleteBeforeCasSaved DocHook
	AfterStagedReplaceComplete             DocHook
	AfterStagedRemoveComplete              DocHook
	AfterStagedInsertComplete              DocHook
	AfterRollbackReplaceOrRemove           DocHook
	AfterRollbackDeleteInserted            DocHook
	BeforeCheckATREntryForBlockingDoc      DocHook
	BeforeDocGet                           DocHook
	BeforeGetDocInExistsDuringStagedInsert DocHook

	AfterDocsCommitted   Hook
	AfterDocsRemoved     Hook
	AfterATRPending      Hook
	BeforeATRPending     Hook
	BeforeATRComplete    Hook
	BeforeATRRolledBack  Hook
	AfterATRComplete     Hook
	BeforeGetATRForAbort Hook
	BeforeATRAborted     Hook
	AfterATRAborted      Hook
	AfterATRRolledBack   Hook

	// RandomATRIDOverride, when non-empty, is returned instead of the
	// deterministic partition choice atr.ATRIDForKey would make, letting
	// a test force every attempt in a run onto the same ATR.
	RandomATRIDOverride func() string

	// HasExpiredClientSideOverride, when non-nil, replaces the normal
	// elapsed-time expiry check with a forced answer for a named stage,
	// the same knob the original source's has_expired_client_side_hook
	// exposes.
	HasExpiredClientSideOverride func(ctx context.Context, stage Stage, docKey string) bool
}

// call invokes a DocHook, treating a nil hook as a no-op.
func (h *Hooks) call(hook DocHook, ctx context.Context, key string) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, key)
}

// callHook invokes a Hook, treating a nil hook as a no-op.
func (h *Hooks) callHook(hook Hook, ctx context.Context) error {
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// Run is the single entry point pkg/attempt uses to invoke any DocHook
// field by value, so call sites read as h.Run(ctx, h.BeforeStagedInsert, key)
// without a nil check at every call site.
func (h *Hooks) Run(ctx context.Context, hook DocHook, key string) error {
	return h.call(hook, ctx, key)
}

// RunHook is Run's counterpart for ATR-level Hook fields.
func (h *Hooks) RunHook(ctx context.Context, hook Hook, key string) error {
	_ = key
	return h.callHook(hook, ctx)
}

// HasExpired evaluates the expiry override for a stage if one is set,
// reporting (forced, ok): ok is false when no override applies and the
// caller should fall back to its normal elapsed-time check.
func (h *Hooks) HasExpired(ctx context.Context, stage Stage, docKey string) (forced bool, ok bool) {
	if h.HasExpiredClientSideOverride == nil {
		return false, false
	}
	return h.HasExpiredClientSideOverride(ctx, stage, docKey), true
}
