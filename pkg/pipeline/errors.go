// Copyright 2025 Certen Protocol
//
// Package pipeline provides sentinel errors for buffer manager operations.
// F.4-style remediation: explicit errors instead of nil, nil returns or
// panics for conditions a caller can reasonably branch on.

package pipeline

import "errors"

// Sentinel errors for item state transitions.
var (
	// ErrWrongState is returned when a transition is attempted from a
	// state that does not permit it. The Dispatcher logs it and leaves the
	// item as it was.
	ErrWrongState = errors.New("pipeline: item is not in the required state for this transition")

	// ErrMismatchedLedgerInfo is returned by AddSignatureIfMatched when
	// the peer's block_info does not equal the local commit ledger-info's
	// block_info.
	ErrMismatchedLedgerInfo = errors.New("pipeline: vote block_info does not match local commit ledger-info")

	// ErrInvalidSignature is returned by AddSignatureIfMatched when the
	// peer signature fails verification.
	ErrInvalidSignature = errors.New("pipeline: signature verification failed")

	// ErrQuorumNotReached is returned by Verifier.CheckVotingPower
	// implementations when the authors fall short of quorum.
	// TryAdvanceToAggregated reports that case as ok=false, not as an error.
	ErrQuorumNotReached = errors.New("pipeline: voting-power quorum not yet reached")

	// ErrCommitInfoMismatch names the case of an externally-supplied
	// ledger-info whose commit_info.id does not match the item's block_id.
	// TryAdvanceToAggregatedWithLedgerInfo reports that case as ok=false and
	// does not return this error.
	ErrCommitInfoMismatch = errors.New("pipeline: ledger-info commit_info.id does not match item block_id")
)

// Sentinel errors for the Ordered Buffer.
var (
	// ErrStaleCursor is returned when a Cursor refers to a slot that has
	// been popped (and possibly reallocated) since the cursor was taken.
	ErrStaleCursor = errors.New("pipeline: cursor refers to a popped or reallocated slot")

	// ErrSlotEmpty is returned by Get/Take when the addressed slot has
	// been Take()n and not yet Set() back.
	ErrSlotEmpty = errors.New("pipeline: slot is empty (taken but not set)")
)

// Sentinel errors for the Dispatcher. These represent invariant violations
// per spec.md §7 and are fatal: Run returns them and stops the loop.
var (
	// ErrPrefixNotAggregated is returned by advanceHead if an
	// intermediate popped item is not Aggregated — a correctness bug,
	// since advanceHead is only invoked when the head itself is
	// Aggregated and aggregation only completes in prefix order... except
	// when it doesn't, which is exactly the bug this guards against.
	ErrPrefixNotAggregated = errors.New("pipeline: popped prefix item is not Aggregated")

	// ErrAggregatedCursorNotAggregated is an invariant check: advanceHead
	// must only be called when the buffer head is an Aggregated item.
	ErrAggregatedCursorNotAggregated = errors.New("pipeline: advanceHead invoked on a non-Aggregated cursor")
)

// ExecutionFailureError wraps an execution-phase failure. Per the REDESIGN
// FLAG in spec.md §9, execution failure is recoverable: the Dispatcher
// drops the failed item and its successors rather than terminating, and
// logs the response's error directly without wrapping it in this type.
type ExecutionFailureError struct {
	BlockID BlockID
	Err     error
}

func (e *ExecutionFailureError) Error() string {
	return "pipeline: execution failed for block " + hexBlockID(e.BlockID) + ": " + e.Err.Error()
}

func (e *ExecutionFailureError) Unwrap() error { return e.Err }
