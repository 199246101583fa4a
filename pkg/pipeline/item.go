// Copyright 2025 Certen Protocol
//
// Buffer Item — the per-block state record with a four-state lifecycle
// (Ordered -> Executed -> Signed -> Aggregated) and transition functions.
// Each transition consumes an Item by value and returns a new Item by
// value; implementers must exhaustively switch on State() at every use
// site (see spec.md §9, "Tagged variants for item state").

package pipeline

import (
	"encoding/hex"
	"fmt"
)

// ItemState is the closed set of lifecycle states a buffer Item can be in.
type ItemState int

const (
	// StateOrdered is the initial state: blocks have been ordered by
	// consensus but not yet executed.
	StateOrdered ItemState = iota
	StateExecuted
	StateSigned
	StateAggregated
)

func (s ItemState) String() string {
	switch s {
	case StateOrdered:
		return "Ordered"
	case StateExecuted:
		return "Executed"
	case StateSigned:
		return "Signed"
	case StateAggregated:
		return "Aggregated"
	default:
		return fmt.Sprintf("ItemState(%d)", int(s))
	}
}

// ValidTransitions documents, for tests and readers, every legal
// (from, to) pair. The transition methods below enforce this directly;
// this table exists so a reviewer doesn't have to reconstruct it from the
// method bodies, mirroring the teacher's ProofLifecycleManager.ValidTransitions.
var ValidTransitions = []struct{ From, To ItemState }{
	{StateOrdered, StateExecuted},
	{StateExecuted, StateSigned},
	{StateSigned, StateAggregated},
	// A Sync event may replace any non-Aggregated state with Aggregated
	// directly (try_advance_to_aggregated_with_ledger_info), and
	// try_advance_to_aggregated_with_ledger_info is defined on Ordered
	// and Executed too, not just Signed.
	{StateOrdered, StateAggregated},
	{StateExecuted, StateAggregated},
}

// Item is the immutable per-block state record. It carries every field any
// state could need; which fields are populated is determined by State().
// Items are never mutated in place — every exported method here returns a
// new Item.
type Item struct {
	state ItemState

	// Present from StateOrdered onward.
	orderedBlocks []Block
	orderedProof  QuorumCert
	callback      CommitCallback

	// Present from StateExecuted onward.
	executedBlocks []Block

	// Present from StateSigned onward.
	localCommitVote CommitVote
	signatures      map[string][]byte // author -> signature, seeded at Signed

	// Present only at StateAggregated.
	aggregatedProof QuorumCert
}

// NewOrdered constructs a fresh Ordered item for a newly-ordered block
// batch. block_id is the id of the last block in orderedBlocks.
func NewOrdered(orderedBlocks []Block, orderedProof QuorumCert, callback CommitCallback) (Item, error) {
	if len(orderedBlocks) == 0 {
		return Item{}, fmt.Errorf("pipeline: NewOrdered requires at least one block")
	}
	cp := make([]Block, len(orderedBlocks))
	copy(cp, orderedBlocks)
	return Item{
		state:         StateOrdered,
		orderedBlocks: cp,
		orderedProof:  orderedProof,
		callback:      callback,
	}, nil
}

// State reports the item's current lifecycle state.
func (it Item) State() ItemState { return it.state }

// Blocks returns the item's original block list (present in every state).
func (it Item) Blocks() []Block { return it.orderedBlocks }

// BlockID is the id of the last block in the item's block list — the key
// every stage looks the item up by.
func (it Item) BlockID() BlockID {
	if len(it.orderedBlocks) == 0 {
		return BlockID{}
	}
	return it.orderedBlocks[len(it.orderedBlocks)-1].ID
}

// OrderedProof returns the QC on ordering carried since construction.
func (it Item) OrderedProof() QuorumCert { return it.orderedProof }

// Callback returns the commit callback carried since construction.
func (it Item) Callback() CommitCallback { return it.callback }

// ExecutedBlocks returns the executed block list. Valid for Executed and
// later states; returns nil otherwise.
func (it Item) ExecutedBlocks() []Block { return it.executedBlocks }

// LocalCommitVote returns the local commit vote. Valid for Signed and
// later states.
func (it Item) LocalCommitVote() CommitVote { return it.localCommitVote }

// AggregatedProof returns the threshold-signed ledger info. Valid only
// once Aggregated.
func (it Item) AggregatedProof() QuorumCert { return it.aggregatedProof }

// AdvanceToExecuted implements Ordered -> Executed (spec.md §4.1).
// Precondition: current state is Ordered.
func (it Item) AdvanceToExecuted(executedBlocks []Block) (Item, error) {
	if it.state != StateOrdered {
		return it, fmt.Errorf("%w: AdvanceToExecuted requires Ordered, got %s", ErrWrongState, it.state)
	}
	next := it
	cp := make([]Block, len(executedBlocks))
	copy(cp, executedBlocks)
	next.executedBlocks = cp
	next.state = StateExecuted
	return next, nil
}

// AdvanceToSigned implements Executed -> Signed (spec.md §4.1). It records
// commitLI, which the caller builds from the last executed block's
// BlockInfo combined with the ordered proof's consensus data hash, as the
// local commit vote's ledger-info, and seeds the signature map with
// {author -> signature}.
func (it Item) AdvanceToSigned(author string, signature []byte, commitLI LedgerInfo) (Item, error) {
	if it.state != StateExecuted {
		return it, fmt.Errorf("%w: AdvanceToSigned requires Executed, got %s", ErrWrongState, it.state)
	}
	next := it
	next.localCommitVote = CommitVote{
		Author:     author,
		LedgerInfo: commitLI,
		Signature:  signature,
	}
	next.signatures = map[string][]byte{author: signature}
	next.state = StateSigned
	return next, nil
}

// AddSignatureIfMatched implements the Signed-only signature insertion of
// spec.md §4.1. It does not change state. Duplicate authors overwrite
// (last-write-wins), which spec.md treats as acceptable under signature
// determinism.
func (it Item) AddSignatureIfMatched(blockInfo BlockInfo, author string, signature []byte, v Verifier) (Item, error) {
	if it.state != StateSigned {
		return it, fmt.Errorf("%w: AddSignatureIfMatched requires Signed, got %s", ErrWrongState, it.state)
	}
	if blockInfo != it.localCommitVote.LedgerInfo.CommitInfo {
		return it, ErrMismatchedLedgerInfo
	}
	if err := v.Verify(author, it.localCommitVote.LedgerInfo.CommitInfo.ID, signature); err != nil {
		return it, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	next := it
	sigs := make(map[string][]byte, len(it.signatures)+1)
	for a, s := range it.signatures {
		sigs[a] = s
	}
	sigs[author] = signature
	next.signatures = sigs
	return next, nil
}

// TryAdvanceToAggregated implements Signed -> Aggregated (spec.md §4.1):
// succeeds once the signature set meets the validator-set voting-power
// threshold. Idempotent: re-invocation on an already-Aggregated item
// returns it unchanged with ok=true.
func (it Item) TryAdvanceToAggregated(v Verifier) (result Item, ok bool) {
	if it.state == StateAggregated {
		return it, true
	}
	if it.state != StateSigned {
		return it, false
	}
	authors := make([]string, 0, len(it.signatures))
	for a := range it.signatures {
		authors = append(authors, a)
	}
	if err := v.CheckVotingPower(authors); err != nil {
		return it, false
	}
	next := it
	next.aggregatedProof = v.Aggregate(it.signatures, it.localCommitVote.LedgerInfo)
	next.state = StateAggregated
	return next, true
}

// TryAdvanceToAggregatedWithLedgerInfo implements the any-non-Aggregated ->
// Aggregated transition driven by an externally-obtained quorum ledger
// info (spec.md §4.1, §4.5). It verifies externalLI against v and checks
// externalLI.LedgerInfo.CommitInfo.ID == self.BlockID(); on any mismatch it
// returns the item unchanged with ok=false — never an error, per spec.md's
// "otherwise returns the item unchanged".
func (it Item) TryAdvanceToAggregatedWithLedgerInfo(externalLI QuorumCert, v Verifier) (result Item, ok bool) {
	if it.state == StateAggregated {
		return it, true
	}
	if externalLI.LedgerInfo.CommitInfo.ID != it.BlockID() {
		return it, false
	}
	if err := v.VerifyQuorumCert(externalLI); err != nil {
		return it, false
	}
	next := it
	next.aggregatedProof = externalLI
	next.state = StateAggregated
	return next, true
}

func hexBlockID(id BlockID) string {
	return hex.EncodeToString(id[:])
}
