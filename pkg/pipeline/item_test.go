// Copyright 2025 Certen Protocol

package pipeline

import "testing"

func mustOrdered(t *testing.T, id byte) Item {
	t.Helper()
	var bid BlockID
	bid[0] = id
	it, err := NewOrdered([]Block{{ID: bid, Round: uint64(id)}}, QuorumCert{}, nil)
	if err != nil {
		t.Fatalf("NewOrdered: %v", err)
	}
	return it
}

func TestItem_LifecycleHappyPath(t *testing.T) {
	it := mustOrdered(t, 1)
	if it.State() != StateOrdered {
		t.Fatalf("expected Ordered, got %s", it.State())
	}

	executed, err := it.AdvanceToExecuted(it.Blocks())
	if err != nil {
		t.Fatalf("AdvanceToExecuted: %v", err)
	}
	if executed.State() != StateExecuted {
		t.Fatalf("expected Executed, got %s", executed.State())
	}

	commitLI := LedgerInfo{CommitInfo: BlockInfo{ID: it.BlockID(), Round: 1}}
	signed, err := executed.AdvanceToSigned("alice", []byte("sig-alice"), commitLI)
	if err != nil {
		t.Fatalf("AdvanceToSigned: %v", err)
	}
	if signed.State() != StateSigned {
		t.Fatalf("expected Signed, got %s", signed.State())
	}

	v := &stubVerifier{quorum: 2}
	withVote, err := signed.AddSignatureIfMatched(commitLI.CommitInfo, "bob", []byte("sig-bob"), v)
	if err != nil {
		t.Fatalf("AddSignatureIfMatched: %v", err)
	}

	aggregated, ok := withVote.TryAdvanceToAggregated(v)
	if !ok {
		t.Fatalf("expected aggregation to succeed once quorum reached")
	}
	if aggregated.State() != StateAggregated {
		t.Fatalf("expected Aggregated, got %s", aggregated.State())
	}
	if len(aggregated.AggregatedProof().Signatures) != 2 {
		t.Fatalf("expected 2 signatures in aggregated proof, got %d", len(aggregated.AggregatedProof().Signatures))
	}
}

func TestItem_AdvanceToExecuted_WrongStateRejected(t *testing.T) {
	it := mustOrdered(t, 1)
	executed, err := it.AdvanceToExecuted(it.Blocks())
	if err != nil {
		t.Fatalf("AdvanceToExecuted: %v", err)
	}
	if _, err := executed.AdvanceToExecuted(executed.Blocks()); err == nil {
		t.Fatal("expected error re-advancing an already-Executed item")
	}
}

func TestItem_AddSignatureIfMatched_RejectsMismatchedLedgerInfo(t *testing.T) {
	it := mustOrdered(t, 1)
	executed, _ := it.AdvanceToExecuted(it.Blocks())
	commitLI := LedgerInfo{CommitInfo: BlockInfo{ID: it.BlockID()}}
	signed, _ := executed.AdvanceToSigned("alice", []byte("sig-alice"), commitLI)

	wrongInfo := BlockInfo{ID: it.BlockID(), Round: 99}
	if _, err := signed.AddSignatureIfMatched(wrongInfo, "bob", []byte("sig-bob"), &stubVerifier{quorum: 1}); err == nil {
		t.Fatal("expected ErrMismatchedLedgerInfo")
	}
}

func TestItem_AddSignatureIfMatched_RejectsInvalidSignature(t *testing.T) {
	it := mustOrdered(t, 1)
	executed, _ := it.AdvanceToExecuted(it.Blocks())
	commitLI := LedgerInfo{CommitInfo: BlockInfo{ID: it.BlockID()}}
	signed, _ := executed.AdvanceToSigned("alice", []byte("sig-alice"), commitLI)

	v := &stubVerifier{quorum: 1, rejectAuthor: "bob"}
	if _, err := signed.AddSignatureIfMatched(commitLI.CommitInfo, "bob", []byte("sig-bob"), v); err == nil {
		t.Fatal("expected ErrInvalidSignature")
	}
}

func TestItem_TryAdvanceToAggregated_IdempotentOnceAggregated(t *testing.T) {
	it := mustOrdered(t, 1)
	executed, _ := it.AdvanceToExecuted(it.Blocks())
	commitLI := LedgerInfo{CommitInfo: BlockInfo{ID: it.BlockID()}}
	signed, _ := executed.AdvanceToSigned("alice", []byte("sig-alice"), commitLI)

	v := &stubVerifier{quorum: 1}
	aggregated, ok := signed.TryAdvanceToAggregated(v)
	if !ok {
		t.Fatal("expected first aggregation to succeed")
	}
	again, ok := aggregated.TryAdvanceToAggregated(v)
	if !ok {
		t.Fatal("expected re-invocation on an Aggregated item to be a no-op success")
	}
	if again.State() != StateAggregated {
		t.Fatalf("expected Aggregated, got %s", again.State())
	}
}

func TestItem_TryAdvanceToAggregatedWithLedgerInfo_RequiresMatchingBlockID(t *testing.T) {
	it := mustOrdered(t, 1)
	var otherID BlockID
	otherID[0] = 2
	externalLI := QuorumCert{LedgerInfo: LedgerInfo{CommitInfo: BlockInfo{ID: otherID}}}

	_, ok := it.TryAdvanceToAggregatedWithLedgerInfo(externalLI, &stubVerifier{quorum: 1})
	if ok {
		t.Fatal("expected sync aggregation to fail for mismatched block id")
	}
}

func TestItem_TryAdvanceToAggregatedWithLedgerInfo_SkipsIntermediateStates(t *testing.T) {
	it := mustOrdered(t, 1) // still Ordered, never executed or signed
	externalLI := QuorumCert{
		LedgerInfo: LedgerInfo{CommitInfo: BlockInfo{ID: it.BlockID()}},
		Signatures: map[string][]byte{"alice": []byte("sig")},
	}
	aggregated, ok := it.TryAdvanceToAggregatedWithLedgerInfo(externalLI, &stubVerifier{quorum: 1})
	if !ok {
		t.Fatal("expected a sync to aggregate directly from Ordered")
	}
	if aggregated.State() != StateAggregated {
		t.Fatalf("expected Aggregated, got %s", aggregated.State())
	}
}

// stubVerifier is a minimal Verifier for item-level tests that don't need
// real cryptography; see internal/testsupport for the dispatcher-level
// equivalent.
type stubVerifier struct {
	quorum       int
	rejectAuthor string
}

func (v *stubVerifier) Verify(author string, digest BlockID, sig []byte) error {
	if author == v.rejectAuthor {
		return ErrInvalidSignature
	}
	return nil
}

func (v *stubVerifier) CheckVotingPower(authors []string) error {
	if len(authors) < v.quorum {
		return ErrQuorumNotReached
	}
	return nil
}

func (v *stubVerifier) Aggregate(sigs map[string][]byte, li LedgerInfo) QuorumCert {
	cp := make(map[string][]byte, len(sigs))
	for a, s := range sigs {
		cp[a] = s
	}
	return QuorumCert{LedgerInfo: li, Signatures: cp}
}

func (v *stubVerifier) VerifyQuorumCert(qc QuorumCert) error {
	if len(qc.Signatures) < v.quorum {
		return ErrQuorumNotReached
	}
	return nil
}
