// Copyright 2025 Certen Protocol
//
// Package testsupport provides fake collaborators for exercising the
// pipeline Dispatcher without real execution, signing, storage, or
// network layers — grounded on the channel-driven fakes the teacher's
// consensus tests use and on the ygrebnov-workers result/error channel
// pattern.
package testsupport

import (
	"context"
	"sync"

	"github.com/certen/bufferpipe/pkg/pipeline"
)

// FakeExecutor answers every ExecutionRequest by copying OrderedBlocks
// into ExecutedBlocks and stamping a deterministic StateRoot derived from
// the block id, unless ForceErr is set for that block id.
type FakeExecutor struct {
	mu       sync.Mutex
	ForceErr map[pipeline.BlockID]error
	Replies  chan<- pipeline.ExecutionResponse
}

func NewFakeExecutor(replies chan<- pipeline.ExecutionResponse) *FakeExecutor {
	return &FakeExecutor{ForceErr: make(map[pipeline.BlockID]error), Replies: replies}
}

func (f *FakeExecutor) Execute(ctx context.Context, req pipeline.ExecutionRequest) (pipeline.ExecutionResponse, error) {
	f.mu.Lock()
	var forcedErr error
	if len(req.OrderedBlocks) > 0 {
		forcedErr = f.ForceErr[req.OrderedBlocks[len(req.OrderedBlocks)-1].ID]
	}
	f.mu.Unlock()

	resp := pipeline.ExecutionResponse{Err: forcedErr}
	if forcedErr == nil {
		executed := make([]pipeline.Block, len(req.OrderedBlocks))
		for i, b := range req.OrderedBlocks {
			b.StateRoot = b.ID
			executed[i] = b
		}
		resp.ExecutedBlocks = executed
	}

	go func() {
		select {
		case f.Replies <- resp:
		case <-ctx.Done():
		}
	}()
	return pipeline.ExecutionResponse{}, nil
}

// FakeSigner answers every SigningRequest with a deterministic signature
// derived from the commit ledger-info's block id, unless ForceErr is set.
type FakeSigner struct {
	mu       sync.Mutex
	Author   string
	ForceErr map[pipeline.BlockID]error
	Replies  chan<- pipeline.SigningResponse
}

func NewFakeSigner(author string, replies chan<- pipeline.SigningResponse) *FakeSigner {
	return &FakeSigner{Author: author, ForceErr: make(map[pipeline.BlockID]error), Replies: replies}
}

func (f *FakeSigner) Sign(ctx context.Context, req pipeline.SigningRequest) (pipeline.SigningResponse, error) {
	f.mu.Lock()
	forcedErr := f.ForceErr[req.CommitLedgerInfo.CommitInfo.ID]
	f.mu.Unlock()

	resp := pipeline.SigningResponse{CommitLedgerInfo: req.CommitLedgerInfo, Err: forcedErr}
	if forcedErr == nil {
		resp.Signature = deterministicSignature(f.Author, req.CommitLedgerInfo.CommitInfo.ID)
	}

	go func() {
		select {
		case f.Replies <- resp:
		case <-ctx.Done():
		}
	}()
	return pipeline.SigningResponse{}, nil
}

// deterministicSignature derives a fake signature byte slice from an
// author and digest, stable across calls so tests can assert on it. Only
// FakeVerifier accepts it; no real cryptography is involved.
func deterministicSignature(author string, digest pipeline.BlockID) []byte {
	out := make([]byte, 8+len(author))
	copy(out, digest[:8])
	copy(out[8:], author)
	return out
}

// FakeVerifier implements pipeline.Verifier without real cryptography:
// Verify accepts exactly the signatures deterministicSignature produces,
// CheckVotingPower requires at least Quorum distinct authors, Aggregate
// is a pass-through, and VerifyQuorumCert applies Verify to every
// signature and then CheckVotingPower to their authors. Use this in tests that
// want to exercise buffer/dispatcher logic without pulling in CometBFT.
type FakeVerifier struct {
	Quorum int
}

func (v *FakeVerifier) Verify(author string, digest pipeline.BlockID, sig []byte) error {
	want := deterministicSignature(author, digest)
	if string(want) != string(sig) {
		return pipeline.ErrInvalidSignature
	}
	return nil
}

func (v *FakeVerifier) CheckVotingPower(authors []string) error {
	seen := make(map[string]struct{}, len(authors))
	for _, a := range authors {
		seen[a] = struct{}{}
	}
	if len(seen) < v.Quorum {
		return pipeline.ErrQuorumNotReached
	}
	return nil
}

func (v *FakeVerifier) Aggregate(sigs map[string][]byte, li pipeline.LedgerInfo) pipeline.QuorumCert {
	cp := make(map[string][]byte, len(sigs))
	for a, s := range sigs {
		cp[a] = s
	}
	return pipeline.QuorumCert{LedgerInfo: li, Signatures: cp}
}

func (v *FakeVerifier) VerifyQuorumCert(qc pipeline.QuorumCert) error {
	authors := make([]string, 0, len(qc.Signatures))
	for a, sig := range qc.Signatures {
		if err := v.Verify(a, qc.LedgerInfo.CommitInfo.ID, sig); err != nil {
			return err
		}
		authors = append(authors, a)
	}
	return v.CheckVotingPower(authors)
}

// FakeBroadcaster records every broadcast commit vote for test assertions.
type FakeBroadcaster struct {
	mu    sync.Mutex
	votes []pipeline.CommitVote
	Err   error
}

func (b *FakeBroadcaster) BroadcastCommitVote(_ context.Context, vote pipeline.CommitVote) error {
	if b.Err != nil {
		return b.Err
	}
	b.mu.Lock()
	b.votes = append(b.votes, vote)
	b.mu.Unlock()
	return nil
}

func (b *FakeBroadcaster) Votes() []pipeline.CommitVote {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pipeline.CommitVote, len(b.votes))
	copy(out, b.votes)
	return out
}

func (b *FakeBroadcaster) CountFor(id pipeline.BlockID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, v := range b.votes {
		if v.LedgerInfo.CommitInfo.ID == id {
			n++
		}
	}
	return n
}
