// Copyright 2025 Certen Protocol
//
// Package pipeline implements the commit pipeline buffer manager: the state
// machine that drives ordered blocks through execution, signing, and
// persistence after a BFT ordering protocol has produced them.
package pipeline

import "context"

// BlockID identifies a block, or a commit ledger-info, by its digest.
// Execution semantics, Merkle computation, and wire serialization of the
// underlying block/ledger types are out of scope; this is the minimal
// digest shape the pipeline needs to key on.
type BlockID [32]byte

// Block is the minimal ordered-block shape the pipeline threads through its
// stages. Execution augments it with a state root; everything else about
// transaction content and state-machine semantics is out of scope.
type Block struct {
	ID        BlockID
	Round     uint64
	Epoch     uint64
	StateRoot BlockID // zero until executed
}

// BlockInfo is the minimal per-block metadata a LedgerInfo commits to.
type BlockInfo struct {
	Epoch         uint64
	Round         uint64
	ID            BlockID
	Version       uint64
	TimestampUsec uint64
}

// LedgerInfo binds (last-executed-block-info, ordered-proof consensus data
// hash) — the structure validators sign to form a commit certificate.
type LedgerInfo struct {
	CommitInfo         BlockInfo
	ConsensusDataHash  BlockID
}

// QuorumCert is a LedgerInfo plus the signatures backing it — used both for
// the ordered proof (QC on ordering) carried by an OrderedBlocksEvent and
// for the aggregated commit proof an Item carries once Aggregated.
type QuorumCert struct {
	LedgerInfo LedgerInfo
	Signatures map[string][]byte // author -> signature
}

// CommitVote is what a validator broadcasts after signing, and what peer
// commit votes carry when they arrive over the network.
type CommitVote struct {
	Author     string
	LedgerInfo LedgerInfo
	Signature  []byte
}

// CommitCallback is invoked once for the last item of a persisted
// Aggregated prefix; it closes over epoch-wide state (block tree, storage)
// per spec.md's callback-semantics design note.
type CommitCallback func(blocks []Block, proof QuorumCert)

// OrderedBlocksEvent is what arrives on the ordered-blocks inbound stream.
type OrderedBlocksEvent struct {
	OrderedBlocks []Block
	OrderedProof  QuorumCert
	Callback      CommitCallback
}

// SyncRequest is what arrives on the sync inbound stream. Reply is a
// one-shot ack channel; the Dispatcher acknowledges by closing it before
// returning to the select loop.
type SyncRequest struct {
	Reply    chan<- struct{}
	LedgerInfo QuorumCert // externally-obtained, already quorum-signed
	Reconfig bool
}

// VerifiedCommitVote is a peer commit vote, already verified by the
// upstream network layer before reaching the buffer manager.
type VerifiedCommitVote struct {
	CommitInfo BlockInfo
	Author     string
	Signature  []byte
}

// ExecutionRequest/ExecutionResponse model the execution channel.
type ExecutionRequest struct {
	OrderedBlocks []Block
}

type ExecutionResponse struct {
	ExecutedBlocks []Block
	Err            error
}

// SigningRequest/SigningResponse model the signing channel.
type SigningRequest struct {
	OrderedLedgerInfo QuorumCert
	CommitLedgerInfo  LedgerInfo
}

type SigningResponse struct {
	CommitLedgerInfo LedgerInfo
	Signature        []byte
	Err              error
}

// PersistRequest is the one-way request to the persistence collaborator.
type PersistRequest struct {
	Blocks           []Block
	CommitLedgerInfo QuorumCert
	Callback         CommitCallback
}

// ExecutionClient runs ordered blocks against the state machine.
type ExecutionClient interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResponse, error)
}

// SigningClient produces a local commit vote signature over a commit
// ledger-info.
type SigningClient interface {
	Sign(ctx context.Context, req SigningRequest) (SigningResponse, error)
}

// Persister durably writes an aggregated, persistable prefix. No response
// is expected.
type Persister interface {
	Persist(ctx context.Context, req PersistRequest)
}

// Broadcaster emits commit-vote messages to peers.
type Broadcaster interface {
	BroadcastCommitVote(ctx context.Context, vote CommitVote) error
}

// Verifier is the validator-set verification surface the Signature
// Aggregator (§4.4) delegates to.
type Verifier interface {
	// Verify checks a single author's signature over digest.
	Verify(author string, digest BlockID, sig []byte) error
	// CheckVotingPower reports whether authors collectively meet the
	// validator-set voting-power quorum threshold.
	CheckVotingPower(authors []string) error
	// Aggregate assembles a threshold-signed QuorumCert from the
	// collected per-author signatures.
	Aggregate(sigs map[string][]byte, li LedgerInfo) QuorumCert
	// VerifyQuorumCert verifies an externally-obtained quorum certificate
	// (used by the Sync handler in §4.5).
	VerifyQuorumCert(qc QuorumCert) error
}
