// Copyright 2025 Certen Protocol
//
// Package verifier provides the pipeline.Verifier implementation backed by
// a live CometBFT validator set: voting-power quorum accounting via
// cmttypes.ValidatorSet and per-author signature checks via ed25519,
// grounded on the teacher's BFTValidator/RealCometBFTEngine wiring in
// pkg/consensus/bft_integration.go.
package verifier

import (
	"fmt"

	cmted25519 "github.com/cometbft/cometbft/crypto/ed25519"
	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/certen/bufferpipe/pkg/pipeline"
)

// CometVerifier implements pipeline.Verifier against a cmttypes.ValidatorSet
// whose validator addresses are keyed by the same author string the
// pipeline uses to key commit votes.
type CometVerifier struct {
	valSet  *cmttypes.ValidatorSet
	pubKeys map[string]cmted25519.PubKey // author -> public key
}

// New builds a CometVerifier from a set of known validators. authorKeys
// maps each validator's author string to its ed25519 public key; power
// maps the same author to its voting power (equal power for every author
// is fine — callers that don't care about weighted quorum can pass 1).
func New(authorKeys map[string]cmted25519.PubKey, power map[string]int64) (*CometVerifier, error) {
	if len(authorKeys) == 0 {
		return nil, fmt.Errorf("verifier: at least one validator is required")
	}
	vals := make([]*cmttypes.Validator, 0, len(authorKeys))
	for author, pk := range authorKeys {
		p, ok := power[author]
		if !ok || p <= 0 {
			p = 1
		}
		vals = append(vals, cmttypes.NewValidator(pk, p))
	}
	return &CometVerifier{
		valSet:  cmttypes.NewValidatorSet(vals),
		pubKeys: authorKeys,
	}, nil
}

// Verify checks a single author's ed25519 signature over digest.
func (v *CometVerifier) Verify(author string, digest pipeline.BlockID, sig []byte) error {
	pk, ok := v.pubKeys[author]
	if !ok {
		return fmt.Errorf("verifier: unknown author %q", author)
	}
	if !pk.VerifySignature(digest[:], sig) {
		return fmt.Errorf("verifier: signature verification failed for author %q", author)
	}
	return nil
}

// CheckVotingPower reports nil once authors collectively hold more than
// two-thirds of the validator set's total voting power, the standard BFT
// quorum threshold.
func (v *CometVerifier) CheckVotingPower(authors []string) error {
	var have int64
	seen := make(map[string]bool, len(authors))
	for _, a := range authors {
		if seen[a] {
			continue
		}
		seen[a] = true
		_, val := v.valSet.GetByAddress(addressOf(v.pubKeys[a]))
		if val == nil {
			continue
		}
		have += val.VotingPower
	}
	total := v.valSet.TotalVotingPower()
	if 3*have <= 2*total {
		return fmt.Errorf("verifier: %w: have %d/%d voting power", pipeline.ErrQuorumNotReached, have, total)
	}
	return nil
}

// Aggregate assembles a QuorumCert from the collected per-author
// signatures. Real BLS/threshold aggregation is out of scope (spec.md §1
// Non-goals); this models "aggregation" as the flat multi-signature map
// the consensus layer already verified member-by-member, matching the
// teacher's multi-sig style commit certificates.
func (v *CometVerifier) Aggregate(sigs map[string][]byte, li pipeline.LedgerInfo) pipeline.QuorumCert {
	cp := make(map[string][]byte, len(sigs))
	for a, s := range sigs {
		cp[a] = s
	}
	return pipeline.QuorumCert{LedgerInfo: li, Signatures: cp}
}

// VerifyQuorumCert re-verifies every signature in qc and checks the result
// meets quorum, used for externally-obtained certificates arriving via a
// state-sync response.
func (v *CometVerifier) VerifyQuorumCert(qc pipeline.QuorumCert) error {
	if len(qc.Signatures) == 0 {
		return fmt.Errorf("verifier: quorum certificate carries no signatures")
	}
	authors := make([]string, 0, len(qc.Signatures))
	for author, sig := range qc.Signatures {
		if err := v.Verify(author, qc.LedgerInfo.CommitInfo.ID, sig); err != nil {
			return err
		}
		authors = append(authors, author)
	}
	return v.CheckVotingPower(authors)
}

func addressOf(pk cmted25519.PubKey) []byte {
	return pk.Address()
}
