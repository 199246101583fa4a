// Copyright 2025 Certen Protocol

package verifier

import (
	"testing"

	cmted25519 "github.com/cometbft/cometbft/crypto/ed25519"

	"github.com/certen/bufferpipe/pkg/pipeline"
)

func threeValidators(t *testing.T) (map[string]cmted25519.PubKey, map[string]cmted25519.PrivKey) {
	t.Helper()
	pubs := make(map[string]cmted25519.PubKey, 3)
	privs := make(map[string]cmted25519.PrivKey, 3)
	for _, name := range []string{"alice", "bob", "carol"} {
		pk := cmted25519.GenPrivKey()
		privs[name] = pk
		pubs[name] = pk.PubKey().(cmted25519.PubKey)
	}
	return pubs, privs
}

func TestCometVerifier_VerifyAcceptsRealSignature(t *testing.T) {
	pubs, privs := threeValidators(t)
	v, err := New(pubs, map[string]int64{"alice": 1, "bob": 1, "carol": 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var digest pipeline.BlockID
	digest[0] = 42
	sig, err := privs["alice"].Sign(digest[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := v.Verify("alice", digest, sig); err != nil {
		t.Fatalf("expected a valid signature to verify, got %v", err)
	}
}

func TestCometVerifier_VerifyRejectsWrongSigner(t *testing.T) {
	pubs, privs := threeValidators(t)
	v, err := New(pubs, map[string]int64{"alice": 1, "bob": 1, "carol": 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var digest pipeline.BlockID
	digest[0] = 7
	sig, err := privs["bob"].Sign(digest[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := v.Verify("alice", digest, sig); err == nil {
		t.Fatal("expected bob's signature to fail verification under alice's key")
	}
}

func TestCometVerifier_VerifyRejectsUnknownAuthor(t *testing.T) {
	pubs, _ := threeValidators(t)
	v, err := New(pubs, map[string]int64{"alice": 1, "bob": 1, "carol": 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.Verify("mallory", pipeline.BlockID{}, []byte("sig")); err == nil {
		t.Fatal("expected an error for an unknown author")
	}
}

func TestCometVerifier_CheckVotingPower_RequiresSuperMajority(t *testing.T) {
	pubs, _ := threeValidators(t)
	v, err := New(pubs, map[string]int64{"alice": 1, "bob": 1, "carol": 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := v.CheckVotingPower([]string{"alice"}); err == nil {
		t.Fatal("expected 1/3 voting power to fall short of quorum")
	}
	if err := v.CheckVotingPower([]string{"alice", "bob"}); err == nil {
		t.Fatal("expected exactly 2/3 voting power to fall short of a more-than-2/3 quorum")
	}
	if err := v.CheckVotingPower([]string{"alice", "bob", "carol"}); err != nil {
		t.Fatalf("expected 3/3 voting power to meet quorum, got %v", err)
	}
}

func TestCometVerifier_CheckVotingPower_DedupesRepeatedAuthor(t *testing.T) {
	pubs, _ := threeValidators(t)
	v, err := New(pubs, map[string]int64{"alice": 1, "bob": 1, "carol": 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Counting alice twice must not count as 2/3 distinct voting power.
	if err := v.CheckVotingPower([]string{"alice", "alice"}); err == nil {
		t.Fatal("expected a repeated author to not satisfy quorum alone")
	}
}

func TestCometVerifier_VerifyQuorumCert(t *testing.T) {
	pubs, privs := threeValidators(t)
	v, err := New(pubs, map[string]int64{"alice": 1, "bob": 1, "carol": 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	li := pipeline.LedgerInfo{CommitInfo: pipeline.BlockInfo{ID: pipeline.BlockID{9}}}
	sigs := make(map[string][]byte)
	for _, author := range []string{"alice", "bob", "carol"} {
		sig, err := privs[author].Sign(li.CommitInfo.ID[:])
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		sigs[author] = sig
	}
	qc := pipeline.QuorumCert{LedgerInfo: li, Signatures: sigs}

	if err := v.VerifyQuorumCert(qc); err != nil {
		t.Fatalf("expected a 3/3 quorum cert to verify, got %v", err)
	}
}

func TestCometVerifier_VerifyQuorumCert_RejectsInsufficientSignatures(t *testing.T) {
	pubs, privs := threeValidators(t)
	v, err := New(pubs, map[string]int64{"alice": 1, "bob": 1, "carol": 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	li := pipeline.LedgerInfo{CommitInfo: pipeline.BlockInfo{ID: pipeline.BlockID{9}}}
	sig, err := privs["alice"].Sign(li.CommitInfo.ID[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	qc := pipeline.QuorumCert{LedgerInfo: li, Signatures: map[string][]byte{"alice": sig}}

	if err := v.VerifyQuorumCert(qc); err == nil {
		t.Fatal("expected a 1/3 quorum cert to be rejected")
	}
}
