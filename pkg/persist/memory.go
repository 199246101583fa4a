// Copyright 2025 Certen Protocol
//
// Package persist provides reference pipeline.Persister implementations.
// MemoryPersister is for tests and local development; LevelDBPersister
// (leveldb.go) durably writes through cometbft-db, grounded on the
// teacher's pkg/kvdb.KVAdapter wrapping of dbm.DB.
package persist

import (
	"context"
	"sync"

	"github.com/certen/bufferpipe/pkg/pipeline"
)

// MemoryPersister accumulates committed prefixes in memory and invokes
// each request's callback synchronously, matching the in-process
// StateManager usage the teacher's tests exercise against fake
// collaborators.
type MemoryPersister struct {
	mu    sync.Mutex
	reqs  []pipeline.PersistRequest
}

// NewMemory constructs an empty MemoryPersister.
func NewMemory() *MemoryPersister {
	return &MemoryPersister{}
}

// Persist implements pipeline.Persister.
func (p *MemoryPersister) Persist(_ context.Context, req pipeline.PersistRequest) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	if req.Callback != nil {
		req.Callback(req.Blocks, req.CommitLedgerInfo)
	}
}

// Requests returns every persisted request observed so far, in order.
func (p *MemoryPersister) Requests() []pipeline.PersistRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pipeline.PersistRequest, len(p.reqs))
	copy(out, p.reqs)
	return out
}
