// Copyright 2025 Certen Protocol
//
// Dispatcher is the buffer manager's event loop: a single goroutine that
// multiplexes five inbound channels plus a periodic retry timer over
// one select, so that the Ordered Buffer, Cursor Set, and every Item
// transition are touched by exactly one goroutine and need no locking.
// Grounded on the teacher's health_monitor.go run-loop shape, generalized
// to the buffer manager's richer event set, and on the upstream
// buffer_manager.rs start() tokio::select! loop for exact handler
// semantics.

package pipeline

import (
	"context"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/certen/bufferpipe/pkg/metrics"
)

// Config tunes the Dispatcher's runtime behavior.
type Config struct {
	// RetryInterval is how often retryBroadcast fires. Zero selects a
	// 1-second default.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	return c
}

// Dependencies bundles the Dispatcher's five inbound channels and its
// collaborators. All channels are owned by the caller; the Dispatcher only
// ever receives from the inbound ones and sends to the outbound ones.
type Dependencies struct {
	OrderedBlocks <-chan OrderedBlocksEvent
	Sync          <-chan SyncRequest
	ExecResponses <-chan ExecutionResponse
	SignResponses <-chan SigningResponse
	Votes         <-chan VerifiedCommitVote

	Execution  ExecutionClient
	Signing    SigningClient
	Persist    Persister
	Broadcast  Broadcaster
	Verify     Verifier

	Author  string
	Logger  cmtlog.Logger
	Metrics *metrics.Metrics // optional; a nil *Metrics is safe to use
}

// Dispatcher drives the commit pipeline. It owns the Ordered Buffer and the
// Cursor Set and is not safe for concurrent use — Run must only ever be
// called once, from one goroutine.
type Dispatcher struct {
	cfg  Config
	deps Dependencies

	buf Buffer

	// Cursor Set (spec.md §4.3): two cursors into buf, each marking the
	// boundary between "done through here" and "not yet" for one stage.
	// A zero Cursor with ok=false means "at head" / "buffer not yet
	// populated at this cursor".
	executionCursor Cursor
	executionCurOK  bool
	signingCursor   Cursor
	signingCurOK    bool

	// signedAt tracks when each in-flight item reached Signed, purely for
	// the aggregation-latency metric; it is pruned as items leave Signed.
	signedAt map[BlockID]time.Time
}

// NewDispatcher constructs a Dispatcher ready to Run.
func NewDispatcher(cfg Config, deps Dependencies) *Dispatcher {
	return &Dispatcher{cfg: cfg.withDefaults(), deps: deps}
}

// Run executes the event loop until ctx is canceled, a reconfig sync ends
// the epoch, an inbound channel is closed, or a fatal invariant violation
// occurs. A nil return means one of the first three happened; any non-nil
// return is one of the Dispatcher sentinel errors in errors.go and means
// the loop stopped because buffer state it relies on was violated.
func (d *Dispatcher) Run(ctx context.Context) error {
	retry := time.NewTicker(d.cfg.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-d.deps.OrderedBlocks:
			if !ok {
				return nil
			}
			if err := d.onOrdered(ctx, ev); err != nil {
				return err
			}

		case req, ok := <-d.deps.Sync:
			if !ok {
				return nil
			}
			if err := d.onSync(ctx, req); err != nil {
				return err
			}
			if req.Reconfig {
				return nil
			}

		case resp, ok := <-d.deps.ExecResponses:
			if !ok {
				return nil
			}
			if err := d.onExecResp(ctx, resp); err != nil {
				return err
			}

		case resp, ok := <-d.deps.SignResponses:
			if !ok {
				return nil
			}
			if err := d.onSignResp(ctx, resp); err != nil {
				return err
			}

		case vote, ok := <-d.deps.Votes:
			if !ok {
				return nil
			}
			if err := d.onVote(ctx, vote); err != nil {
				return err
			}

		case <-retry.C:
			if err := d.retryBroadcast(ctx); err != nil {
				return err
			}
		}
	}
}

// onOrdered appends a newly-ordered block batch to the tail of the buffer
// and immediately attempts to advance the execution cursor, since a newly
// pushed item may be the only thing blocking it.
func (d *Dispatcher) onOrdered(ctx context.Context, ev OrderedBlocksEvent) error {
	item, err := NewOrdered(ev.OrderedBlocks, ev.OrderedProof, ev.Callback)
	if err != nil {
		d.deps.Logger.Error("discarding malformed ordered-blocks event", "err", err)
		return nil
	}
	d.buf.PushBack(item)
	d.deps.Metrics.SetBufferDepth(d.buf.Len())
	if d.executionCurOK {
		// An execution is already in flight; the cursor advances again only
		// when its response arrives.
		return nil
	}
	return d.advanceExecutionCursor(ctx)
}

// onExecResp locates the item the execution cursor points at and advances
// it to Executed, or — per the REDESIGN FLAG in spec.md §9 — drops it and
// every successor so the whole prefix awaits a sync, since an unexecuted
// gap makes downstream causal dependencies unsatisfiable.
func (d *Dispatcher) onExecResp(ctx context.Context, resp ExecutionResponse) error {
	if !d.executionCurOK {
		return nil
	}
	it, err := d.buf.Get(d.executionCursor)
	if err != nil {
		// Cursor went stale (e.g. a sync reset it concurrently via this
		// same goroutine's prior iteration); nothing to do.
		d.executionCurOK = false
		return nil
	}

	if resp.Err != nil {
		d.deps.Logger.Error("execution failed, dropping item and successors pending sync",
			"block_id", hexBlockID(it.BlockID()), "err", resp.Err)
		d.dropFrom(d.executionCursor)
		d.executionCurOK = false
		// A signing request may already be in flight for an earlier,
		// still-valid item (signing only ever targets something before the
		// execution cursor); only drop that cursor too if its slot was
		// actually part of the truncated suffix, or its eventual response
		// would be silently discarded by onSignResp's signingCurOK guard.
		if d.signingCurOK && !d.buf.valid(d.signingCursor) {
			d.signingCurOK = false
		}
		d.deps.Metrics.SetBufferDepth(d.buf.Len())
		return nil
	}

	next, err := it.AdvanceToExecuted(resp.ExecutedBlocks)
	if err != nil {
		d.deps.Logger.Error("unexpected state advancing to executed", "err", err)
		return nil
	}
	if err := d.buf.Set(d.executionCursor, next); err != nil {
		return err
	}

	if err := d.advanceExecutionCursor(ctx); err != nil {
		return err
	}
	if d.signingCurOK {
		// A signing request is already in flight; it will pull the next
		// item forward itself once onSignResp observes its response.
		return nil
	}
	return d.advanceSigningCursor(ctx)
}

// dropFrom removes every item from cursor (inclusive) to the tail, leaving
// any head prefix before cursor intact. Used when execution failure
// invalidates a whole causal suffix — predecessors may still be valid and
// aggregatable, but everything from the failed item onward causally
// depends on its unknown state root.
func (d *Dispatcher) dropFrom(cursor Cursor) {
	if err := d.buf.TruncateFrom(cursor); err != nil {
		d.deps.Logger.Error("dropFrom: cursor already stale", "err", err)
	}
}

// advanceExecutionCursor dispatches at most one ExecutionRequest: for the
// first still-Ordered item after the execution cursor. Only one
// execution is ever in flight at a time. find_elem-style: it scans forward
// from just past the current cursor for the first still-Ordered item,
// mirroring the original's advance_execution_root turning the root into
// None when nothing matches. That None/ok=false state is what lets
// onOrdered's "is something already in flight?" guard tell a genuinely
// stalled cursor apart from a busy one — leaving executionCurOK stuck true
// after the scan comes up empty would permanently stop execution from
// ever being kicked off again. The cursor only moves again once onExecResp
// observes the matching ExecutionResponse, at which point it calls this
// again for the next item.
func (d *Dispatcher) advanceExecutionCursor(ctx context.Context) error {
	start, startOK := d.nextCursorAfter(d.executionCursor, d.executionCurOK)
	if !startOK {
		d.executionCurOK = false
		return nil
	}
	cursor, found := d.buf.Find(start, true, func(it Item) bool {
		return it.State() == StateOrdered
	})
	if !found {
		d.executionCurOK = false
		return nil
	}
	it, err := d.buf.Get(cursor)
	if err != nil {
		d.executionCurOK = false
		return nil
	}
	d.executionCursor = cursor
	d.executionCurOK = true

	if _, err := d.deps.Execution.Execute(ctx, ExecutionRequest{OrderedBlocks: it.Blocks()}); err != nil {
		d.deps.Logger.Error("execution request failed", "err", err)
	}
	return nil
}

// advanceSigningCursor dispatches at most one SigningRequest: for the first
// still-Executed item after the signing cursor, scanning forward the same
// find_elem way advanceExecutionCursor does (and for the same reason:
// signingCurOK must become false when the scan finds nothing, or a fully
// drained buffer leaves signing permanently stalled). Only one signing is
// ever in flight at a time — the cursor only moves again once onSignResp
// observes the matching SigningResponse, at which point it calls this
// again for the next item.
func (d *Dispatcher) advanceSigningCursor(ctx context.Context) error {
	start, startOK := d.nextCursorAfter(d.signingCursor, d.signingCurOK)
	if !startOK {
		d.signingCurOK = false
		return nil
	}
	cursor, found := d.buf.Find(start, true, func(it Item) bool {
		return it.State() == StateExecuted
	})
	if !found {
		d.signingCurOK = false
		return nil
	}
	it, err := d.buf.Get(cursor)
	if err != nil {
		d.signingCurOK = false
		return nil
	}
	d.signingCursor = cursor
	d.signingCurOK = true

	commitLI := LedgerInfo{
		CommitInfo:        blockInfoOf(it),
		ConsensusDataHash: it.OrderedProof().LedgerInfo.ConsensusDataHash,
	}
	if _, err := d.deps.Signing.Sign(ctx, SigningRequest{
		OrderedLedgerInfo: it.OrderedProof(),
		CommitLedgerInfo:  commitLI,
	}); err != nil {
		d.deps.Logger.Error("signing request failed", "err", err)
	}
	return nil
}

// onSignResp applies a local signing result for the item the signing cursor
// currently points at. On success it advances the item to Signed and
// broadcasts the local commit vote to peers. On failure it only logs —
// there is no retry of this specific item from here. advanceSigningCursor
// below always moves the cursor past it regardless of outcome, the same way
// advanceExecutionCursor moves on once a response arrives; a failed item
// can only still reach Aggregated if a later sync event supplies an
// externally-aggregated ledger-info for it.
func (d *Dispatcher) onSignResp(ctx context.Context, resp SigningResponse) error {
	if !d.signingCurOK {
		return nil
	}
	it, err := d.buf.Get(d.signingCursor)
	if err != nil {
		d.signingCurOK = false
		return nil
	}
	if it.State() != StateExecuted || blockInfoOf(it) != resp.CommitLedgerInfo.CommitInfo {
		// Stale response for an item the cursor has already moved past (or
		// a sync reset from under it); still free the slot.
		return d.advanceSigningCursor(ctx)
	}

	if resp.Err != nil {
		d.deps.Logger.Error("signing failed, cursor moving past this item; only an external sync can recover it now",
			"block_id", hexBlockID(it.BlockID()), "err", resp.Err)
		return d.advanceSigningCursor(ctx)
	}

	next, err := it.AdvanceToSigned(d.deps.Author, resp.Signature, resp.CommitLedgerInfo)
	if err != nil {
		d.deps.Logger.Error("unexpected state advancing to signed", "err", err)
		return d.advanceSigningCursor(ctx)
	}
	if err := d.buf.Set(d.signingCursor, next); err != nil {
		return err
	}
	if d.signedAt == nil {
		d.signedAt = make(map[BlockID]time.Time)
	}
	d.signedAt[next.BlockID()] = time.Now()
	if err := d.deps.Broadcast.BroadcastCommitVote(ctx, next.LocalCommitVote()); err != nil {
		d.deps.Logger.Error("broadcasting commit vote failed, will retry", "err", err)
	}
	return d.advanceSigningCursor(ctx)
}

// onVote applies an inbound peer commit vote to whichever Signed item it
// matches, and attempts aggregation. A vote may legitimately arrive before
// the local item reaches Signed (out-of-order peers) or for an item no
// longer in the buffer (already Aggregated and popped); both are silently
// ignored.
func (d *Dispatcher) onVote(ctx context.Context, vote VerifiedCommitVote) error {
	cursor, ok := d.buf.Find(Cursor{}, false, func(it Item) bool {
		return it.State() == StateSigned && blockInfoOf(it) == vote.CommitInfo
	})
	if !ok {
		return nil
	}
	it, err := d.buf.Get(cursor)
	if err != nil {
		return nil
	}
	withVote, err := it.AddSignatureIfMatched(vote.CommitInfo, vote.Author, vote.Signature, d.deps.Verify)
	if err != nil {
		d.deps.Logger.Error("rejecting commit vote", "author", vote.Author, "err", err)
		return nil
	}
	aggregated, becameAggregated := withVote.TryAdvanceToAggregated(d.deps.Verify)
	final := withVote
	if becameAggregated {
		final = aggregated
	}
	if err := d.buf.Set(cursor, final); err != nil {
		return err
	}
	if !becameAggregated {
		return nil
	}
	d.observeAggregated(final.BlockID())
	return d.maybeAdvanceHead(ctx)
}

// observeAggregated records the Signed-to-Aggregated latency metric and
// forgets the tracked signing time for id, whether or not metrics are
// enabled.
func (d *Dispatcher) observeAggregated(id BlockID) {
	t, ok := d.signedAt[id]
	if !ok {
		return
	}
	d.deps.Metrics.ObserveAggregationLatency(t)
	delete(d.signedAt, id)
}

// onSync implements spec.md §4.5. A reconfig request is an epoch boundary:
// this only acks and returns, and Run then ends the loop. A non-reconfig
// sync snaps whichever
// buffered item matches the synced ledger-info straight to Aggregated (it
// may already be Ordered, Executed, or Signed — a sync can outrun all
// three stages), then unconditionally resets both the execution and
// signing cursors to the new head, since the items before the synced block
// are now gone and items after it may need re-execution from a new base
// state.
func (d *Dispatcher) onSync(ctx context.Context, req SyncRequest) error {
	defer close(req.Reply)

	if req.Reconfig {
		d.deps.Logger.Info("sync request carries reconfiguration, ending epoch")
		return nil
	}

	targetID := req.LedgerInfo.LedgerInfo.CommitInfo.ID
	cursor, ok := d.buf.Find(Cursor{}, false, func(it Item) bool {
		return it.BlockID() == targetID
	})
	if ok {
		it, err := d.buf.Get(cursor)
		if err == nil {
			if next, advanced := it.TryAdvanceToAggregatedWithLedgerInfo(req.LedgerInfo, d.deps.Verify); advanced {
				if err := d.buf.Set(cursor, next); err != nil {
					return err
				}
				d.observeAggregated(next.BlockID())
			}
		}
	}

	d.resetCursors()
	if err := d.maybeAdvanceHead(ctx); err != nil {
		return err
	}
	if err := d.advanceExecutionCursor(ctx); err != nil {
		return err
	}
	return d.advanceSigningCursor(ctx)
}

// resetCursors drops the Cursor Set back to "unset" so the next
// advanceExecutionCursor/advanceSigningCursor call re-derives both cursors
// from the (possibly just-shrunk) head, per spec.md §4.5's
// reset_all_roots step.
func (d *Dispatcher) resetCursors() {
	d.executionCurOK = false
	d.signingCurOK = false
}

// maybeAdvanceHead pops the buffer's head if and only if it is Aggregated,
// delegating the actual pop loop to advanceHead.
func (d *Dispatcher) maybeAdvanceHead(ctx context.Context) error {
	head, ok := d.buf.Head()
	if !ok {
		return nil
	}
	it, err := d.buf.Get(head)
	if err != nil {
		return nil
	}
	if it.State() != StateAggregated {
		return nil
	}
	return d.advanceHead(ctx)
}

// advanceHead pops the contiguous Aggregated prefix starting at the head,
// accumulating their blocks, and emits exactly one PersistRequest for the
// whole prefix using the last item's callback and aggregated proof.
// Precondition: the head item is Aggregated (callers check via
// maybeAdvanceHead). If a later popped item in the prefix is not
// Aggregated, that is the fatal invariant violation spec.md §7 calls out:
// aggregation is expected to complete in buffer order, so a hole here
// means the Cursor Set or the Item transitions have a bug.
func (d *Dispatcher) advanceHead(ctx context.Context) error {
	head, ok := d.buf.Head()
	if !ok {
		return ErrAggregatedCursorNotAggregated
	}
	first, err := d.buf.Get(head)
	if err != nil || first.State() != StateAggregated {
		return ErrAggregatedCursorNotAggregated
	}

	var blocks []Block
	var last Item
	for {
		h, ok := d.buf.Head()
		if !ok {
			break
		}
		it, err := d.buf.Get(h)
		if err != nil {
			break
		}
		if it.State() != StateAggregated {
			if len(blocks) == 0 {
				break
			}
			return ErrPrefixNotAggregated
		}
		d.buf.PopFront()
		blocks = append(blocks, it.Blocks()...)
		last = it
	}

	if len(blocks) == 0 {
		return nil
	}

	d.deps.Metrics.SetBufferDepth(d.buf.Len())
	d.deps.Metrics.AddItemsPersisted(len(blocks))
	d.deps.Persist.Persist(ctx, PersistRequest{
		Blocks:           blocks,
		CommitLedgerInfo: last.AggregatedProof(),
		Callback:         last.Callback(),
	})
	return nil
}

// retryBroadcast re-broadcasts the local commit vote for every Signed item
// still before the signing cursor, guaranteeing forward progress when an
// earlier broadcast was lost. Aggregated items need no retry — the fixed
// loop must skip past them rather than stall, which is the corrected
// behavior spec.md §9's open question calls for.
func (d *Dispatcher) retryBroadcast(ctx context.Context) error {
	cursor, ok := d.buf.Head()
	if !ok {
		return nil
	}
	for {
		it, err := d.buf.Get(cursor)
		if err != nil {
			break
		}
		if it.State() == StateSigned {
			d.deps.Metrics.IncRetries()
			if err := d.deps.Broadcast.BroadcastCommitVote(ctx, it.LocalCommitVote()); err != nil {
				d.deps.Logger.Error("retry broadcast failed", "err", err)
			}
		}
		next, ok := d.buf.Next(cursor)
		if !ok {
			break
		}
		cursor = next
	}
	return nil
}

// nextCursorAfter returns the cursor to resume scanning from: the slot
// after cursor if ok, or the buffer head if not yet set.
func (d *Dispatcher) nextCursorAfter(cursor Cursor, ok bool) (Cursor, bool) {
	if !ok {
		return d.buf.Head()
	}
	return d.buf.Next(cursor)
}

// blockInfoOf derives the BlockInfo a signed/aggregated item's commit
// ledger-info commits to, used to match inbound votes and signing
// responses back to their buffer slot without a separate index.
func blockInfoOf(it Item) BlockInfo {
	switch it.State() {
	case StateSigned, StateAggregated:
		return it.LocalCommitVote().LedgerInfo.CommitInfo
	default:
		blocks := it.ExecutedBlocks()
		if len(blocks) == 0 {
			blocks = it.Blocks()
		}
		last := blocks[len(blocks)-1]
		return BlockInfo{
			Epoch: last.Epoch,
			Round: last.Round,
			ID:    last.ID,
		}
	}
}
