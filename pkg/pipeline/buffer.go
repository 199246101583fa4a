// Copyright 2025 Certen Protocol
//
// Ordered Buffer — an arena + generational-index realization of the
// doubly-linked ordered sequence described in spec.md §4.2 and recommended
// by the design notes in §9: a vector of slots with monotonically
// increasing generations gives O(1) random access and cursor stability
// without the interior-mutability gymnastics of an intrusive linked list.

package pipeline

// Cursor is a stable, weak position reference into a Buffer. It survives
// in-place replacement (Take/Set) of any slot's item, including its own,
// and push_back of new items. It becomes invalid (ErrStaleCursor) once its
// own slot is popped.
type Cursor struct {
	index      int
	generation uint64
}

// slot is one arena entry. empty slots between headIdx and len(slots) are
// used only transiently, between Take and Set, during a single handler's
// execution; no code observes a slot in that state across a suspension
// point (spec.md §5's cooperative-concurrency contract).
type slot struct {
	generation uint64
	occupied   bool // false between Take and Set, or after pop
	item       Item
}

// Buffer is the Ordered Buffer of spec.md §4.2. The zero value is ready to
// use.
type Buffer struct {
	slots   []slot
	headIdx int
}

// Len reports the number of live (popped-from-the-front-excluded) items.
func (b *Buffer) Len() int { return len(b.slots) - b.headIdx }

// Head returns a Cursor to the first item, or ok=false if the buffer is
// empty.
func (b *Buffer) Head() (Cursor, bool) {
	if b.Len() == 0 {
		return Cursor{}, false
	}
	return Cursor{index: b.headIdx, generation: b.slots[b.headIdx].generation}, true
}

// PushBack appends item to the tail of the buffer. O(1) amortized.
func (b *Buffer) PushBack(item Item) Cursor {
	// A position reclaimed by PopFront or TruncateFrom keeps its bumped
	// generation in the backing array; reuse it so stale cursors that
	// addressed the old occupant stay stale.
	gen := uint64(1)
	if n := len(b.slots); n < cap(b.slots) {
		if g := b.slots[:n+1][n].generation; g > 0 {
			gen = g
		}
	}
	b.slots = append(b.slots, slot{generation: gen, occupied: true, item: item})
	idx := len(b.slots) - 1
	return Cursor{index: idx, generation: b.slots[idx].generation}
}

// PopFront removes and returns the first item, or ok=false if empty.
// Popping bumps the slot's generation so any cursor that referenced it
// becomes detectably stale.
func (b *Buffer) PopFront() (item Item, ok bool) {
	if b.Len() == 0 {
		return Item{}, false
	}
	s := &b.slots[b.headIdx]
	item = s.item
	s.occupied = false
	s.generation++
	b.headIdx++
	// Reclaim storage once the arena is fully drained so a long-running
	// buffer manager doesn't retain an ever-growing backing array.
	if b.headIdx == len(b.slots) {
		b.slots = b.slots[:0]
		b.headIdx = 0
	}
	return item, true
}

// valid reports whether cursor still addresses a live slot with a
// matching generation.
func (b *Buffer) valid(c Cursor) bool {
	if c.index < b.headIdx || c.index >= len(b.slots) {
		return false
	}
	return b.slots[c.index].generation == c.generation
}

// Get returns the item addressed by cursor without removing it.
func (b *Buffer) Get(c Cursor) (Item, error) {
	if !b.valid(c) {
		return Item{}, ErrStaleCursor
	}
	s := &b.slots[c.index]
	if !s.occupied {
		return Item{}, ErrSlotEmpty
	}
	return s.item, nil
}

// Take removes the item from its slot, leaving the slot empty but still
// addressable by cursor — the generation is unchanged, so Set can restore
// it and any other cursor pointing at this slot remains valid across the
// Take/Set pair (spec.md §4.2's cursor-stability contract).
func (b *Buffer) Take(c Cursor) (Item, error) {
	if !b.valid(c) {
		return Item{}, ErrStaleCursor
	}
	s := &b.slots[c.index]
	if !s.occupied {
		return Item{}, ErrSlotEmpty
	}
	item := s.item
	s.item = Item{}
	s.occupied = false
	return item, nil
}

// Set installs item into the slot addressed by cursor, filling a slot
// emptied by a prior Take or replacing the item it currently holds.
func (b *Buffer) Set(c Cursor, item Item) error {
	if !b.valid(c) {
		return ErrStaleCursor
	}
	s := &b.slots[c.index]
	s.item = item
	s.occupied = true
	return nil
}

// Next returns the cursor for the slot immediately after c, or ok=false if
// c addresses the tail or is stale.
func (b *Buffer) Next(c Cursor) (Cursor, bool) {
	if !b.valid(c) {
		return Cursor{}, false
	}
	idx := c.index + 1
	if idx >= len(b.slots) {
		return Cursor{}, false
	}
	return Cursor{index: idx, generation: b.slots[idx].generation}, true
}

// Eq reports whether two cursors address the same slot generation.
func (b *Buffer) Eq(a, c Cursor) bool {
	return a.index == c.index && a.generation == c.generation
}

// TruncateFrom removes every item from cursor (inclusive) through the tail,
// leaving any head prefix before cursor untouched. Each removed slot's
// generation is bumped so cursors that addressed it become detectably
// stale, the same contract PopFront gives the head side.
func (b *Buffer) TruncateFrom(c Cursor) error {
	if !b.valid(c) {
		return ErrStaleCursor
	}
	for i := c.index; i < len(b.slots); i++ {
		b.slots[i].occupied = false
		b.slots[i].item = Item{}
		b.slots[i].generation++
	}
	b.slots = b.slots[:c.index]
	return nil
}

// Find scans forward from `from` (or from Head if !ok) for the first item
// matching predicate, returning its cursor. A stale `from` also starts the
// scan at Head. Empty (taken) slots are skipped without being matched.
func (b *Buffer) Find(from Cursor, fromOK bool, predicate func(Item) bool) (Cursor, bool) {
	var cur Cursor
	if fromOK && b.valid(from) {
		cur = from
	} else {
		var ok bool
		cur, ok = b.Head()
		if !ok {
			return Cursor{}, false
		}
	}
	for {
		s := &b.slots[cur.index]
		if s.occupied && predicate(s.item) {
			return cur, true
		}
		next, ok := b.Next(cur)
		if !ok {
			return Cursor{}, false
		}
		cur = next
	}
}
