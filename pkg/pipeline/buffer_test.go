// Copyright 2025 Certen Protocol

package pipeline

import "testing"

func itemWithID(t *testing.T, id byte) Item {
	t.Helper()
	var bid BlockID
	bid[0] = id
	it, err := NewOrdered([]Block{{ID: bid}}, QuorumCert{}, nil)
	if err != nil {
		t.Fatalf("NewOrdered: %v", err)
	}
	return it
}

func TestBuffer_PushBackAndPopFrontPreserveOrder(t *testing.T) {
	var b Buffer
	b.PushBack(itemWithID(t, 1))
	b.PushBack(itemWithID(t, 2))
	b.PushBack(itemWithID(t, 3))

	for _, want := range []byte{1, 2, 3} {
		got, ok := b.PopFront()
		if !ok {
			t.Fatalf("expected an item for id %d", want)
		}
		if got.BlockID()[0] != want {
			t.Fatalf("expected id %d, got %d", want, got.BlockID()[0])
		}
	}
	if _, ok := b.PopFront(); ok {
		t.Fatal("expected empty buffer")
	}
}

func TestBuffer_CursorSurvivesTakeSet(t *testing.T) {
	var b Buffer
	c1 := b.PushBack(itemWithID(t, 1))
	c2 := b.PushBack(itemWithID(t, 2))

	taken, err := b.Take(c1)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	// c2 must remain valid and addressable while c1's slot is empty.
	if _, err := b.Get(c2); err != nil {
		t.Fatalf("expected c2 to remain valid across a Take on c1: %v", err)
	}
	if _, err := b.Get(c1); err != ErrSlotEmpty {
		t.Fatalf("expected ErrSlotEmpty for taken slot, got %v", err)
	}

	advanced, err := taken.AdvanceToExecuted(taken.Blocks())
	if err != nil {
		t.Fatalf("AdvanceToExecuted: %v", err)
	}
	if err := b.Set(c1, advanced); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := b.Get(c1)
	if err != nil {
		t.Fatalf("Get after Set: %v", err)
	}
	if got.State() != StateExecuted {
		t.Fatalf("expected Executed after Set, got %s", got.State())
	}
}

func TestBuffer_CursorGoesStaleAfterPop(t *testing.T) {
	var b Buffer
	c1 := b.PushBack(itemWithID(t, 1))
	b.PushBack(itemWithID(t, 2))

	if _, ok := b.PopFront(); !ok {
		t.Fatal("expected a popped item")
	}
	if _, err := b.Get(c1); err != ErrStaleCursor {
		t.Fatalf("expected ErrStaleCursor for popped cursor, got %v", err)
	}
}

func TestBuffer_Find(t *testing.T) {
	var b Buffer
	b.PushBack(itemWithID(t, 1))
	b.PushBack(itemWithID(t, 2))
	b.PushBack(itemWithID(t, 3))

	cursor, ok := b.Find(Cursor{}, false, func(it Item) bool {
		return it.BlockID()[0] == 2
	})
	if !ok {
		t.Fatal("expected to find item with id 2")
	}
	got, err := b.Get(cursor)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BlockID()[0] != 2 {
		t.Fatalf("expected id 2, got %d", got.BlockID()[0])
	}

	if _, ok := b.Find(Cursor{}, false, func(it Item) bool { return it.BlockID()[0] == 99 }); ok {
		t.Fatal("expected no match for id 99")
	}
}

func TestBuffer_NextWalksToTail(t *testing.T) {
	var b Buffer
	b.PushBack(itemWithID(t, 1))
	b.PushBack(itemWithID(t, 2))

	head, ok := b.Head()
	if !ok {
		t.Fatal("expected a head")
	}
	next, ok := b.Next(head)
	if !ok {
		t.Fatal("expected a second item")
	}
	if _, ok := b.Next(next); ok {
		t.Fatal("expected no item after the tail")
	}
}

func TestBuffer_PushBackAfterDrainReclaimsStorage(t *testing.T) {
	var b Buffer
	b.PushBack(itemWithID(t, 1))
	b.PopFront()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got len %d", b.Len())
	}
	c := b.PushBack(itemWithID(t, 2))
	got, err := b.Get(c)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BlockID()[0] != 2 {
		t.Fatalf("expected id 2, got %d", got.BlockID()[0])
	}
}
