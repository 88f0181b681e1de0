package client

import (
	"reflect"
	"testing"
	"time"

	"boardsync/domain"
)

func testSnapshot() domain.BoardSnapshot {
	return domain.BoardSnapshot{
		Board: domain.Board{ID: "board-1", Title: "Sprint"},
		Lists: []domain.List{
			{ID: "todo", BoardID: "board-1", Title: "Todo", Position: 1000},
			{ID: "doing", BoardID: "board-1", Title: "Doing", Position: 2000},
		},
		Cards: []domain.Card{
			{ID: "c1", BoardID: "board-1", ListID: "todo", Title: "one", Position: 1000},
			{ID: "c2", BoardID: "board-1", ListID: "todo", Title: "two", Position: 2000},
			{ID: "c3", BoardID: "board-1", ListID: "todo", Title: "three", Position: 3000},
			{ID: "c4", BoardID: "board-1", ListID: "doing", Title: "four", Position: 1000},
		},
	}
}

func listOrder(b *BoardCache, listID string) []string {
	snap := b.Snapshot()
	var ids []string
	for _, c := range snap.Cards {
		if c.ListID == listID {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func TestApplyCardMoveAllocatesOptimisticPosition(t *testing.T) {
	b := NewBoardCache(testSnapshot())

	op, err := b.ApplyCardMove("c4", "todo", 1)
	if err != nil {
		t.Fatalf("apply move: %v", err)
	}
	card, ok := b.Card("c4")
	if !ok {
		t.Fatal("card vanished")
	}
	if card.ListID != "todo" {
		t.Fatalf("expected card in todo, got %s", card.ListID)
	}
	if card.Position != 1500 {
		t.Fatalf("expected optimistic midpoint 1500, got %v", card.Position)
	}
	if got := listOrder(b, "todo"); !reflect.DeepEqual(got, []string{"c1", "c4", "c2", "c3"}) {
		t.Fatalf("unexpected order: %v", got)
	}
	op.Commit(card)
}

func TestApplyCardMoveWithinListCorrectsIndex(t *testing.T) {
	b := NewBoardCache(testSnapshot())

	// Dragging c1 below c2 lands at visual index 2; after virtual removal
	// that is slot 1 of [c2 c3], so between 2000 and 3000.
	op, err := b.ApplyCardMove("c1", "todo", 2)
	if err != nil {
		t.Fatalf("apply move: %v", err)
	}
	defer op.Commit(mustCard(t, b, "c1"))

	if got := listOrder(b, "todo"); !reflect.DeepEqual(got, []string{"c2", "c1", "c3"}) {
		t.Fatalf("unexpected order: %v", got)
	}
	card := mustCard(t, b, "c1")
	if card.Position != 2500 {
		t.Fatalf("expected 2500, got %v", card.Position)
	}
	// The other siblings' keys are untouched.
	for _, id := range []string{"c2", "c3"} {
		c := mustCard(t, b, id)
		if c.Position != map[string]float64{"c2": 2000, "c3": 3000}[id] {
			t.Fatalf("sibling %s was renumbered to %v", id, c.Position)
		}
	}
}

func TestRollbackRestoresSnapshotExactly(t *testing.T) {
	b := NewBoardCache(testSnapshot())
	before := b.Snapshot()

	op, err := b.ApplyCardMove("c2", "doing", 0)
	if err != nil {
		t.Fatalf("apply move: %v", err)
	}
	if got := listOrder(b, "doing"); !reflect.DeepEqual(got, []string{"c2", "c4"}) {
		t.Fatalf("speculative move not applied: %v", got)
	}

	op.Rollback()
	after := b.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("rollback diverged:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestRollbackRestoresEditedFields(t *testing.T) {
	b := NewBoardCache(testSnapshot())
	before := b.Snapshot()

	title := "renamed"
	op, err := b.ApplyCardEdit("c1", &title, nil)
	if err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	if c := mustCard(t, b, "c1"); c.Title != "renamed" {
		t.Fatalf("edit not applied: %+v", c)
	}

	op.Rollback()
	if !reflect.DeepEqual(before, b.Snapshot()) {
		t.Fatal("rollback did not restore the edited card")
	}
}

func TestCommitAdoptsCanonicalPosition(t *testing.T) {
	b := NewBoardCache(testSnapshot())

	op, err := b.ApplyCardMove("c4", "todo", 0)
	if err != nil {
		t.Fatalf("apply move: %v", err)
	}
	if c := mustCard(t, b, "c4"); c.Position != 500 {
		t.Fatalf("expected optimistic 500, got %v", c.Position)
	}

	// The store saw a different neighbour set and allocated 250 instead.
	canonical := mustCard(t, b, "c4")
	canonical.Position = 250
	op.Commit(canonical)

	c := mustCard(t, b, "c4")
	if c.Position != 250 {
		t.Fatalf("expected canonical 250, got %v", c.Position)
	}
	if got := listOrder(b, "todo"); got[0] != "c4" {
		t.Fatalf("expected c4 at head after commit, got %v", got)
	}
}

func TestDuplicateSubmissionDropped(t *testing.T) {
	b := NewBoardCache(testSnapshot())
	now := time.Now()
	b.now = func() time.Time { return now }

	op, err := b.ApplyCardMove("c1", "doing", 0)
	if err != nil {
		t.Fatalf("apply move: %v", err)
	}

	if _, err := b.ApplyCardMove("c1", "doing", 0); err != ErrDuplicatePending {
		t.Fatalf("expected duplicate to be dropped, got %v", err)
	}
	// A different destination is a different logical move.
	op2, err := b.ApplyCardMove("c2", "doing", 0)
	if err != nil {
		t.Fatalf("distinct move rejected: %v", err)
	}
	op2.Rollback()

	op.Commit(mustCard(t, b, "c1"))

	// Still inside the debounce window after resolving.
	if _, err := b.ApplyCardMove("c1", "doing", 0); err != ErrDuplicatePending {
		t.Fatalf("expected debounce to drop resubmission, got %v", err)
	}

	now = now.Add(time.Second)
	op3, err := b.ApplyCardMove("c1", "doing", 0)
	if err != nil {
		t.Fatalf("expected resubmission after debounce window, got %v", err)
	}
	op3.Rollback()
}

func TestNeedsRefetch(t *testing.T) {
	b := NewBoardCache(testSnapshot())

	op, err := b.ApplyCardMove("c1", "doing", 0)
	if err != nil {
		t.Fatalf("apply move: %v", err)
	}
	if b.NeedsRefetch("c1") {
		t.Fatal("entity with an outstanding op must not trigger a refetch")
	}
	if !b.NeedsRefetch("c2") {
		t.Fatal("entity without a pending op should be re-fetched")
	}

	op.Commit(mustCard(t, b, "c1"))
	if !b.NeedsRefetch("c1") {
		t.Fatal("resolved entity should be re-fetched again")
	}
}

func TestCommitAfterReplaceIsNoOp(t *testing.T) {
	b := NewBoardCache(testSnapshot())
	op, err := b.ApplyCardMove("c1", "doing", 0)
	if err != nil {
		t.Fatalf("apply move: %v", err)
	}
	// A refetch replaced the cache and the card is gone entirely.
	b.Replace(domain.BoardSnapshot{Board: domain.Board{ID: "board-1"}})
	op.Commit(domain.Card{ID: "c1", ListID: "doing", Position: 42})
	if _, ok := b.Card("c1"); ok {
		t.Fatal("commit resurrected a card the snapshot no longer has")
	}
}

func TestNegativeDestinationIndexRejected(t *testing.T) {
	b := NewBoardCache(testSnapshot())
	before := b.Snapshot()

	if _, err := b.ApplyCardMove("c4", "todo", -1); err != ErrInvalidIndex {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
	if !reflect.DeepEqual(before, b.Snapshot()) {
		t.Fatal("rejected move must leave the cache untouched")
	}
	// The rejected submission must not occupy a pending slot either.
	op, err := b.ApplyCardMove("c4", "todo", 0)
	if err != nil {
		t.Fatalf("valid move after rejection: %v", err)
	}
	op.Rollback()
}

func TestUnknownEntity(t *testing.T) {
	b := NewBoardCache(testSnapshot())
	if _, err := b.ApplyCardMove("ghost", "todo", 0); err != ErrUnknownEntity {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if _, err := b.ApplyCardMove("c1", "ghost-list", 0); err != ErrUnknownEntity {
		t.Fatalf("expected ErrUnknownEntity for missing list, got %v", err)
	}
}

func mustCard(t *testing.T, b *BoardCache, id string) domain.Card {
	t.Helper()
	c, ok := b.Card(id)
	if !ok {
		t.Fatalf("card %s missing", id)
	}
	return c
}
