package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"boardsync/domain"
	"boardsync/order"
)

// ErrDuplicatePending is returned when an identical mutation is submitted
// while the first one is still outstanding (or inside the debounce window
// just after it resolved). The duplicate is dropped, not queued.
var ErrDuplicatePending = errors.New("identical mutation already pending")

// ErrUnknownEntity is returned when the mutation addresses an entity the
// cache does not hold.
var ErrUnknownEntity = errors.New("entity not in cache")

// ErrInvalidIndex is returned for a negative destination index, mirroring
// the authoritative store's rejection of the same intent.
var ErrInvalidIndex = errors.New("destination index must not be negative")

// defaultDebounce is how long a resolved operation keeps suppressing
// identical resubmissions (an accidental double-drop arrives within this).
const defaultDebounce = 300 * time.Millisecond

// ListColumn pairs a list with its cards in display order.
type ListColumn struct {
	List  domain.List
	Cards []domain.Card
}

type pendingEntry struct {
	outstanding bool
	resolvedAt  time.Time
}

// BoardCache holds the client's view of one board and applies mutations to
// it speculatively, before the authoritative store confirms them. Every
// speculative mutation snapshots the slice of state it touches; the returned
// PendingOp either commits the server result or restores the snapshot
// verbatim.
type BoardCache struct {
	mu       sync.Mutex
	board    domain.Board
	columns  []ListColumn
	pending  map[string]*pendingEntry
	debounce time.Duration
	now      func() time.Time
}

// NewBoardCache builds a cache from an authoritative snapshot.
func NewBoardCache(snap domain.BoardSnapshot) *BoardCache {
	b := &BoardCache{
		pending:  make(map[string]*pendingEntry),
		debounce: defaultDebounce,
		now:      time.Now,
	}
	b.replaceLocked(snap)
	return b
}

// Replace swaps in a fresh authoritative snapshot (the re-fetch path of
// reconciliation). Pending bookkeeping survives: an operation that is still
// outstanding keeps deduplicating resubmissions.
func (b *BoardCache) Replace(snap domain.BoardSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replaceLocked(snap)
}

func (b *BoardCache) replaceLocked(snap domain.BoardSnapshot) {
	b.board = snap.Board
	lists := append([]domain.List(nil), snap.Lists...)
	sort.Slice(lists, func(i, j int) bool { return lists[i].Position < lists[j].Position })
	columns := make([]ListColumn, len(lists))
	for i, l := range lists {
		columns[i] = ListColumn{List: l}
	}
	byList := make(map[string]int, len(lists))
	for i, l := range lists {
		byList[l.ID] = i
	}
	cards := append([]domain.Card(nil), snap.Cards...)
	sort.Slice(cards, func(i, j int) bool { return cards[i].Position < cards[j].Position })
	for _, c := range cards {
		if i, ok := byList[c.ListID]; ok {
			columns[i].Cards = append(columns[i].Cards, c)
		}
	}
	b.columns = columns
}

// Snapshot returns a deep copy of the current view for rendering.
func (b *BoardCache) Snapshot() domain.BoardSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := domain.BoardSnapshot{Board: b.board}
	for _, col := range b.columns {
		snap.Lists = append(snap.Lists, col.List)
		snap.Cards = append(snap.Cards, col.Cards...)
	}
	return snap
}

// Card returns the cached card and whether it is present.
func (b *BoardCache) Card(cardID string) (domain.Card, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ci, idx := b.findCard(cardID)
	if ci < 0 {
		return domain.Card{}, false
	}
	return b.columns[ci].Cards[idx], true
}

// PendingOp is the handle for one speculative mutation. Exactly one of
// Commit or Rollback must be called when the authoritative intent resolves.
type PendingOp struct {
	cache   *BoardCache
	key     string
	restore func()
	done    bool
}

// ApplyCardMove speculatively moves a card to destIndex in destListID (same
// or different list), allocating an optimistic position the same way the
// server will. The UI can render the new order immediately; the returned op
// reconciles once the PATCH resolves.
func (b *BoardCache) ApplyCardMove(cardID, destListID string, destIndex int) (*PendingOp, error) {
	if destIndex < 0 {
		return nil, ErrInvalidIndex
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := fmt.Sprintf("move:%s:%s:%d", cardID, destListID, destIndex)
	if b.duplicateLocked(key) {
		return nil, ErrDuplicatePending
	}

	srcCol, srcIdx := b.findCard(cardID)
	if srcCol < 0 {
		return nil, ErrUnknownEntity
	}
	destCol := b.findColumn(destListID)
	if destCol < 0 {
		return nil, ErrUnknownEntity
	}

	// Snapshot the minimal slice the move touches: both columns' card
	// sequences.
	restore := b.snapshotColumnsLocked(srcCol, destCol)

	card := b.columns[srcCol].Cards[srcIdx]

	// Virtually remove the moved card, then correct the landing index for
	// the shift before allocating.
	b.columns[srcCol].Cards = append(
		b.columns[srcCol].Cards[:srcIdx:srcIdx],
		b.columns[srcCol].Cards[srcIdx+1:]...,
	)
	current := -1
	if srcCol == destCol {
		current = srcIdx
	}
	idx := order.ArrivalIndex(current, destIndex)
	cards := b.columns[destCol].Cards
	if idx > len(cards) {
		idx = len(cards)
	}
	keys := make([]float64, len(cards))
	for i, c := range cards {
		keys[i] = c.Position
	}
	card.Position = order.Allocate(keys, idx)
	card.ListID = destListID

	b.columns[destCol].Cards = append(cards[:idx:idx], append([]domain.Card{card}, cards[idx:]...)...)

	return b.registerLocked(key, restore), nil
}

// ApplyCardEdit speculatively applies a field delta. Edits and moves are
// distinct operation classes: an edit never touches ordering, so only the
// card itself is snapshotted.
func (b *BoardCache) ApplyCardEdit(cardID string, title, notes *string) (*PendingOp, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := "edit:" + cardID
	if b.duplicateLocked(key) {
		return nil, ErrDuplicatePending
	}

	ci, idx := b.findCard(cardID)
	if ci < 0 {
		return nil, ErrUnknownEntity
	}
	prev := b.columns[ci].Cards[idx]
	restore := func() {
		if ci2, idx2 := b.findCard(cardID); ci2 >= 0 {
			b.columns[ci2].Cards[idx2] = prev
		}
	}

	if title != nil {
		b.columns[ci].Cards[idx].Title = *title
	}
	if notes != nil {
		b.columns[ci].Cards[idx].Notes = *notes
	}

	return b.registerLocked(key, restore), nil
}

// Commit reconciles the cache with the authoritative result: the canonical
// card replaces the speculative one, re-sorted into place in case the server
// allocated a different position than the optimistic path predicted.
func (op *PendingOp) Commit(result domain.Card) {
	b := op.cache
	b.mu.Lock()
	defer b.mu.Unlock()
	if op.done {
		return
	}
	op.done = true
	b.resolveLocked(op.key)

	ci, idx := b.findCard(result.ID)
	if ci < 0 {
		// The cache was replaced while the call was in flight; nothing to
		// reconcile.
		return
	}
	b.columns[ci].Cards = append(b.columns[ci].Cards[:idx:idx], b.columns[ci].Cards[idx+1:]...)

	destCol := b.findColumn(result.ListID)
	if destCol < 0 {
		return
	}
	cards := b.columns[destCol].Cards
	at := sort.Search(len(cards), func(i int) bool { return cards[i].Position >= result.Position })
	b.columns[destCol].Cards = append(cards[:at:at], append([]domain.Card{result}, cards[at:]...)...)
}

// Rollback restores the snapshot taken before the speculative mutation,
// verbatim. No partial application survives.
func (op *PendingOp) Rollback() {
	b := op.cache
	b.mu.Lock()
	defer b.mu.Unlock()
	if op.done {
		return
	}
	op.done = true
	b.resolveLocked(op.key)
	op.restore()
}

// NeedsRefetch decides how to reconcile a relayed notification: entities
// with a speculative operation still outstanding are left alone (the commit
// or rollback will reconcile them); anything else should be re-fetched.
func (b *BoardCache) NeedsRefetch(entityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, entry := range b.pending {
		if !entry.outstanding {
			continue
		}
		if keyEntityID(key) == entityID {
			return false
		}
	}
	return true
}

func (b *BoardCache) duplicateLocked(key string) bool {
	entry, ok := b.pending[key]
	if !ok {
		return false
	}
	if entry.outstanding {
		return true
	}
	return b.now().Sub(entry.resolvedAt) < b.debounce
}

func (b *BoardCache) registerLocked(key string, restore func()) *PendingOp {
	b.pending[key] = &pendingEntry{outstanding: true}
	return &PendingOp{cache: b, key: key, restore: restore}
}

func (b *BoardCache) resolveLocked(key string) {
	if entry, ok := b.pending[key]; ok {
		entry.outstanding = false
		entry.resolvedAt = b.now()
	}
	// Sweep entries whose debounce window has passed.
	for k, entry := range b.pending {
		if !entry.outstanding && b.now().Sub(entry.resolvedAt) >= b.debounce {
			delete(b.pending, k)
		}
	}
}

// snapshotColumnsLocked copies the card slices of the given columns and
// returns a restore function that puts them back by list id.
func (b *BoardCache) snapshotColumnsLocked(cols ...int) func() {
	type saved struct {
		listID string
		cards  []domain.Card
	}
	seen := map[int]bool{}
	var snaps []saved
	for _, ci := range cols {
		if seen[ci] {
			continue
		}
		seen[ci] = true
		snaps = append(snaps, saved{
			listID: b.columns[ci].List.ID,
			cards:  append([]domain.Card(nil), b.columns[ci].Cards...),
		})
	}
	return func() {
		for _, s := range snaps {
			if ci := b.findColumn(s.listID); ci >= 0 {
				b.columns[ci].Cards = append([]domain.Card(nil), s.cards...)
			}
		}
	}
}

func (b *BoardCache) findCard(cardID string) (int, int) {
	for ci, col := range b.columns {
		for i, c := range col.Cards {
			if c.ID == cardID {
				return ci, i
			}
		}
	}
	return -1, -1
}

func (b *BoardCache) findColumn(listID string) int {
	for i, col := range b.columns {
		if col.List.ID == listID {
			return i
		}
	}
	return -1
}

// keyEntityID extracts the entity id from a pending key ("move:<id>:..." or
// "edit:<id>").
func keyEntityID(key string) string {
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			start = i + 1
			break
		}
	}
	end := len(key)
	for i := start; i < len(key); i++ {
		if key[i] == ':' {
			end = i
			break
		}
	}
	return key[start:end]
}
