package domain

import "github.com/bytedance/sonic"

// Event types carried by the relay and the activity feed.
const (
	CardCreated = "card-created"
	CardMoved   = "card-moved"
	CardUpdated = "card-updated"
	ListCreated = "list-created"
	ListMoved   = "list-moved"
	ListUpdated = "list-updated"
)

// Event is a mutation-completed notification. Delivery through the relay is
// best-effort and at-most-once; a disconnected peer simply misses it and
// catches up by re-fetching.
type Event struct {
	EntityID   string                 `json:"entityId"`
	EntityType string                 `json:"entityType"`
	Type       string                 `json:"type"`
	BoardID    string                 `json:"boardId"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Actor      Actor                  `json:"actor"`
	Timestamp  int64                  `json:"timestamp"`
	// Origin tags the emitting process so the redis bridge can skip events
	// that were already fanned out locally.
	Origin string `json:"origin,omitempty"`
}

// CardMovedData describes a committed move: where the card left and where it
// landed, with the canonical position the store computed.
type CardMovedData struct {
	SourceListID      string  `json:"sourceContainerId"`
	DestinationListID string  `json:"destinationContainerId"`
	Position          float64 `json:"position"`
}

// CardUpdatedData carries the field delta of an edit.
type CardUpdatedData struct {
	Title *string `json:"title,omitempty"`
	Notes *string `json:"notes,omitempty"`
}

// ListMovedData describes a committed list reorder.
type ListMovedData struct {
	Position float64 `json:"position"`
}

// ListUpdatedData carries the field delta of a list edit.
type ListUpdatedData struct {
	Title *string `json:"title,omitempty"`
}
