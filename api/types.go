package api

import (
	"context"

	"boardsync/domain"
)

// Storage abstracts the authoritative persistence layer for handlers.
type Storage interface {
	FetchBoard(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
	CreateBoard(ctx context.Context, title, owner string) (domain.Board, error)
	CreateList(ctx context.Context, boardID, title string) (domain.List, error)
	CreateCard(ctx context.Context, boardID, listID, title, notes string) (domain.Card, error)
	UpdateCard(ctx context.Context, boardID, cardID string, patch domain.CardPatch) (domain.Card, string, error)
	UpdateList(ctx context.Context, boardID, listID string, patch domain.ListPatch) (domain.List, error)
	EnqueueActivity(ctx context.Context, ev domain.Event) error
}

// InvalidMoveError is returned when a supplied reposition request is
// malformed (conflicting forms, negative index).
type InvalidMoveError interface {
	error
	InvalidMove()
}

// NotFoundError is returned when the addressed entity does not exist.
type NotFoundError interface {
	error
	NotFound()
}

// Authenticator is implemented by types able to extract actor IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper drops duplicate submissions of the same mutation intent.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, actorID, key string) (bool, error)
	// Remove deletes a previously added key, used when the commit fails so
	// the caller may retry.
	Remove(ctx context.Context, actorID, key string) error
}

// Relay fans a committed event to the other sessions of its board's room.
type Relay interface {
	RelayEvent(ev domain.Event, excludeSessionID string)
}

// Publisher forwards a committed event to peer instances.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event)
}
