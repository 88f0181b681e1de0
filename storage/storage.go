// Package storage is the authoritative persistence layer. Ordering writes
// recompute the canonical position from a fresh neighbour query at commit
// time; conflicting writers are resolved last-write-wins by arrival order.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/order"
)

// Storage provides access to underlying persistence mechanisms.
type Storage struct {
	boardTable    *aztables.Client
	listTable     *aztables.Client
	cardTable     *aztables.Client
	activityQueue *azqueue.QueueClient
	logger        *log.Logger
}

// boardPartition is the partition key shared by all board rows.
const boardPartition = "board"

type invalidMoveError struct{ msg string }

func (e invalidMoveError) Error() string { return e.msg }
func (e invalidMoveError) InvalidMove()  {}

type notFoundError struct{ msg string }

func (e notFoundError) Error() string { return e.msg }
func (e notFoundError) NotFound()     {}

// New creates a Storage instance from the given connection string.
func New(connStr, boardsTable, listsTable, cardsTable, activityQueue string, logger *log.Logger) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	aq, err := azqueue.NewQueueClientFromConnectionString(connStr, activityQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Storage{
		boardTable:    svc.NewClient(boardsTable),
		listTable:     svc.NewClient(listsTable),
		cardTable:     svc.NewClient(cardsTable),
		activityQueue: aq,
		logger:        logger,
	}, nil
}

type boardEntity struct {
	aztables.Entity
	Title string `json:"Title"`
	Owner string `json:"Owner"`
}

type listEntity struct {
	aztables.Entity
	Title    string  `json:"Title"`
	Position float64 `json:"Position"`
}

type cardEntity struct {
	aztables.Entity
	ListID   string  `json:"ListId"`
	Title    string  `json:"Title"`
	Notes    string  `json:"Notes"`
	Position float64 `json:"Position"`
}

func decodeListEntity(data []byte) (domain.List, error) {
	var ent listEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.List{}, err
	}
	return domain.List{
		ID:       ent.RowKey,
		BoardID:  ent.PartitionKey,
		Title:    ent.Title,
		Position: ent.Position,
	}, nil
}

func decodeCardEntity(data []byte) (domain.Card, error) {
	var ent cardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Card{}, err
	}
	return domain.Card{
		ID:       ent.RowKey,
		BoardID:  ent.PartitionKey,
		ListID:   ent.ListID,
		Title:    ent.Title,
		Notes:    ent.Notes,
		Position: ent.Position,
	}, nil
}

// FetchBoard returns the board with its lists and cards in display order.
func (s *Storage) FetchBoard(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	var snap domain.BoardSnapshot

	resp, err := s.boardTable.GetEntity(ctx, boardPartition, boardID, nil)
	if err != nil {
		if isNotFound(err) {
			return snap, notFoundError{msg: "board not found"}
		}
		return snap, err
	}
	var bent boardEntity
	if err := json.Unmarshal(resp.Value, &bent); err != nil {
		return snap, err
	}
	snap.Board = domain.Board{ID: bent.RowKey, Title: bent.Title, Owner: bent.Owner}

	lists, err := s.fetchLists(ctx, boardID)
	if err != nil {
		return snap, err
	}
	snap.Lists = lists

	cards, err := s.fetchCards(ctx, boardID, "")
	if err != nil {
		return snap, err
	}
	snap.Cards = cards
	return snap, nil
}

// CreateBoard persists a new board.
func (s *Storage) CreateBoard(ctx context.Context, title, owner string) (domain.Board, error) {
	b := domain.Board{ID: uuid.NewString(), Title: title, Owner: owner}
	ent := boardEntity{
		Entity: aztables.Entity{PartitionKey: boardPartition, RowKey: b.ID},
		Title:  b.Title,
		Owner:  b.Owner,
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Board{}, err
	}
	if _, err := s.boardTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

// CreateList appends a list at the tail of the board.
func (s *Storage) CreateList(ctx context.Context, boardID, title string) (domain.List, error) {
	lists, err := s.fetchLists(ctx, boardID)
	if err != nil {
		return domain.List{}, err
	}
	keys := make([]float64, len(lists))
	for i, l := range lists {
		keys[i] = l.Position
	}
	l := domain.List{
		ID:       uuid.NewString(),
		BoardID:  boardID,
		Title:    title,
		Position: order.Allocate(keys, len(keys)),
	}
	ent := listEntity{
		Entity:   aztables.Entity{PartitionKey: boardID, RowKey: l.ID},
		Title:    l.Title,
		Position: l.Position,
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.List{}, err
	}
	if _, err := s.listTable.AddEntity(ctx, data, nil); err != nil {
		return domain.List{}, err
	}
	return l, nil
}

// CreateCard appends a card at the tail of the given list.
func (s *Storage) CreateCard(ctx context.Context, boardID, listID, title, notes string) (domain.Card, error) {
	siblings, err := s.fetchCards(ctx, boardID, listID)
	if err != nil {
		return domain.Card{}, err
	}
	c := domain.Card{
		ID:       uuid.NewString(),
		BoardID:  boardID,
		ListID:   listID,
		Title:    title,
		Notes:    notes,
		Position: order.Allocate(siblingKeys(siblings, ""), len(siblings)),
	}
	ent := cardEntity{
		Entity:   aztables.Entity{PartitionKey: boardID, RowKey: c.ID},
		ListID:   c.ListID,
		Title:    c.Title,
		Notes:    c.Notes,
		Position: c.Position,
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Card{}, err
	}
	if _, err := s.cardTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

// UpdateCard applies a patch to a card. When the patch carries a destination
// intent the canonical position is recomputed here from a fresh neighbour
// query; the returned card carries that canonical state and sourceListID
// names the list the card was in before the write. The write is
// unconditional, so concurrent writers resolve last-write-wins by arrival.
func (s *Storage) UpdateCard(ctx context.Context, boardID, cardID string, patch domain.CardPatch) (domain.Card, string, error) {
	resp, err := s.cardTable.GetEntity(ctx, boardID, cardID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Card{}, "", notFoundError{msg: "card not found"}
		}
		return domain.Card{}, "", err
	}
	card, err := decodeCardEntity(resp.Value)
	if err != nil {
		return domain.Card{}, "", err
	}
	sourceListID := card.ListID

	if patch.Title != nil {
		card.Title = *patch.Title
	}
	if patch.Notes != nil {
		card.Notes = *patch.Notes
	}

	switch {
	case patch.DestIndex != nil || patch.DestListID != nil:
		if patch.Position != nil || patch.ListID != nil {
			return domain.Card{}, "", invalidMoveError{msg: "explicit position and destination intent are mutually exclusive"}
		}
		destList := card.ListID
		if patch.DestListID != nil {
			destList = *patch.DestListID
		}
		destIndex := 0
		if patch.DestIndex != nil {
			destIndex = *patch.DestIndex
		}
		if destIndex < 0 {
			return domain.Card{}, "", invalidMoveError{msg: "destination index must not be negative"}
		}
		siblings, err := s.fetchCards(ctx, boardID, destList)
		if err != nil {
			return domain.Card{}, "", err
		}
		card.Position = s.canonicalPosition(boardID, card.ID, siblings, destIndex)
		card.ListID = destList
	case patch.Position != nil || patch.ListID != nil:
		if patch.ListID != nil {
			card.ListID = *patch.ListID
		}
		if patch.Position != nil {
			card.Position = *patch.Position
		}
	}

	ent := cardEntity{
		Entity:   aztables.Entity{PartitionKey: boardID, RowKey: card.ID},
		ListID:   card.ListID,
		Title:    card.Title,
		Notes:    card.Notes,
		Position: card.Position,
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Card{}, "", err
	}
	if _, err := s.cardTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.Card{}, "", err
	}
	return card, sourceListID, nil
}

// UpdateList applies a patch to a list, recomputing the canonical position
// for intent-form reorders.
func (s *Storage) UpdateList(ctx context.Context, boardID, listID string, patch domain.ListPatch) (domain.List, error) {
	resp, err := s.listTable.GetEntity(ctx, boardID, listID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.List{}, notFoundError{msg: "list not found"}
		}
		return domain.List{}, err
	}
	list, err := decodeListEntity(resp.Value)
	if err != nil {
		return domain.List{}, err
	}

	if patch.Title != nil {
		list.Title = *patch.Title
	}

	switch {
	case patch.DestIndex != nil:
		if patch.Position != nil {
			return domain.List{}, invalidMoveError{msg: "explicit position and destination intent are mutually exclusive"}
		}
		if *patch.DestIndex < 0 {
			return domain.List{}, invalidMoveError{msg: "destination index must not be negative"}
		}
		lists, err := s.fetchLists(ctx, boardID)
		if err != nil {
			return domain.List{}, err
		}
		keys := make([]float64, 0, len(lists))
		current := -1
		for _, l := range lists {
			if l.ID == listID {
				current = len(keys)
				continue
			}
			keys = append(keys, l.Position)
		}
		idx := order.ArrivalIndex(current, *patch.DestIndex)
		if idx > len(keys) {
			idx = len(keys)
		}
		list.Position = order.Allocate(keys, idx)
	case patch.Position != nil:
		list.Position = *patch.Position
	}

	ent := listEntity{
		Entity:   aztables.Entity{PartitionKey: boardID, RowKey: list.ID},
		Title:    list.Title,
		Position: list.Position,
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.List{}, err
	}
	if _, err := s.listTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.List{}, err
	}
	return list, nil
}

// EnqueueActivity appends a committed event to the activity feed queue.
func (s *Storage) EnqueueActivity(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.activityQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// canonicalPosition places the moved card among the fetched siblings. The
// moved card is removed from the sequence first so an in-list move does not
// land one slot off.
func (s *Storage) canonicalPosition(boardID, cardID string, siblings []domain.Card, destIndex int) float64 {
	keys := make([]float64, 0, len(siblings))
	current := -1
	for _, c := range siblings {
		if c.ID == cardID {
			current = len(keys)
			continue
		}
		keys = append(keys, c.Position)
	}
	idx := order.ArrivalIndex(current, destIndex)
	if idx > len(keys) {
		idx = len(keys)
	}
	pos := order.Allocate(keys, idx)
	if idx > 0 && idx < len(keys) && order.GapExhausted(keys[idx-1], keys[idx]) {
		s.logger.WithFields(log.Fields{
			"board": boardID,
			"card":  cardID,
		}).Warn("position gap exhausted between neighbours")
	}
	return pos
}

func siblingKeys(cards []domain.Card, excludeID string) []float64 {
	keys := make([]float64, 0, len(cards))
	for _, c := range cards {
		if c.ID == excludeID {
			continue
		}
		keys = append(keys, c.Position)
	}
	return keys
}

func (s *Storage) fetchLists(ctx context.Context, boardID string) ([]domain.List, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	pager := s.listTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	lists := []domain.List{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			l, err := decodeListEntity(e)
			if err != nil {
				return nil, err
			}
			lists = append(lists, l)
		}
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].Position < lists[j].Position })
	return lists, nil
}

// fetchCards returns the board's cards in display order, restricted to one
// list when listID is non-empty. This is the neighbour query behind every
// canonical reposition.
func (s *Storage) fetchCards(ctx context.Context, boardID, listID string) ([]domain.Card, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	if listID != "" {
		filter = fmt.Sprintf("PartitionKey eq '%s' and ListId eq '%s'", boardID, listID)
	}
	pager := s.cardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	cards := []domain.Card{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			c, err := decodeCardEntity(e)
			if err != nil {
				return nil, err
			}
			cards = append(cards, c)
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Position < cards[j].Position })
	return cards, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return false
}
