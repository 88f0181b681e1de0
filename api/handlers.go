package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// RoomServer serves the websocket room protocol for authenticated requests.
type RoomServer interface {
	HandleConn(w http.ResponseWriter, r *http.Request)
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, notifier *Notifier, rooms RoomServer, logger *log.Logger) {
	e.GET("/api/boards/:id", getBoard(store, auth))
	e.POST("/api/boards", postBoard(store, auth))
	e.POST("/api/boards/:id/lists", postList(store, auth, notifier))
	e.POST("/api/boards/:id/lists/:listId/cards", postCard(store, auth, notifier))
	e.PATCH("/api/boards/:id/cards/:cardId", patchCard(store, auth, deduper, notifier, logger))
	e.PATCH("/api/boards/:id/lists/:listId", patchList(store, auth, deduper, notifier, logger))
	e.GET("/ws", serveWS(rooms, auth))
	e.GET("/healthz", healthz())
}

type cardResponse struct {
	Card    domain.Card `json:"card"`
	Deduped bool        `json:"deduped,omitempty"`
}

type listResponse struct {
	List    domain.List `json:"list"`
	Deduped bool        `json:"deduped,omitempty"`
}

type createListRequest struct {
	Title string `json:"title"`
}

type createCardRequest struct {
	Title string `json:"title"`
	Notes string `json:"notes,omitempty"`
}

type createBoardRequest struct {
	Title string `json:"title"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func serveWS(rooms RoomServer, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		if _, err := auth.UserIDFromAuthHeader(authHeader); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		rooms.HandleConn(c.Response(), c.Request())
		return nil
	}
}

func getBoard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		snap, err := store.FetchBoard(ctx, c.Param("id"))
		if err != nil {
			var notFound NotFoundError
			if errors.As(err, &notFound) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, snap)
	}
}

func postBoard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		actorID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createBoardRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		board, err := store.CreateBoard(ctx, req.Title, actorID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusCreated, board)
	}
}

func postList(store Storage, auth Authenticator, notifier *Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		actorID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createListRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		boardID := c.Param("id")
		list, err := store.CreateList(ctx, boardID, req.Title)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		notifier.Notify(listEvent(domain.ListCreated, list, actor(c, actorID), nil), c.Request().Header.Get(headerSessionID))
		return c.JSON(http.StatusCreated, list)
	}
}

func postCard(store Storage, auth Authenticator, notifier *Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		actorID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createCardRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		boardID := c.Param("id")
		card, err := store.CreateCard(ctx, boardID, c.Param("listId"), req.Title, req.Notes)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		notifier.Notify(cardEvent(domain.CardCreated, card, actor(c, actorID), nil), c.Request().Header.Get(headerSessionID))
		return c.JSON(http.StatusCreated, card)
	}
}

func patchCard(store Storage, auth Authenticator, deduper Deduper, notifier *Notifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, logger, "/api/boards/:id/cards/:cardId")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		actorID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		var patch domain.CardPatch
		if decodeErr := decodeBody(c, &patch); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.SetIntentForm(patch.DestIndex != nil || patch.DestListID != nil)

		key, fresh := claimIdempotencyKey(ctx, c, deduper, actorID)
		if !fresh {
			metrics.SetDeduped(true)
			err = c.JSON(http.StatusAccepted, cardResponse{Deduped: true})
			return err
		}

		commitStart := time.Now()
		card, sourceListID, updateErr := store.UpdateCard(ctx, c.Param("id"), c.Param("cardId"), patch)
		metrics.ObserveCommit(time.Since(commitStart))
		if updateErr != nil {
			releaseIdempotencyKey(ctx, c, deduper, actorID, key)
			err = mutationError(c, metrics, updateErr)
			return err
		}

		eventType := domain.CardUpdated
		var data any = domain.CardUpdatedData{Title: patch.Title, Notes: patch.Notes}
		if patch.Repositions() {
			eventType = domain.CardMoved
			data = domain.CardMovedData{
				SourceListID:      sourceListID,
				DestinationListID: card.ListID,
				Position:          card.Position,
			}
		}
		notifier.Notify(cardEvent(eventType, card, actor(c, actorID), data), c.Request().Header.Get(headerSessionID))

		err = c.JSON(http.StatusOK, cardResponse{Card: card})
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func patchList(store Storage, auth Authenticator, deduper Deduper, notifier *Notifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, logger, "/api/boards/:id/lists/:listId")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		actorID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		var patch domain.ListPatch
		if decodeErr := decodeBody(c, &patch); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.SetIntentForm(patch.DestIndex != nil)

		key, fresh := claimIdempotencyKey(ctx, c, deduper, actorID)
		if !fresh {
			metrics.SetDeduped(true)
			err = c.JSON(http.StatusAccepted, listResponse{Deduped: true})
			return err
		}

		commitStart := time.Now()
		list, updateErr := store.UpdateList(ctx, c.Param("id"), c.Param("listId"), patch)
		metrics.ObserveCommit(time.Since(commitStart))
		if updateErr != nil {
			releaseIdempotencyKey(ctx, c, deduper, actorID, key)
			err = mutationError(c, metrics, updateErr)
			return err
		}

		eventType := domain.ListUpdated
		var data any = domain.ListUpdatedData{Title: patch.Title}
		if patch.Repositions() {
			eventType = domain.ListMoved
			data = domain.ListMovedData{Position: list.Position}
		}
		notifier.Notify(listEvent(eventType, list, actor(c, actorID), data), c.Request().Header.Get(headerSessionID))

		err = c.JSON(http.StatusOK, listResponse{List: list})
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, patchMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// claimIdempotencyKey records the request's idempotency key. fresh is false
// when the same key was already claimed inside the TTL window, meaning a
// duplicate submission that must be dropped rather than queued. Deduper
// failures fail open: a commit is never blocked by the dedupe layer.
func claimIdempotencyKey(ctx context.Context, c echo.Context, deduper Deduper, actorID string) (string, bool) {
	if deduper == nil {
		return "", true
	}
	key := c.Request().Header.Get(headerIdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	added, err := deduper.Add(ctx, actorID, key)
	if err != nil {
		c.Logger().Warnf("deduper unavailable: %v", err)
		return key, true
	}
	return key, added
}

func releaseIdempotencyKey(ctx context.Context, c echo.Context, deduper Deduper, actorID, key string) {
	if deduper == nil || key == "" {
		return
	}
	if err := deduper.Remove(ctx, actorID, key); err != nil {
		c.Logger().Warnf("deduper release failed: %v", err)
	}
}

func mutationError(c echo.Context, metrics *moveRequestMetrics, err error) error {
	var invalidMove InvalidMoveError
	if errors.As(err, &invalidMove) {
		metrics.SetErrorStage("invalid_move")
		return c.String(http.StatusBadRequest, err.Error())
	}
	var notFound NotFoundError
	if errors.As(err, &notFound) {
		metrics.SetErrorStage("not_found")
		return c.String(http.StatusNotFound, err.Error())
	}
	metrics.SetErrorStage("storage")
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, err.Error())
}

func actor(c echo.Context, actorID string) domain.Actor {
	return domain.Actor{ID: actorID, Name: c.Request().Header.Get(headerActorName)}
}

func cardEvent(eventType string, card domain.Card, actor domain.Actor, data any) domain.Event {
	return domain.Event{
		EntityID:   card.ID,
		EntityType: "card",
		Type:       eventType,
		BoardID:    card.BoardID,
		Data:       marshalEventData(data),
		Actor:      actor,
		Timestamp:  nextTimestamp(),
	}
}

func listEvent(eventType string, list domain.List, actor domain.Actor, data any) domain.Event {
	return domain.Event{
		EntityID:   list.ID,
		EntityType: "list",
		Type:       eventType,
		BoardID:    list.BoardID,
		Data:       marshalEventData(data),
		Actor:      actor,
		Timestamp:  nextTimestamp(),
	}
}

func marshalEventData(data any) sonic.NoCopyRawMessage {
	if data == nil {
		return nil
	}
	buf, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return buf
}
