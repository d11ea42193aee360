package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/domain"
)

const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderConnectionID   = "X-Connection-Id"
	HeaderReplayed       = "Idempotent-Replayed"

	maxBodySize = 64 << 10
	maxKeyLen   = 128
	userIDKey   = "userID"
)

// Boards is the board store as used by the command surface.
type Boards interface {
	CreateBoard(ctx context.Context, actor board.Actor, cmd domain.CreateBoard) (domain.Board, []domain.Bucket, error)
	CreateBucket(ctx context.Context, actor board.Actor, boardID string, cmd domain.CreateBucket) (domain.Bucket, error)
	MoveBucket(ctx context.Context, actor board.Actor, bucketID string, targetIndex int) (domain.Bucket, error)
	Create(ctx context.Context, actor board.Actor, cmd domain.CreateItem) (domain.Item, error)
	Move(ctx context.Context, actor board.Actor, itemID, targetBucketID string, targetIndex int) (domain.Item, error)
	Delete(ctx context.Context, actor board.Actor, itemID string) (bool, error)
	Assign(ctx context.Context, actor board.Actor, itemID, assigneeID string) (domain.Item, error)
	Complete(ctx context.Context, actor board.Actor, itemID string) (domain.Item, error)
	Comment(ctx context.Context, actor board.Actor, itemID string, cmd domain.AddComment) (domain.Comment, error)
	List(bucketID string) ([]domain.Item, error)
	Item(id string) (domain.Item, error)
	Bucket(id string) (domain.Bucket, error)
	Boards() []domain.Board
	Snapshot(boardID string) (domain.BoardState, error)
	Degraded() bool
}

// Notifications is the notification service as used by the command surface.
type Notifications interface {
	ForUser(ctx context.Context, userID string, q domain.NotificationQuery) ([]domain.Notification, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	ClearAll(ctx context.Context, userID string) (int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Authenticator resolves the user behind an Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(h string) (string, error)
}

type handlers struct {
	boards Boards
	notes  Notifications
	dedupe Deduper
	logger *log.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type countResponse struct {
	Count int `json:"count"`
}

type createBoardResponse struct {
	Board   domain.Board    `json:"board"`
	Buckets []domain.Bucket `json:"buckets"`
}

type notificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
}

// Register wires every command and query route. dedupe may be nil, in which
// case idempotency keys are ignored.
func Register(e *echo.Echo, boards Boards, notes Notifications, auth Authenticator, dedupe Deduper, logger *log.Logger) {
	h := &handlers{boards: boards, notes: notes, dedupe: dedupe, logger: logger}

	e.GET("/healthz", h.healthz)

	g := e.Group("/api", authenticate(auth))
	g.POST("/boards", h.createBoard)
	g.GET("/boards", h.listBoards)
	g.GET("/boards/:id", h.snapshot)
	g.POST("/boards/:id/buckets", h.createBucket)
	g.PUT("/buckets/:id/move", h.moveBucket)
	g.GET("/buckets/:id/items", h.listItems)
	g.POST("/items", h.createItem)
	g.GET("/items/:id", h.getItem)
	g.PUT("/items/:id/move", h.moveItem)
	g.DELETE("/items/:id", h.deleteItem)
	g.POST("/items/:id/assign", h.assign)
	g.POST("/items/:id/complete", h.complete)
	g.POST("/items/:id/comments", h.comment)
	g.GET("/notifications", h.notifications)
	g.GET("/notifications/unread-count", h.unreadCount)
	g.POST("/notifications/read", h.markRead)
	g.POST("/notifications/read-all", h.markAllRead)
	g.DELETE("/notifications", h.clearNotifications)
}

func authenticate(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: (&domain.AuthError{Reason: "invalid credential", Err: err}).Error()})
			}
			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

func actor(c echo.Context) board.Actor {
	return board.Actor{UserID: userID(c), Origin: c.Request().Header.Get(HeaderConnectionID)}
}

func bind(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("body", "malformed json")
	}
	return nil
}

func (h *handlers) fail(c echo.Context, err error) error {
	var (
		validation *domain.ValidationError
		auth       *domain.AuthError
		conflict   *domain.ConflictError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &auth):
		status = http.StatusUnauthorized
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	default:
		h.logger.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
		}).Error("request failed")
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

// reply is the outcome of a command: the status and body to send.
type reply struct {
	status int
	body   any
}

func okReply(body any) reply { return reply{status: http.StatusOK, body: body} }
func created(body any) reply { return reply{status: http.StatusCreated, body: body} }

func (h *handlers) send(c echo.Context, r reply) error {
	if r.body == nil {
		return c.NoContent(r.status)
	}
	return c.JSON(r.status, r.body)
}

// once applies a command unless its idempotency key was already claimed by
// the same user. A key whose command succeeded replays the current state; a
// key whose command is still running is a conflict until it finishes. A
// failed command releases its key so the client can retry it.
func (h *handlers) once(c echo.Context, apply, replay func() (reply, error)) error {
	key := c.Request().Header.Get(HeaderIdempotencyKey)
	if len(key) > maxKeyLen {
		return h.fail(c, domain.Invalid(HeaderIdempotencyKey, "too long"))
	}
	if key == "" || h.dedupe == nil {
		r, err := apply()
		if err != nil {
			return h.fail(c, err)
		}
		return h.send(c, r)
	}

	ctx := c.Request().Context()
	user := userID(c)
	claim, err := h.dedupe.Claim(ctx, user, key)
	if err != nil {
		h.logger.WithError(err).WithField("key", key).Warn("idempotency store unavailable; applying without dedupe")
		claim = ClaimFresh
	}
	switch claim {
	case ClaimPending:
		return h.fail(c, domain.Conflict("request", key, "still in progress"))
	case ClaimDone:
		r, err := replay()
		if err != nil {
			return h.fail(c, err)
		}
		c.Response().Header().Set(HeaderReplayed, "true")
		if r.status == http.StatusCreated {
			r.status = http.StatusOK
		}
		return h.send(c, r)
	}

	r, err := apply()
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err != nil {
		if rerr := h.dedupe.Release(dctx, user, key); rerr != nil {
			h.logger.WithError(rerr).WithField("key", key).Warn("release idempotency key")
		}
		return h.fail(c, err)
	}
	if cerr := h.dedupe.Complete(dctx, user, key); cerr != nil {
		h.logger.WithError(cerr).WithField("key", key).Warn("complete idempotency key")
	}
	return h.send(c, r)
}

// keyAsID returns the idempotency key so a replayed create resolves to the
// entity the first attempt created.
func keyAsID(c echo.Context, id string) string {
	if id != "" {
		return id
	}
	return c.Request().Header.Get(HeaderIdempotencyKey)
}

func replayed(entity, id string) error {
	return domain.Conflict(entity, id, "idempotency key already used")
}

func (h *handlers) healthz(c echo.Context) error {
	if h.boards.Degraded() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) createBoard(c echo.Context) error {
	var cmd domain.CreateBoard
	if err := bind(c, &cmd); err != nil {
		return h.fail(c, err)
	}
	cmd.ID = keyAsID(c, cmd.ID)
	return h.once(c, func() (reply, error) {
		b, bks, err := h.boards.CreateBoard(c.Request().Context(), actor(c), cmd)
		if err != nil {
			return reply{}, err
		}
		return created(createBoardResponse{Board: b, Buckets: bks}), nil
	}, func() (reply, error) {
		state, err := h.boards.Snapshot(cmd.ID)
		if err != nil {
			return reply{}, replayed("board", cmd.ID)
		}
		return created(createBoardResponse{Board: state.Board, Buckets: state.Buckets}), nil
	})
}

func (h *handlers) listBoards(c echo.Context) error {
	return c.JSON(http.StatusOK, h.boards.Boards())
}

func (h *handlers) snapshot(c echo.Context) error {
	state, err := h.boards.Snapshot(c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *handlers) createBucket(c echo.Context) error {
	var cmd domain.CreateBucket
	if err := bind(c, &cmd); err != nil {
		return h.fail(c, err)
	}
	cmd.ID = keyAsID(c, cmd.ID)
	boardID := c.Param("id")
	return h.once(c, func() (reply, error) {
		bk, err := h.boards.CreateBucket(c.Request().Context(), actor(c), boardID, cmd)
		if err != nil {
			return reply{}, err
		}
		return created(bk), nil
	}, func() (reply, error) {
		bk, err := h.boards.Bucket(cmd.ID)
		if err != nil {
			return reply{}, replayed("bucket", cmd.ID)
		}
		return created(bk), nil
	})
}

func (h *handlers) moveBucket(c echo.Context) error {
	var cmd domain.MoveBucket
	if err := bind(c, &cmd); err != nil {
		return h.fail(c, err)
	}
	id := c.Param("id")
	return h.once(c, func() (reply, error) {
		bk, err := h.boards.MoveBucket(c.Request().Context(), actor(c), id, cmd.TargetIndex)
		if err != nil {
			return reply{}, err
		}
		return okReply(bk), nil
	}, func() (reply, error) {
		bk, err := h.boards.Bucket(id)
		if err != nil {
			return reply{}, err
		}
		return okReply(bk), nil
	})
}

func (h *handlers) listItems(c echo.Context) error {
	items, err := h.boards.List(c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *handlers) createItem(c echo.Context) error {
	var cmd domain.CreateItem
	if err := bind(c, &cmd); err != nil {
		return h.fail(c, err)
	}
	cmd.ID = keyAsID(c, cmd.ID)
	return h.once(c, func() (reply, error) {
		it, err := h.boards.Create(c.Request().Context(), actor(c), cmd)
		if err != nil {
			return reply{}, err
		}
		return created(it), nil
	}, func() (reply, error) {
		it, err := h.boards.Item(cmd.ID)
		if err != nil {
			return reply{}, replayed("item", cmd.ID)
		}
		return created(it), nil
	})
}

func (h *handlers) getItem(c echo.Context) error {
	it, err := h.boards.Item(c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *handlers) currentItem(id string) func() (reply, error) {
	return func() (reply, error) {
		it, err := h.boards.Item(id)
		if err != nil {
			return reply{}, err
		}
		return okReply(it), nil
	}
}

func (h *handlers) moveItem(c echo.Context) error {
	var cmd domain.MoveItem
	if err := bind(c, &cmd); err != nil {
		return h.fail(c, err)
	}
	id := c.Param("id")
	return h.once(c, func() (reply, error) {
		it, err := h.boards.Move(c.Request().Context(), actor(c), id, cmd.TargetBucketID, cmd.TargetIndex)
		if err != nil {
			return reply{}, err
		}
		return okReply(it), nil
	}, h.currentItem(id))
}

func (h *handlers) deleteItem(c echo.Context) error {
	id := c.Param("id")
	return h.once(c, func() (reply, error) {
		deleted, err := h.boards.Delete(c.Request().Context(), actor(c), id)
		if err != nil {
			return reply{}, err
		}
		if !deleted {
			return reply{}, domain.ErrNotFound
		}
		return reply{status: http.StatusNoContent}, nil
	}, func() (reply, error) {
		return reply{status: http.StatusNoContent}, nil
	})
}

func (h *handlers) assign(c echo.Context) error {
	var cmd domain.AssignItem
	if err := bind(c, &cmd); err != nil {
		return h.fail(c, err)
	}
	id := c.Param("id")
	return h.once(c, func() (reply, error) {
		it, err := h.boards.Assign(c.Request().Context(), actor(c), id, cmd.AssigneeID)
		if err != nil {
			return reply{}, err
		}
		return okReply(it), nil
	}, h.currentItem(id))
}

func (h *handlers) complete(c echo.Context) error {
	id := c.Param("id")
	return h.once(c, func() (reply, error) {
		it, err := h.boards.Complete(c.Request().Context(), actor(c), id)
		if err != nil {
			return reply{}, err
		}
		return okReply(it), nil
	}, h.currentItem(id))
}

func (h *handlers) comment(c echo.Context) error {
	var cmd domain.AddComment
	if err := bind(c, &cmd); err != nil {
		return h.fail(c, err)
	}
	id := c.Param("id")
	return h.once(c, func() (reply, error) {
		cm, err := h.boards.Comment(c.Request().Context(), actor(c), id, cmd)
		if err != nil {
			return reply{}, err
		}
		return created(cm), nil
	}, func() (reply, error) {
		return reply{status: http.StatusNoContent}, nil
	})
}

func (h *handlers) notifications(c echo.Context) error {
	var q domain.NotificationQuery
	var err error
	if v := c.QueryParam("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit <= 0 {
			return h.fail(c, domain.Invalid("limit", "must be a positive integer"))
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil || q.Offset < 0 {
			return h.fail(c, domain.Invalid("offset", "must not be negative"))
		}
	}
	if v := c.QueryParam("unread"); v != "" {
		if q.UnreadOnly, err = strconv.ParseBool(v); err != nil {
			return h.fail(c, domain.Invalid("unread", "must be a boolean"))
		}
	}
	ns, err := h.notes.ForUser(c.Request().Context(), userID(c), q)
	if err != nil {
		return h.fail(c, err)
	}
	if ns == nil {
		ns = []domain.Notification{}
	}
	return c.JSON(http.StatusOK, notificationsResponse{Notifications: ns})
}

func (h *handlers) unreadCount(c echo.Context) error {
	n, err := h.notes.UnreadCount(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, countResponse{Count: n})
}

func (h *handlers) markRead(c echo.Context) error {
	var cmd domain.MarkRead
	if err := bind(c, &cmd); err != nil {
		return h.fail(c, err)
	}
	if len(cmd.IDs) == 0 {
		return h.fail(c, domain.Invalid("ids", "required"))
	}
	n, err := h.notes.MarkRead(c.Request().Context(), userID(c), cmd.IDs)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, countResponse{Count: n})
}

func (h *handlers) markAllRead(c echo.Context) error {
	n, err := h.notes.MarkAllRead(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, countResponse{Count: n})
}

func (h *handlers) clearNotifications(c echo.Context) error {
	n, err := h.notes.ClearAll(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, countResponse{Count: n})
}
