package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-board/domain"
	"prism-board/metrics"
	"prism-board/storage"
)

const tracerName = "prism-board/board"

// Emitter receives the events of accepted mutations.
type Emitter interface {
	Emit(ev domain.Event) domain.Event
	LastSeq() uint64
}

// Actor identifies who issued a mutation and from which connection.
type Actor struct {
	UserID string
	Origin string
}

type boardState struct {
	mu      sync.RWMutex
	board   domain.Board
	buckets map[string]domain.Bucket
	items   map[string]domain.Item
}

func newBoardState(b domain.Board) *boardState {
	return &boardState{
		board:   b,
		buckets: make(map[string]domain.Bucket),
		items:   make(map[string]domain.Item),
	}
}

func (bs *boardState) sortedBuckets() []domain.Bucket {
	out := make([]domain.Bucket, 0, len(bs.buckets))
	for _, bk := range bs.buckets {
		out = append(out, bk)
	}
	sortBuckets(out)
	return out
}

func (bs *boardState) bucketItems(bucketID string) []domain.Item {
	var out []domain.Item
	for _, it := range bs.items {
		if it.BucketID == bucketID {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out
}

func (bs *boardState) apply(b storage.Batch) {
	for _, bd := range b.Boards {
		bs.board = bd
	}
	for _, bk := range b.Buckets {
		bs.buckets[bk.ID] = bk
	}
	for _, it := range b.Items {
		bs.items[it.ID] = it
	}
	for _, it := range b.DeletedItems {
		delete(bs.items, it.ID)
	}
}

// Store owns the canonical order of every item and bucket. Mutations of one
// board are serialized by that board's lock; each mutation is persisted
// before it becomes visible in memory and before its event is emitted.
type Store struct {
	repo    storage.BoardRepository
	bus     Emitter
	logger  *log.Logger
	tracer  trace.Tracer
	timeout time.Duration
	now     func() time.Time

	mu          sync.RWMutex
	boards      map[string]*boardState
	bucketIndex map[string]string
	itemIndex   map[string]string

	degraded atomic.Bool
}

// New creates an empty Store. Call Load to restore persisted state.
func New(repo storage.BoardRepository, bus Emitter, logger *log.Logger, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		repo:        repo,
		bus:         bus,
		logger:      logger,
		tracer:      otel.Tracer(tracerName),
		timeout:     timeout,
		now:         func() time.Time { return time.Now().UTC() },
		boards:      make(map[string]*boardState),
		bucketIndex: make(map[string]string),
		itemIndex:   make(map[string]string),
	}
}

// Degraded reports whether the most recent persistence attempt failed.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

func (s *Store) setDegraded(v bool) {
	if s.degraded.Swap(v) != v {
		if v {
			metrics.StoreDegraded.Set(1)
		} else {
			metrics.StoreDegraded.Set(0)
		}
	}
}

// Load replaces in-memory state with the repository contents. Positions
// are repaired so that no bucket holds duplicates, and repairs are written
// back.
func (s *Store) Load(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "board.load")
	defer span.End()

	snap, err := s.repo.Load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: load boards: %v", domain.ErrStorageUnavailable, err)
	}

	boards := make(map[string]*boardState, len(snap.Boards))
	bucketIndex := make(map[string]string, len(snap.Buckets))
	itemIndex := make(map[string]string, len(snap.Items))
	for _, b := range snap.Boards {
		boards[b.ID] = newBoardState(b)
	}

	byBoard := map[string][]domain.Bucket{}
	for _, bk := range snap.Buckets {
		if _, ok := boards[bk.BoardID]; !ok {
			s.logger.WithFields(log.Fields{"bucket_id": bk.ID, "board_id": bk.BoardID}).Warn("skipping bucket of unknown board")
			continue
		}
		byBoard[bk.BoardID] = append(byBoard[bk.BoardID], bk)
	}
	var repair storage.Batch
	for boardID, bks := range byBoard {
		repair.Buckets = append(repair.Buckets, repairBuckets(bks)...)
		for _, bk := range bks {
			boards[boardID].buckets[bk.ID] = bk
			bucketIndex[bk.ID] = boardID
		}
	}

	byBucket := map[string][]domain.Item{}
	for _, it := range snap.Items {
		boardID, ok := bucketIndex[it.BucketID]
		if !ok || boardID != it.BoardID {
			s.logger.WithFields(log.Fields{"item_id": it.ID, "bucket_id": it.BucketID}).Warn("skipping item of unknown bucket")
			continue
		}
		byBucket[it.BucketID] = append(byBucket[it.BucketID], it)
	}
	now := s.now()
	for _, items := range byBucket {
		fixed := repairItems(items)
		for i := range fixed {
			fixed[i].Version++
			fixed[i].UpdatedAt = now
		}
		repair.Items = append(repair.Items, fixed...)
		for _, it := range items {
			boards[it.BoardID].items[it.ID] = it
			itemIndex[it.ID] = it.BoardID
		}
	}
	for _, it := range repair.Items {
		boards[it.BoardID].items[it.ID] = it
	}

	if !repair.Empty() {
		s.logger.WithFields(log.Fields{"buckets": len(repair.Buckets), "items": len(repair.Items)}).Warn("repairing duplicate positions")
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.repo.Apply(pctx, repair)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: write position repair: %v", domain.ErrStorageUnavailable, err)
		}
	}

	s.mu.Lock()
	s.boards = boards
	s.bucketIndex = bucketIndex
	s.itemIndex = itemIndex
	s.mu.Unlock()
	s.setDegraded(false)

	s.logger.WithFields(log.Fields{
		"boards":  len(snap.Boards),
		"buckets": len(bucketIndex),
		"items":   len(itemIndex),
	}).Info("board state loaded")
	return nil
}

func (s *Store) board(id string) (*boardState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bs, ok := s.boards[id]
	return bs, ok
}

func (s *Store) boardOfBucket(bucketID string) (*boardState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bs, ok := s.boards[s.bucketIndex[bucketID]]
	return bs, ok
}

func (s *Store) boardOfItem(itemID string) (*boardState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bs, ok := s.boards[s.itemIndex[itemID]]
	return bs, ok
}

// lock takes the board's write lock. A request cancelled while waiting is
// not accepted.
func lock(ctx context.Context, bs *boardState) error {
	bs.mu.Lock()
	if err := ctx.Err(); err != nil {
		bs.mu.Unlock()
		return err
	}
	return nil
}

// commit persists the write set and then makes it visible. Once called the
// mutation is no longer cancellable; only the persistence timeout applies.
func (s *Store) commit(ctx context.Context, bs *boardState, b storage.Batch) error {
	if !b.Empty() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		err := s.repo.Apply(pctx, b)
		cancel()
		if err != nil {
			s.setDegraded(true)
			s.logger.WithError(err).WithField("board_id", bs.board.ID).Error("persist board mutation")
			return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		s.setDegraded(false)
	}
	bs.apply(b)

	s.mu.Lock()
	for _, bk := range b.Buckets {
		s.bucketIndex[bk.ID] = bk.BoardID
	}
	for _, it := range b.Items {
		s.itemIndex[it.ID] = it.BoardID
	}
	for _, it := range b.DeletedItems {
		delete(s.itemIndex, it.ID)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) emit(actor Actor, p domain.Payload) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(domain.NewEvent(actor.UserID, actor.Origin, p))
}

func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "board."+op, trace.WithAttributes(attrs...))
	timer := prometheus.NewTimer(metrics.MutationDuration.WithLabelValues(op))
	return ctx, func(err error) {
		timer.ObserveDuration()
		result := "ok"
		if err != nil {
			result = errorResult(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.MutationsTotal.WithLabelValues(op, result).Inc()
		span.End()
	}
}

func errorResult(err error) string {
	var conflict *domain.ConflictError
	var invalid *domain.ValidationError
	switch {
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &invalid):
		return "invalid"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage"
	}
	return "error"
}

// CreateBoard creates a board with the default buckets.
func (s *Store) CreateBoard(ctx context.Context, actor Actor, cmd domain.CreateBoard) (domain.Board, []domain.Bucket, error) {
	ctx, done := s.start(ctx, "create_board")
	b, bks, err := s.createBoard(ctx, actor, cmd)
	done(err)
	return b, bks, err
}

func (s *Store) createBoard(ctx context.Context, actor Actor, cmd domain.CreateBoard) (domain.Board, []domain.Bucket, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Board{}, nil, err
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.board(id); exists {
		return domain.Board{}, nil, domain.Conflict("board", id, "already exists")
	}
	now := s.now()
	b := domain.Board{ID: id, Name: cmd.Name, Description: cmd.Description, OwnerID: actor.UserID, CreatedAt: now, UpdatedAt: now}
	bks := make([]domain.Bucket, len(domain.DefaultBuckets))
	for i, name := range domain.DefaultBuckets {
		bks[i] = domain.Bucket{ID: uuid.NewString(), BoardID: id, Name: name, Position: i, CreatedAt: now}
	}

	// the board stays invisible to readers until commit applies it
	bs := newBoardState(domain.Board{})
	if err := lock(ctx, bs); err != nil {
		return domain.Board{}, nil, err
	}
	defer bs.mu.Unlock()

	s.mu.Lock()
	if _, exists := s.boards[id]; exists {
		s.mu.Unlock()
		return domain.Board{}, nil, domain.Conflict("board", id, "already exists")
	}
	// reserve the id so a racing create with the same id conflicts
	s.boards[id] = bs
	s.mu.Unlock()

	if err := s.commit(ctx, bs, storage.Batch{Boards: []domain.Board{b}, Buckets: bks}); err != nil {
		s.mu.Lock()
		delete(s.boards, id)
		s.mu.Unlock()
		return domain.Board{}, nil, err
	}
	s.emit(actor, domain.BoardCreated{Board: b, Buckets: bks})
	return b, bks, nil
}

// CreateBucket adds a bucket to a board. A nil index appends.
func (s *Store) CreateBucket(ctx context.Context, actor Actor, boardID string, cmd domain.CreateBucket) (domain.Bucket, error) {
	ctx, done := s.start(ctx, "create_bucket", attribute.String("board.id", boardID))
	bk, err := s.createBucket(ctx, actor, boardID, cmd)
	done(err)
	return bk, err
}

func (s *Store) createBucket(ctx context.Context, actor Actor, boardID string, cmd domain.CreateBucket) (domain.Bucket, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Bucket{}, err
	}
	bs, ok := s.board(boardID)
	if !ok {
		return domain.Bucket{}, domain.Conflict("board", boardID, "does not exist")
	}
	if err := lock(ctx, bs); err != nil {
		return domain.Bucket{}, err
	}
	defer bs.mu.Unlock()
	if bs.board.ID == "" {
		return domain.Bucket{}, domain.Conflict("board", boardID, "does not exist")
	}

	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.boardOfBucket(id); exists {
		return domain.Bucket{}, domain.Conflict("bucket", id, "already exists")
	}
	now := s.now()
	siblings := bs.sortedBuckets()
	bk := domain.Bucket{ID: id, BoardID: boardID, Name: cmd.Name, CreatedAt: now}
	var batch storage.Batch
	if cmd.Index == nil {
		bk.Position = nextBucketPosition(siblings)
	} else {
		bk.Position = *cmd.Index
		batch.Buckets = shiftBuckets(siblings, bk.Position, -1, "")
	}
	batch.Buckets = append(batch.Buckets, bk)
	if err := s.commit(ctx, bs, batch); err != nil {
		return domain.Bucket{}, err
	}
	s.emit(actor, domain.BucketCreated{Bucket: bk})
	return bk, nil
}

// MoveBucket reorders a bucket within its board using the same shift rule
// as Move.
func (s *Store) MoveBucket(ctx context.Context, actor Actor, bucketID string, targetIndex int) (domain.Bucket, error) {
	ctx, done := s.start(ctx, "move_bucket", attribute.String("bucket.id", bucketID), attribute.Int("target.index", targetIndex))
	bk, err := s.moveBucket(ctx, actor, bucketID, targetIndex)
	done(err)
	return bk, err
}

func (s *Store) moveBucket(ctx context.Context, actor Actor, bucketID string, targetIndex int) (domain.Bucket, error) {
	if targetIndex < 0 {
		return domain.Bucket{}, domain.Invalid("targetIndex", "must not be negative")
	}
	bs, ok := s.boardOfBucket(bucketID)
	if !ok {
		return domain.Bucket{}, domain.Conflict("bucket", bucketID, "does not exist")
	}
	if err := lock(ctx, bs); err != nil {
		return domain.Bucket{}, err
	}
	defer bs.mu.Unlock()

	bk, ok := bs.buckets[bucketID]
	if !ok {
		return domain.Bucket{}, domain.Conflict("bucket", bucketID, "does not exist")
	}
	from := bk.Position
	var batch storage.Batch
	if bk.Position != targetIndex {
		batch.Buckets = shiftBuckets(bs.sortedBuckets(), targetIndex, from, bk.ID)
		bk.Position = targetIndex
		batch.Buckets = append(batch.Buckets, bk)
	}
	if err := s.commit(ctx, bs, batch); err != nil {
		return domain.Bucket{}, err
	}
	s.emit(actor, domain.BucketMoved{Bucket: bk, FromPosition: from})
	return bk, nil
}

// Create inserts a new item. A nil index appends after the last item of the
// bucket; an explicit index shifts items at or past it.
func (s *Store) Create(ctx context.Context, actor Actor, cmd domain.CreateItem) (domain.Item, error) {
	ctx, done := s.start(ctx, "create", attribute.String("bucket.id", cmd.BucketID))
	it, err := s.create(ctx, actor, cmd)
	done(err)
	return it, err
}

func (s *Store) create(ctx context.Context, actor Actor, cmd domain.CreateItem) (domain.Item, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Item{}, err
	}
	bs, ok := s.boardOfBucket(cmd.BucketID)
	if !ok {
		return domain.Item{}, domain.Conflict("bucket", cmd.BucketID, "does not exist")
	}
	if err := lock(ctx, bs); err != nil {
		return domain.Item{}, err
	}
	defer bs.mu.Unlock()

	if _, ok := bs.buckets[cmd.BucketID]; !ok {
		return domain.Item{}, domain.Conflict("bucket", cmd.BucketID, "does not exist")
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.boardOfItem(id); exists {
		return domain.Item{}, domain.Conflict("item", id, "already exists")
	}
	now := s.now()
	it := domain.Item{
		ID:          id,
		BoardID:     bs.board.ID,
		BucketID:    cmd.BucketID,
		Title:       cmd.Title,
		Description: cmd.Description,
		Priority:    cmd.Priority,
		CreatorID:   actor.UserID,
		AssigneeID:  cmd.AssigneeID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	siblings := bs.bucketItems(cmd.BucketID)
	var batch storage.Batch
	if cmd.Index == nil {
		it.Position = nextItemPosition(siblings)
	} else {
		it.Position = *cmd.Index
		batch.Items = shiftItems(siblings, it.Position, -1, "", now)
	}
	batch.Items = append(batch.Items, it)
	if err := s.commit(ctx, bs, batch); err != nil {
		return domain.Item{}, err
	}
	s.emit(actor, domain.ItemCreated{Item: it})
	return it, nil
}

// Move places an item at targetIndex of targetBucketID. Coming from another
// bucket, every item of the target bucket at or past targetIndex moves up by
// one. Within a bucket only the items between the old and new position move,
// one step toward the slot the item left. Moving an item to the position it
// already holds changes nothing but still emits ItemMoved.
func (s *Store) Move(ctx context.Context, actor Actor, itemID, targetBucketID string, targetIndex int) (domain.Item, error) {
	ctx, done := s.start(ctx, "move",
		attribute.String("item.id", itemID),
		attribute.String("bucket.id", targetBucketID),
		attribute.Int("target.index", targetIndex),
	)
	it, err := s.move(ctx, actor, itemID, targetBucketID, targetIndex)
	done(err)
	return it, err
}

func (s *Store) move(ctx context.Context, actor Actor, itemID, targetBucketID string, targetIndex int) (domain.Item, error) {
	if err := (domain.MoveItem{TargetBucketID: targetBucketID, TargetIndex: targetIndex}).Validate(); err != nil {
		return domain.Item{}, err
	}
	bs, ok := s.boardOfItem(itemID)
	if !ok {
		return domain.Item{}, domain.Conflict("item", itemID, "does not exist")
	}
	if err := lock(ctx, bs); err != nil {
		return domain.Item{}, err
	}
	defer bs.mu.Unlock()

	it, ok := bs.items[itemID]
	if !ok {
		return domain.Item{}, domain.Conflict("item", itemID, "does not exist")
	}
	if _, ok := bs.buckets[targetBucketID]; !ok {
		return domain.Item{}, domain.Conflict("bucket", targetBucketID, "does not exist on board "+bs.board.ID)
	}
	fromBucket, fromPos := it.BucketID, it.Position
	var batch storage.Batch
	if fromBucket != targetBucketID || fromPos != targetIndex {
		now := s.now()
		from := -1
		if fromBucket == targetBucketID {
			from = fromPos
		}
		batch.Items = shiftItems(bs.bucketItems(targetBucketID), targetIndex, from, it.ID, now)
		it.BucketID = targetBucketID
		it.Position = targetIndex
		it.Version++
		it.UpdatedAt = now
		batch.Items = append(batch.Items, it)
	}
	if err := s.commit(ctx, bs, batch); err != nil {
		return domain.Item{}, err
	}
	s.emit(actor, domain.ItemMoved{Item: it, FromBucketID: fromBucket, FromPosition: fromPos})
	return it, nil
}

// Delete removes an item. It reports false when the item does not exist.
// Sibling positions are left as they are.
func (s *Store) Delete(ctx context.Context, actor Actor, itemID string) (bool, error) {
	ctx, done := s.start(ctx, "delete", attribute.String("item.id", itemID))
	ok, err := s.delete(ctx, actor, itemID)
	done(err)
	return ok, err
}

func (s *Store) delete(ctx context.Context, actor Actor, itemID string) (bool, error) {
	bs, ok := s.boardOfItem(itemID)
	if !ok {
		return false, nil
	}
	if err := lock(ctx, bs); err != nil {
		return false, err
	}
	defer bs.mu.Unlock()

	it, ok := bs.items[itemID]
	if !ok {
		return false, nil
	}
	if err := s.commit(ctx, bs, storage.Batch{DeletedItems: []domain.Item{it}}); err != nil {
		return false, err
	}
	s.emit(actor, domain.ItemDeleted{Item: it})
	return true, nil
}

// update applies fn to an item under its board lock, persists the result
// and emits the payload fn returns.
func (s *Store) update(ctx context.Context, actor Actor, itemID string, fn func(*domain.Item) domain.Payload) (domain.Item, error) {
	bs, ok := s.boardOfItem(itemID)
	if !ok {
		return domain.Item{}, domain.Conflict("item", itemID, "does not exist")
	}
	if err := lock(ctx, bs); err != nil {
		return domain.Item{}, err
	}
	defer bs.mu.Unlock()

	it, ok := bs.items[itemID]
	if !ok {
		return domain.Item{}, domain.Conflict("item", itemID, "does not exist")
	}
	p := fn(&it)
	if err := s.commit(ctx, bs, storage.Batch{Items: []domain.Item{it}}); err != nil {
		return domain.Item{}, err
	}
	s.emit(actor, p)
	return it, nil
}

// Assign sets or clears the assignee of an item.
func (s *Store) Assign(ctx context.Context, actor Actor, itemID, assigneeID string) (domain.Item, error) {
	ctx, done := s.start(ctx, "assign", attribute.String("item.id", itemID))
	it, err := s.update(ctx, actor, itemID, func(it *domain.Item) domain.Payload {
		prev := it.AssigneeID
		it.AssigneeID = assigneeID
		it.Version++
		it.UpdatedAt = s.now()
		return domain.ItemAssigned{Item: *it, PreviousAssigneeID: prev}
	})
	done(err)
	return it, err
}

// Complete marks an item done.
func (s *Store) Complete(ctx context.Context, actor Actor, itemID string) (domain.Item, error) {
	ctx, done := s.start(ctx, "complete", attribute.String("item.id", itemID))
	it, err := s.update(ctx, actor, itemID, func(it *domain.Item) domain.Payload {
		it.Done = true
		it.Version++
		it.UpdatedAt = s.now()
		return domain.ItemCompleted{Item: *it}
	})
	done(err)
	return it, err
}

// Comment records a comment on an item. Only the event carries the comment;
// the item is touched so its version reflects the activity.
func (s *Store) Comment(ctx context.Context, actor Actor, itemID string, cmd domain.AddComment) (domain.Comment, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Comment{}, err
	}
	ctx, done := s.start(ctx, "comment", attribute.String("item.id", itemID))
	var c domain.Comment
	_, err := s.update(ctx, actor, itemID, func(it *domain.Item) domain.Payload {
		now := s.now()
		c = domain.Comment{ID: uuid.NewString(), ItemID: it.ID, AuthorID: actor.UserID, Body: cmd.Body, CreatedAt: now}
		it.Version++
		it.UpdatedAt = now
		return domain.CommentAdded{Item: *it, Comment: c}
	})
	done(err)
	if err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

// List returns the items of a bucket ordered by position.
func (s *Store) List(bucketID string) ([]domain.Item, error) {
	bs, ok := s.boardOfBucket(bucketID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if _, ok := bs.buckets[bucketID]; !ok {
		return nil, domain.ErrNotFound
	}
	items := bs.bucketItems(bucketID)
	if items == nil {
		items = []domain.Item{}
	}
	return items, nil
}

// Item returns one item.
func (s *Store) Item(id string) (domain.Item, error) {
	bs, ok := s.boardOfItem(id)
	if !ok {
		return domain.Item{}, domain.ErrNotFound
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	it, ok := bs.items[id]
	if !ok {
		return domain.Item{}, domain.ErrNotFound
	}
	return it, nil
}

// Bucket returns one bucket.
func (s *Store) Bucket(id string) (domain.Bucket, error) {
	bs, ok := s.boardOfBucket(id)
	if !ok {
		return domain.Bucket{}, domain.ErrNotFound
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	bk, ok := bs.buckets[id]
	if !ok {
		return domain.Bucket{}, domain.ErrNotFound
	}
	return bk, nil
}

// Boards lists every board, oldest first.
func (s *Store) Boards() []domain.Board {
	s.mu.RLock()
	states := make([]*boardState, 0, len(s.boards))
	for _, bs := range s.boards {
		states = append(states, bs)
	}
	s.mu.RUnlock()

	out := make([]domain.Board, 0, len(states))
	for _, bs := range states {
		bs.mu.RLock()
		if bs.board.ID != "" {
			out = append(out, bs.board)
		}
		bs.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns the full state of a board. Seq is the sequence of the
// last event emitted before the snapshot was taken; no event of this board
// with a higher sequence is reflected in it.
func (s *Store) Snapshot(boardID string) (domain.BoardState, error) {
	bs, ok := s.board(boardID)
	if !ok {
		return domain.BoardState{}, domain.ErrNotFound
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.board.ID == "" {
		return domain.BoardState{}, domain.ErrNotFound
	}
	state := domain.BoardState{
		Board:   bs.board,
		Buckets: bs.sortedBuckets(),
		Items:   make([]domain.Item, 0, len(bs.items)),
	}
	for _, bk := range state.Buckets {
		state.Items = append(state.Items, bs.bucketItems(bk.ID)...)
	}
	if s.bus != nil {
		state.Seq = s.bus.LastSeq()
	}
	return state, nil
}
