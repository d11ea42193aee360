package syncagent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

type fakeStream struct {
	in     chan domain.InboundMessage
	sent   chan domain.ChangeMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:     make(chan domain.InboundMessage, 16),
		sent:   make(chan domain.ChangeMessage, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Recv() (domain.InboundMessage, error) {
	select {
	case msg := <-s.in:
		return msg, nil
	case <-s.closed:
		return domain.InboundMessage{}, io.EOF
	}
}

func (s *fakeStream) Send(msg domain.ChangeMessage) error {
	select {
	case s.sent <- msg:
	default:
	}
	return nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDialer struct {
	streams chan *fakeStream
}

func (d *fakeDialer) Dial(ctx context.Context) (Stream, error) {
	select {
	case s := <-d.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeCommands struct {
	mu      sync.Mutex
	state   domain.BoardState
	moveErr error
	// gate, when set, holds commands until closed.
	gate  chan struct{}
	moves int
}

func (c *fakeCommands) wait(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeCommands) Snapshot(ctx context.Context, boardID string) (domain.BoardState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Board.ID != boardID {
		return domain.BoardState{}, domain.ErrNotFound
	}
	state := c.state
	state.Items = append([]domain.Item(nil), c.state.Items...)
	return state, nil
}

func (c *fakeCommands) Create(ctx context.Context, m Meta, cmd domain.CreateItem) (domain.Item, error) {
	if err := c.wait(ctx); err != nil {
		return domain.Item{}, err
	}
	return domain.Item{ID: cmd.ID, BoardID: "b1", BucketID: cmd.BucketID, Title: cmd.Title, Version: 1}, nil
}

func (c *fakeCommands) Move(ctx context.Context, m Meta, itemID string, cmd domain.MoveItem) (domain.Item, error) {
	if err := c.wait(ctx); err != nil {
		return domain.Item{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moves++
	if c.moveErr != nil {
		return domain.Item{}, c.moveErr
	}
	for _, it := range c.state.Items {
		if it.ID == itemID {
			it.BucketID = cmd.TargetBucketID
			it.Position = cmd.TargetIndex
			it.Version++
			return it, nil
		}
	}
	return domain.Item{}, domain.Conflict("item", itemID, "does not exist")
}

func (c *fakeCommands) Delete(ctx context.Context, m Meta, itemID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return domain.ErrNotFound
}

func boardState(seq uint64) domain.BoardState {
	return domain.BoardState{
		Board: domain.Board{ID: "b1", Name: "Board"},
		Buckets: []domain.Bucket{
			{ID: "todo", BoardID: "b1", Name: "To Do", Position: 0},
			{ID: "done", BoardID: "b1", Name: "Done", Position: 1},
		},
		Items: []domain.Item{
			{ID: "i1", BoardID: "b1", BucketID: "todo", Position: 0, Title: "one", Version: 1},
			{ID: "i2", BoardID: "b1", BucketID: "todo", Position: 1, Title: "two", Version: 1},
			{ID: "i3", BoardID: "b1", BucketID: "done", Position: 0, Title: "three", Version: 1},
		},
		Seq: seq,
	}
}

func push(t *testing.T, typ domain.MessageType, seq uint64, payload any) domain.InboundMessage {
	t.Helper()
	raw, err := sonic.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return domain.InboundMessage{Type: typ, Seq: seq, Payload: raw}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ids(items []domain.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func equalIDs(got []domain.Item, want ...string) bool {
	g := ids(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

type harness struct {
	agent  *Agent
	dialer *fakeDialer
	cmds   *fakeCommands
	seen   chan domain.InboundMessage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{streams: make(chan *fakeStream, 4)},
		cmds:   &fakeCommands{state: boardState(10)},
		seen:   make(chan domain.InboundMessage, 64),
	}
	h.agent = New(Config{
		BoardID:        "b1",
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		CommandTimeout: time.Second,
		OnMessage:      func(msg domain.InboundMessage) { h.seen <- msg },
	}, h.dialer, h.cmds, log.New())
	t.Cleanup(h.agent.Close)
	return h
}

// connect hands the agent a stream and waits for the snapshot.
func (h *harness) connect(t *testing.T) *fakeStream {
	t.Helper()
	s := newFakeStream()
	h.dialer.streams <- s
	h.agent.Start()
	waitFor(t, "snapshot", h.agent.Synced)
	return s
}

// deliver sends msg and waits for the agent to have processed it.
func (h *harness) deliver(t *testing.T, s *fakeStream, msg domain.InboundMessage) {
	t.Helper()
	s.in <- msg
	select {
	case <-h.seen:
	case <-time.After(3 * time.Second):
		t.Fatalf("agent did not process %s", msg.Type)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	a := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, nil, nil, log.New())
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := a.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}

	a = New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}, nil, nil, log.New())
	for range 200 {
		d := a.backoff(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%%", d)
		}
	}
}

func TestAgentAppliesSnapshotThenPushes(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)
	if h.agent.State() != StateConnected {
		t.Fatalf("expected connected, got %s", h.agent.State())
	}
	if !equalIDs(h.agent.Items("todo"), "i1", "i2") {
		t.Fatalf("unexpected snapshot order: %v", ids(h.agent.Items("todo")))
	}

	moved := domain.Item{ID: "i3", BoardID: "b1", BucketID: "todo", Position: 0, Title: "three", Version: 2}
	h.deliver(t, s, push(t, domain.MsgItemMoved, 11, domain.ItemMoved{Item: moved, FromBucketID: "done"}))
	if !equalIDs(h.agent.Items("todo"), "i3", "i1", "i2") {
		t.Fatalf("expected i3 shifted in front, got %v", ids(h.agent.Items("todo")))
	}
	if it, _ := h.agent.Item("i1"); it.Position != 1 || it.Version != 2 {
		t.Fatalf("sibling should be shifted like the server does, got %+v", it)
	}

	h.deliver(t, s, push(t, domain.MsgItemDeleted, 12, domain.ItemDeletedPayload{ItemID: "i2", BoardID: "b1", BucketID: "todo"}))
	if !equalIDs(h.agent.Items("todo"), "i3", "i1") {
		t.Fatalf("expected i2 removed, got %v", ids(h.agent.Items("todo")))
	}

	h.deliver(t, s, push(t, domain.MsgBucketCreated, 13, domain.Bucket{ID: "review", BoardID: "b1", Name: "Review", Position: 1}))
	if bks := h.agent.Buckets(); len(bks) != 3 || bks[1].ID != "review" || bks[2].Position != 2 {
		t.Fatalf("expected review inserted before done, got %+v", bks)
	}

	h.deliver(t, s, domain.InboundMessage{Type: domain.MsgPing})
	select {
	case msg := <-s.sent:
		if msg.Type != domain.MsgPong {
			t.Fatalf("expected pong, got %s", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("ping was not answered")
	}
}

func TestAgentDropsStaleAndForeignPushes(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	old := domain.Item{ID: "i1", BoardID: "b1", BucketID: "done", Position: 0, Version: 5}
	h.deliver(t, s, push(t, domain.MsgItemMoved, 9, domain.ItemMoved{Item: old}))
	if it, _ := h.agent.Item("i1"); it.BucketID != "todo" {
		t.Fatalf("push older than the snapshot must be dropped, got %+v", it)
	}

	sameVersion := domain.Item{ID: "i1", BoardID: "b1", BucketID: "done", Position: 0, Version: 1}
	h.deliver(t, s, push(t, domain.MsgItemAssigned, 11, sameVersion))
	if it, _ := h.agent.Item("i1"); it.BucketID != "todo" {
		t.Fatalf("push without a newer version must be dropped, got %+v", it)
	}

	foreign := domain.Item{ID: "x1", BoardID: "b2", BucketID: "elsewhere", Version: 1}
	h.deliver(t, s, push(t, domain.MsgItemCreated, 12, foreign))
	if _, ok := h.agent.Item("x1"); ok {
		t.Fatalf("push of another board must be ignored")
	}
	if got := h.agent.Snapshot().Seq; got != 11 {
		t.Fatalf("another board's sequence must not advance ours, got %d", got)
	}
}

func TestOtherBoardSequenceDoesNotHideOwnPushes(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	// boards emit under separate locks, so a later number of another board
	// can arrive first
	foreign := domain.Item{ID: "x1", BoardID: "b2", BucketID: "elsewhere", Version: 1}
	h.deliver(t, s, push(t, domain.MsgItemCreated, 12, foreign))
	moved := domain.Item{ID: "i3", BoardID: "b1", BucketID: "todo", Position: 0, Title: "three", Version: 2}
	h.deliver(t, s, push(t, domain.MsgItemMoved, 11, domain.ItemMoved{Item: moved, FromBucketID: "done"}))

	if it, _ := h.agent.Item("i3"); it.BucketID != "todo" || it.Version != 2 {
		t.Fatalf("move of this board was dropped, got %+v", it)
	}
	if !equalIDs(h.agent.Items("todo"), "i3", "i1", "i2") {
		t.Fatalf("unexpected order %v", ids(h.agent.Items("todo")))
	}

	replay := domain.Item{ID: "i3", BoardID: "b1", BucketID: "done", Position: 0, Title: "three", Version: 9}
	h.deliver(t, s, push(t, domain.MsgItemMoved, 11, domain.ItemMoved{Item: replay, FromBucketID: "todo"}))
	if it, _ := h.agent.Item("i3"); it.BucketID != "todo" {
		t.Fatalf("a repeated sequence number must be dropped, got %+v", it)
	}
}

func TestMoveWithinBucketSlidesWindow(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	// another user moved i1 below i2; the server slid i2 up into the gap
	down := domain.Item{ID: "i1", BoardID: "b1", BucketID: "todo", Position: 1, Title: "one", Version: 2}
	h.deliver(t, s, push(t, domain.MsgItemMoved, 11, domain.ItemMoved{Item: down, FromBucketID: "todo"}))
	if !equalIDs(h.agent.Items("todo"), "i2", "i1") {
		t.Fatalf("expected i1 after i2, got %v", ids(h.agent.Items("todo")))
	}
	if it, _ := h.agent.Item("i2"); it.Position != 0 || it.Version != 2 {
		t.Fatalf("expected i2 slid to 0 with a server version bump, got %+v", it)
	}

	h.cmds.mu.Lock()
	h.cmds.state.Items = []domain.Item{
		{ID: "i2", BoardID: "b1", BucketID: "todo", Position: 0, Version: 2},
		{ID: "i1", BoardID: "b1", BucketID: "todo", Position: 1, Version: 2},
	}
	h.cmds.mu.Unlock()
	moved, err := h.agent.Move("i2", "todo", 1)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Position != 1 || !equalIDs(h.agent.Items("todo"), "i1", "i2") {
		t.Fatalf("expected i2 at index 1, got %v", ids(h.agent.Items("todo")))
	}
	if it, _ := h.agent.Item("i1"); it.Position != 0 || it.Version != 3 {
		t.Fatalf("expected i1 slid to 0 like the server does, got %+v", it)
	}
}

// gatedMove starts Move(i3, todo, 0) behind a closed gate and waits until
// it shows locally.
func gatedMove(t *testing.T, h *harness) (release func(), result chan error) {
	t.Helper()
	gate := make(chan struct{})
	h.cmds.mu.Lock()
	h.cmds.gate = gate
	h.cmds.mu.Unlock()
	result = make(chan error, 1)
	go func() {
		_, err := h.agent.Move("i3", "todo", 0)
		result <- err
	}()
	waitFor(t, "optimistic move", func() bool { return equalIDs(h.agent.Items("todo"), "i3", "i1", "i2") })
	return func() { close(gate) }, result
}

func TestPushOnShiftedSiblingSurvivesMove(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)
	release, result := gatedMove(t, h)

	if it, _ := h.agent.Item("i1"); it.Position != 1 || it.Version != 1 {
		t.Fatalf("optimistic shift must keep the server version, got %+v", it)
	}
	assigned := domain.Item{ID: "i1", BoardID: "b1", BucketID: "todo", Position: 0, Title: "one", AssigneeID: "u9", Version: 2}
	h.deliver(t, s, push(t, domain.MsgItemAssigned, 11, assigned))

	release()
	if err := <-result; err != nil {
		t.Fatalf("move: %v", err)
	}
	if !equalIDs(h.agent.Items("todo"), "i3", "i1", "i2") {
		t.Fatalf("unexpected order %v", ids(h.agent.Items("todo")))
	}
	it, _ := h.agent.Item("i1")
	if it.AssigneeID != "u9" || it.Version != 3 || it.Position != 1 {
		t.Fatalf("assignment pushed during the move was lost, got %+v", it)
	}
}

func TestRollbackKeepsPushedSibling(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)
	h.cmds.moveErr = domain.Conflict("bucket", "todo", "does not exist")
	release, result := gatedMove(t, h)

	assigned := domain.Item{ID: "i1", BoardID: "b1", BucketID: "todo", Position: 0, Title: "one", AssigneeID: "u9", Version: 2}
	h.deliver(t, s, push(t, domain.MsgItemAssigned, 11, assigned))

	release()
	if err := <-result; err == nil {
		t.Fatalf("expected move to fail")
	}
	if !equalIDs(h.agent.Items("todo"), "i1", "i2") || !equalIDs(h.agent.Items("done"), "i3") {
		t.Fatalf("expected rollback, got todo=%v done=%v", ids(h.agent.Items("todo")), ids(h.agent.Items("done")))
	}
	if it, _ := h.agent.Item("i1"); it.AssigneeID != "u9" || it.Version != 2 {
		t.Fatalf("rollback overwrote a pushed change, got %+v", it)
	}
	if it, _ := h.agent.Item("i2"); it.Position != 1 || it.Version != 1 {
		t.Fatalf("untouched sibling should be restored, got %+v", it)
	}
}

func TestMoveRollsBackOnFailure(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.cmds.moveErr = domain.Conflict("bucket", "done", "does not exist")

	_, err := h.agent.Move("i2", "done", 0)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !equalIDs(h.agent.Items("todo"), "i1", "i2") || !equalIDs(h.agent.Items("done"), "i3") {
		t.Fatalf("expected rollback, got todo=%v done=%v", ids(h.agent.Items("todo")), ids(h.agent.Items("done")))
	}
	if it, _ := h.agent.Item("i3"); it.Position != 0 || it.Version != 1 {
		t.Fatalf("shifted sibling must be restored, got %+v", it)
	}
}

func TestMoveAppliesOptimisticallyAndDefersPushes(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)
	h.cmds.mu.Lock()
	h.cmds.gate = make(chan struct{})
	h.cmds.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		_, err := h.agent.Move("i2", "done", 0)
		result <- err
	}()
	waitFor(t, "optimistic move", func() bool { return equalIDs(h.agent.Items("done"), "i2", "i3") })

	if _, err := h.agent.Move("i2", "todo", 0); err == nil {
		t.Fatalf("second change of an item in flight must be refused")
	}

	assigned := domain.Item{ID: "i2", BoardID: "b1", BucketID: "done", Position: 0, AssigneeID: "bob", Version: 3}
	h.deliver(t, s, push(t, domain.MsgItemAssigned, 11, assigned))
	if it, _ := h.agent.Item("i2"); it.AssigneeID != "" {
		t.Fatalf("push for an item in flight must wait, got %+v", it)
	}

	close(h.cmds.gate)
	if err := <-result; err != nil {
		t.Fatalf("move: %v", err)
	}
	it, _ := h.agent.Item("i2")
	if it.AssigneeID != "bob" || it.Version != 3 || it.BucketID != "done" {
		t.Fatalf("deferred push should apply after the move settled, got %+v", it)
	}
}

func TestCreateAndDelete(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	idx := 0
	created, err := h.agent.Create(domain.CreateItem{BucketID: "todo", Title: "new", Index: &idx})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if !equalIDs(h.agent.Items("todo"), created.ID, "i1", "i2") {
		t.Fatalf("expected new item first, got %v", ids(h.agent.Items("todo")))
	}

	// the fake server reports not found, which counts as deleted
	if err := h.agent.Delete("i1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := h.agent.Item("i1"); ok {
		t.Fatalf("expected i1 gone")
	}
	if err := h.agent.Delete("i1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown item, got %v", err)
	}
}

func TestReconnectReplacesCacheWithSnapshot(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	// the server moved on while the agent was away
	h.cmds.mu.Lock()
	h.cmds.state = boardState(20)
	h.cmds.state.Items = h.cmds.state.Items[:1]
	h.cmds.mu.Unlock()

	next := newFakeStream()
	h.dialer.streams <- next
	s.Close()
	waitFor(t, "resync", func() bool {
		return h.agent.Synced() && h.agent.Snapshot().Seq == 20
	})
	if !equalIDs(h.agent.Items("todo"), "i1") || len(h.agent.Items("done")) != 0 {
		t.Fatalf("expected cache to equal the new snapshot, got %+v", h.agent.Snapshot())
	}
}

func TestCloseStopsReconnectLoop(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.agent.Close()
	if h.agent.State() != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", h.agent.State())
	}
	if h.agent.Synced() {
		t.Fatalf("closed agent must not report synced")
	}
}
