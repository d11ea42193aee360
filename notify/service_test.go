package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/domain"
	"prism-board/events"
	"prism-board/storage"
)

type fakePusher struct {
	mu     sync.Mutex
	online map[string]bool
	sent   map[string][]domain.ChangeMessage
}

func newFakePusher(online ...string) *fakePusher {
	p := &fakePusher{online: map[string]bool{}, sent: map[string][]domain.ChangeMessage{}}
	for _, u := range online {
		p.online[u] = true
	}
	return p
}

func (p *fakePusher) SendToUser(userID string, msg domain.ChangeMessage) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[userID] {
		return 0
	}
	p.sent[userID] = append(p.sent[userID], msg)
	return 1
}

func (p *fakePusher) messages(userID string) []domain.ChangeMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChangeMessage(nil), p.sent[userID]...)
}

type failingRepo struct {
	*storage.Memory
}

func (failingRepo) Insert(context.Context, domain.Notification) error {
	return errors.New("table unavailable")
}

// gatedRepo holds every insert until gate is closed.
type gatedRepo struct {
	*storage.Memory
	gate     chan struct{}
	attempts atomic.Int32
}

func (r *gatedRepo) Insert(ctx context.Context, n domain.Notification) error {
	r.attempts.Add(1)
	select {
	case <-r.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.Memory.Insert(ctx, n)
}

func setup(t *testing.T, push Pusher) (*board.Store, *Service, *storage.Memory, domain.Bucket) {
	t.Helper()
	repo := storage.NewMemory()
	bus := events.New(32, log.New())
	svc := New(repo, push, log.New(), 16, time.Second)
	svc.Listen(bus)
	store := board.New(repo, bus, log.New(), time.Second)
	_, bks, err := store.CreateBoard(context.Background(), board.Actor{UserID: "u1"}, domain.CreateBoard{Name: "B"})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	return store, svc, repo, bks[0]
}

func TestAssignWhileOfflineIsRetrievableLater(t *testing.T) {
	push := newFakePusher()
	store, svc, _, bucket := setup(t, push)
	ctx := context.Background()
	u1 := board.Actor{UserID: "u1"}

	item, err := store.Create(ctx, u1, domain.CreateItem{BucketID: bucket.ID, Title: "T"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Assign(ctx, u1, item.ID, "u2"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	svc.Close()

	ns, err := svc.ForUser(ctx, "u2", domain.NotificationQuery{})
	if err != nil {
		t.Fatalf("for user: %v", err)
	}
	if len(ns) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(ns))
	}
	n := ns[0]
	if n.Type != domain.NotificationItemAssigned || n.ItemID != item.ID || n.Read || n.ActorID != "u1" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.Link != "/boards/"+item.BoardID+"/items/"+item.ID {
		t.Fatalf("unexpected link %q", n.Link)
	}
	if mine, _ := svc.ForUser(ctx, "u1", domain.NotificationQuery{}); len(mine) != 0 {
		t.Fatalf("actor must not be notified, got %+v", mine)
	}
	if len(push.messages("u2")) != 0 {
		t.Fatalf("offline user should not be pushed to")
	}
}

func TestNoSelfNotification(t *testing.T) {
	store, svc, _, bucket := setup(t, newFakePusher())
	ctx := context.Background()
	u1 := board.Actor{UserID: "u1"}
	item, _ := store.Create(ctx, u1, domain.CreateItem{BucketID: bucket.ID, Title: "T"})
	store.Assign(ctx, u1, item.ID, "u1")
	store.Comment(ctx, u1, item.ID, domain.AddComment{Body: "note to self"})
	store.Complete(ctx, u1, item.ID)
	svc.Close()

	if c, _ := svc.UnreadCount(ctx, "u1"); c != 0 {
		t.Fatalf("expected no notifications for the actor, got %d", c)
	}
}

func TestCommentNotifiesCreatorAndAssigneeOnce(t *testing.T) {
	push := newFakePusher("u1")
	store, svc, _, bucket := setup(t, push)
	ctx := context.Background()
	item, _ := store.Create(ctx, board.Actor{UserID: "u1"}, domain.CreateItem{BucketID: bucket.ID, Title: "T", AssigneeID: "u1"})
	store.Comment(ctx, board.Actor{UserID: "u3"}, item.ID, domain.AddComment{Body: "looks good"})
	svc.Close()

	ns, _ := svc.ForUser(ctx, "u1", domain.NotificationQuery{})
	if len(ns) != 1 || ns[0].Type != domain.NotificationCommentAdded || ns[0].Body != "looks good" {
		t.Fatalf("expected one comment notification, got %+v", ns)
	}
	msgs := push.messages("u1")
	if len(msgs) != 1 || msgs[0].Type != domain.MsgNotificationNew {
		t.Fatalf("online user should be pushed notification:new, got %+v", msgs)
	}
}

func TestReadStateAndPushes(t *testing.T) {
	push := newFakePusher("u2")
	repo := storage.NewMemory()
	svc := New(repo, push, log.New(), 4, time.Second)
	defer svc.Close()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		n, err := svc.Notify(ctx, "u2", domain.NotificationItemCompleted, Content{Title: "done"})
		if err != nil {
			t.Fatalf("notify: %v", err)
		}
		ids = append(ids, n.ID)
	}
	ns, _ := svc.ForUser(ctx, "u2", domain.NotificationQuery{Limit: 2})
	if len(ns) != 2 || ns[0].ID != ids[2] || ns[1].ID != ids[1] {
		t.Fatalf("expected newest first, got %+v", ns)
	}

	if n, _ := svc.MarkRead(ctx, "u2", ids[:1]); n != 1 {
		t.Fatalf("expected 1 marked, got %d", n)
	}
	unread, _ := svc.ForUser(ctx, "u2", domain.NotificationQuery{UnreadOnly: true})
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(unread))
	}
	if n, _ := svc.MarkAllRead(ctx, "u2"); n != 2 {
		t.Fatalf("expected 2 marked, got %d", n)
	}
	if n, _ := svc.MarkAllRead(ctx, "u2"); n != 0 {
		t.Fatalf("expected nothing left to mark, got %d", n)
	}
	if n, _ := svc.ClearAll(ctx, "u2"); n != 3 {
		t.Fatalf("expected 3 cleared, got %d", n)
	}

	var types []domain.MessageType
	for _, m := range push.messages("u2") {
		types = append(types, m.Type)
	}
	want := []domain.MessageType{
		domain.MsgNotificationNew, domain.MsgNotificationNew, domain.MsgNotificationNew,
		domain.MsgNotificationRead, domain.MsgNotificationAllRead,
	}
	if len(types) != len(want) {
		t.Fatalf("expected pushes %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected pushes %v, got %v", want, types)
		}
	}
}

func TestFullQueueDoesNotDropEvents(t *testing.T) {
	repo := &gatedRepo{Memory: storage.NewMemory(), gate: make(chan struct{})}
	svc := New(repo, nil, log.New(), 1, 5*time.Second)
	svc.spillAfter = 5 * time.Millisecond

	const n = 6
	for i := 0; i < n; i++ {
		item := domain.Item{ID: fmt.Sprintf("i%d", i), BoardID: "b1", Title: "T", AssigneeID: "u2"}
		svc.enqueue(domain.NewEvent("u1", "", domain.ItemAssigned{Item: item}))
	}
	// the worker holds one event and the queue another; the rest spilled
	deadline := time.Now().Add(3 * time.Second)
	for repo.attempts.Load() < n-1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(repo.gate)
	svc.Close()

	ns, err := svc.ForUser(context.Background(), "u2", domain.NotificationQuery{})
	if err != nil {
		t.Fatalf("for user: %v", err)
	}
	if len(ns) != n {
		t.Fatalf("expected %d notifications, got %d", n, len(ns))
	}
}

func TestNotifyStorageFailure(t *testing.T) {
	svc := New(failingRepo{storage.NewMemory()}, newFakePusher("u2"), log.New(), 4, time.Second)
	defer svc.Close()
	_, err := svc.Notify(context.Background(), "u2", domain.NotificationItemAssigned, Content{})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}

func TestRenderDeduplicatesAndSkipsActor(t *testing.T) {
	item := domain.Item{ID: "i1", BoardID: "b1", Title: "T", CreatorID: "u2", AssigneeID: "u2"}
	ds := render(domain.NewEvent("u3", "", domain.ItemCompleted{Item: item}))
	if len(ds) != 1 || ds[0].userID != "u2" {
		t.Fatalf("expected a single delivery to u2, got %+v", ds)
	}
	ds = render(domain.NewEvent("u2", "", domain.ItemCompleted{Item: item}))
	if len(ds) != 0 {
		t.Fatalf("expected no deliveries when the actor is every recipient, got %+v", ds)
	}
	if ds := render(domain.NewEvent("u1", "", domain.ItemMoved{Item: item})); ds != nil {
		t.Fatalf("moves do not notify")
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'ä'
	}
	got := []rune(preview(string(long)))
	if len(got) != maxPreview {
		t.Fatalf("expected %d runes, got %d", maxPreview, len(got))
	}
}
