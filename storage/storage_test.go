package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"prism-board/domain"
)

type backend interface {
	BoardRepository
	NotificationRepository
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	bs, err := NewBoltStore(filepath.Join(t.TempDir(), "board.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { bs.Close() })
	return map[string]backend{"memory": NewMemory(), "bolt": bs}
}

func TestApplyAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			a := domain.Item{ID: "a", BoardID: "b1", BucketID: "k1", Position: 0, Title: "A", CreatedAt: now}
			b := domain.Item{ID: "b", BoardID: "b1", BucketID: "k1", Position: 1, Title: "B", CreatedAt: now}
			err := st.Apply(ctx, Batch{
				Boards:  []domain.Board{{ID: "b1", Name: "Board"}},
				Buckets: []domain.Bucket{{ID: "k1", BoardID: "b1", Name: "To Do"}},
				Items:   []domain.Item{a, b},
			})
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if err := st.Apply(ctx, Batch{DeletedItems: []domain.Item{a}}); err != nil {
				t.Fatalf("delete: %v", err)
			}
			snap, err := st.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(snap.Boards) != 1 || len(snap.Buckets) != 1 {
				t.Fatalf("unexpected snapshot %+v", snap)
			}
			if len(snap.Items) != 1 || snap.Items[0].ID != "b" || snap.Items[0].Position != 1 {
				t.Fatalf("expected only item b at position 1, got %+v", snap.Items)
			}
		})
	}
}

func TestNotificationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"01A", "01B", "01C"} {
				if err := st.Insert(ctx, domain.Notification{ID: id, UserID: "u2", Title: id}); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}
			if err := st.Insert(ctx, domain.Notification{ID: "01D", UserID: "u3"}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			ns, err := st.List(ctx, "u2", domain.NotificationQuery{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(ns) != 3 || ns[0].ID != "01C" || ns[2].ID != "01A" {
				t.Fatalf("unexpected order %+v", ns)
			}
			ns, _ = st.List(ctx, "u2", domain.NotificationQuery{Limit: 1, Offset: 1})
			if len(ns) != 1 || ns[0].ID != "01B" {
				t.Fatalf("unexpected page %+v", ns)
			}
		})
	}
}

func TestNotificationReadState(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"01A", "01B", "01C"} {
				st.Insert(ctx, domain.Notification{ID: id, UserID: "u2"})
			}
			n, err := st.MarkRead(ctx, "u2", []string{"01A", "missing"})
			if err != nil || n != 1 {
				t.Fatalf("mark read: %d %v", n, err)
			}
			if n, _ := st.MarkRead(ctx, "u2", []string{"01A"}); n != 0 {
				t.Fatalf("second mark read should be a no-op, got %d", n)
			}
			if c, _ := st.CountUnread(ctx, "u2"); c != 2 {
				t.Fatalf("expected 2 unread, got %d", c)
			}
			unread, _ := st.List(ctx, "u2", domain.NotificationQuery{UnreadOnly: true})
			if len(unread) != 2 {
				t.Fatalf("expected 2 unread listed, got %d", len(unread))
			}
			if n, _ := st.MarkAllRead(ctx, "u2"); n != 2 {
				t.Fatalf("expected 2 marked, got %d", n)
			}
			if c, _ := st.CountUnread(ctx, "u2"); c != 0 {
				t.Fatalf("expected 0 unread, got %d", c)
			}
			if n, _ := st.Clear(ctx, "u2"); n != 3 {
				t.Fatalf("expected 3 cleared, got %d", n)
			}
			ns, _ := st.List(ctx, "u2", domain.NotificationQuery{})
			if len(ns) != 0 {
				t.Fatalf("expected empty list, got %+v", ns)
			}
		})
	}
}

func TestBoltReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "board.db")
	bs, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := bs.Apply(ctx, Batch{Items: []domain.Item{{ID: "i1", BoardID: "b1", Title: "persist", Version: 3}}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	bs.Close()
	bs, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer bs.Close()
	snap, _ := bs.Load(ctx)
	if len(snap.Items) != 1 || snap.Items[0].Version != 3 {
		t.Fatalf("item not restored: %+v", snap.Items)
	}
}

func TestItemEntityRoundTripKeepsKeys(t *testing.T) {
	it := domain.Item{ID: "i1", BoardID: "b1", BucketID: "k1", Position: 2, Version: 7, Priority: domain.PriorityHigh}
	ent := toItemEntity(it)
	if ent.PartitionKey != "b1" || ent.RowKey != "i1" || ent.VersionType != edmInt64 {
		t.Fatalf("unexpected entity keys %+v", ent)
	}
	back := ent.item()
	if back.ID != it.ID || back.BoardID != it.BoardID || back.Position != 2 || back.Version != 7 || back.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected item %+v", back)
	}
}

func TestEscapeKey(t *testing.T) {
	if got := escapeKey("o'brien"); got != "o''brien" {
		t.Fatalf("got %q", got)
	}
}
