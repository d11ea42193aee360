package storage

import (
	"context"
	"sort"
	"sync"

	"prism-board/domain"
)

// Memory keeps everything in process memory. It backs tests and the
// "memory" storage backend.
type Memory struct {
	mu            sync.Mutex
	boards        map[string]domain.Board
	buckets       map[string]domain.Bucket
	items         map[string]domain.Item
	notifications map[string][]domain.Notification

	// FailApply, when set, is returned by Apply. Used by tests to simulate a
	// lost backing store.
	FailApply error
}

func NewMemory() *Memory {
	return &Memory{
		boards:        make(map[string]domain.Board),
		buckets:       make(map[string]domain.Bucket),
		items:         make(map[string]domain.Item),
		notifications: make(map[string][]domain.Notification),
	}
}

func (m *Memory) Load(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Snapshot
	for _, b := range m.boards {
		s.Boards = append(s.Boards, b)
	}
	for _, b := range m.buckets {
		s.Buckets = append(s.Buckets, b)
	}
	for _, it := range m.items {
		s.Items = append(s.Items, it)
	}
	return s, nil
}

func (m *Memory) Apply(ctx context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailApply != nil {
		return m.FailApply
	}
	for _, bd := range b.Boards {
		m.boards[bd.ID] = bd
	}
	for _, bk := range b.Buckets {
		m.buckets[bk.ID] = bk
	}
	for _, it := range b.Items {
		m.items[it.ID] = it
	}
	for _, it := range b.DeletedItems {
		delete(m.items, it.ID)
	}
	return nil
}

// Item returns the persisted copy of an item.
func (m *Memory) Item(id string) (domain.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	return it, ok
}

func (m *Memory) Insert(ctx context.Context, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.UserID] = append(m.notifications[n.UserID], n)
	return nil
}

func (m *Memory) List(ctx context.Context, userID string, q domain.NotificationQuery) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.notifications[userID]
	out := make([]domain.Notification, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		if q.UnreadOnly && src[i].Read {
			continue
		}
		out = append(out, src[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, q), nil
}

func (m *Memory) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for i, n := range m.notifications[userID] {
		if _, ok := want[n.ID]; ok && !n.Read {
			m.notifications[userID][i].Read = true
			count++
		}
	}
	return count, nil
}

func (m *Memory) MarkAllRead(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for i, n := range m.notifications[userID] {
		if !n.Read {
			m.notifications[userID][i].Read = true
			count++
		}
	}
	return count, nil
}

func (m *Memory) Clear(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.notifications[userID])
	delete(m.notifications, userID)
	return count, nil
}

func (m *Memory) CountUnread(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications[userID] {
		if !n.Read {
			count++
		}
	}
	return count, nil
}
