package storage

import (
	"context"

	"prism-board/domain"
)

// Snapshot is everything a BoardRepository holds, in no particular order.
type Snapshot struct {
	Boards  []domain.Board
	Buckets []domain.Bucket
	Items   []domain.Item
}

// Batch is the write set of one accepted mutation. Implementations apply it
// as a unit where the backend allows it.
type Batch struct {
	Boards       []domain.Board
	Buckets      []domain.Bucket
	Items        []domain.Item
	DeletedItems []domain.Item
}

// Empty reports whether the batch carries no writes.
func (b Batch) Empty() bool {
	return len(b.Boards) == 0 && len(b.Buckets) == 0 && len(b.Items) == 0 && len(b.DeletedItems) == 0
}

// BoardRepository persists boards, buckets and items.
type BoardRepository interface {
	Load(ctx context.Context) (Snapshot, error)
	Apply(ctx context.Context, b Batch) error
}

// NotificationRepository persists per-user notifications.
type NotificationRepository interface {
	Insert(ctx context.Context, n domain.Notification) error
	// List returns the user's notifications newest first.
	List(ctx context.Context, userID string, q domain.NotificationQuery) ([]domain.Notification, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	Clear(ctx context.Context, userID string) (int, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// page applies offset and limit to a newest-first slice.
func page(ns []domain.Notification, q domain.NotificationQuery) []domain.Notification {
	if q.Offset > 0 {
		if q.Offset >= len(ns) {
			return []domain.Notification{}
		}
		ns = ns[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(ns) {
		ns = ns[:q.Limit]
	}
	return ns
}
