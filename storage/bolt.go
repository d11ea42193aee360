package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	bolt "go.etcd.io/bbolt"

	"prism-board/domain"
)

var (
	bucketBoards        = []byte("boards")
	bucketBuckets       = []byte("buckets")
	bucketItems         = []byte("items")
	bucketNotifications = []byte("notifications")
)

// BoltStore keeps boards and notifications in a local bbolt file. Every
// Batch is written in one bbolt transaction.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBoards, bucketBuckets, bucketItems, bucketNotifications} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBoards).ForEach(func(k, v []byte) error {
			var b domain.Board
			if err := sonic.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("decode board %s: %w", k, err)
			}
			snap.Boards = append(snap.Boards, b)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBuckets).ForEach(func(k, v []byte) error {
			var b domain.Bucket
			if err := sonic.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("decode bucket %s: %w", k, err)
			}
			snap.Buckets = append(snap.Buckets, b)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketItems).ForEach(func(k, v []byte) error {
			var it domain.Item
			if err := sonic.Unmarshal(v, &it); err != nil {
				return fmt.Errorf("decode item %s: %w", k, err)
			}
			snap.Items = append(snap.Items, it)
			return nil
		})
	})
	return snap, err
}

func (s *BoltStore) Apply(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bd := range b.Boards {
			if err := put(tx.Bucket(bucketBoards), bd.ID, bd); err != nil {
				return err
			}
		}
		for _, bk := range b.Buckets {
			if err := put(tx.Bucket(bucketBuckets), bk.ID, bk); err != nil {
				return err
			}
		}
		items := tx.Bucket(bucketItems)
		for _, it := range b.Items {
			if err := put(items, it.ID, it); err != nil {
				return err
			}
		}
		for _, it := range b.DeletedItems {
			if err := items.Delete([]byte(it.ID)); err != nil {
				return fmt.Errorf("delete item %s: %w", it.ID, err)
			}
		}
		return nil
	})
}

func put(b *bolt.Bucket, id string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	return b.Put([]byte(id), data)
}

// Notifications live in one nested bucket per user, keyed by ULID so the
// cursor order is creation order.
func (s *BoltStore) Insert(ctx context.Context, n domain.Notification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ub, err := tx.Bucket(bucketNotifications).CreateBucketIfNotExists([]byte(n.UserID))
		if err != nil {
			return err
		}
		return put(ub, n.ID, n)
	})
}

func (s *BoltStore) List(ctx context.Context, userID string, q domain.NotificationQuery) ([]domain.Notification, error) {
	out := []domain.Notification{}
	err := s.db.View(func(tx *bolt.Tx) error {
		ub := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if ub == nil {
			return nil
		}
		c := ub.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var n domain.Notification
			if err := sonic.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decode notification %s: %w", k, err)
			}
			if q.UnreadOnly && n.Read {
				continue
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page(out, q), nil
}

func (s *BoltStore) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		ub := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if ub == nil {
			return nil
		}
		for _, id := range ids {
			ok, err := markRead(ub, []byte(id), ub.Get([]byte(id)))
			if err != nil {
				return err
			}
			if ok {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *BoltStore) MarkAllRead(ctx context.Context, userID string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		ub := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if ub == nil {
			return nil
		}
		// collect first; bbolt forbids Put while iterating with ForEach
		type kv struct{ k, v []byte }
		var all []kv
		if err := ub.ForEach(func(k, v []byte) error {
			all = append(all, kv{append([]byte(nil), k...), append([]byte(nil), v...)})
			return nil
		}); err != nil {
			return err
		}
		for _, e := range all {
			ok, err := markRead(ub, e.k, e.v)
			if err != nil {
				return err
			}
			if ok {
				count++
			}
		}
		return nil
	})
	return count, err
}

func markRead(ub *bolt.Bucket, k, v []byte) (bool, error) {
	if v == nil {
		return false, nil
	}
	var n domain.Notification
	if err := sonic.Unmarshal(v, &n); err != nil {
		return false, fmt.Errorf("decode notification %s: %w", k, err)
	}
	if n.Read {
		return false, nil
	}
	n.Read = true
	return true, put(ub, string(k), n)
}

func (s *BoltStore) Clear(ctx context.Context, userID string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketNotifications)
		ub := root.Bucket([]byte(userID))
		if ub == nil {
			return nil
		}
		count = ub.Stats().KeyN
		return root.DeleteBucket([]byte(userID))
	})
	return count, err
}

func (s *BoltStore) CountUnread(ctx context.Context, userID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		ub := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if ub == nil {
			return nil
		}
		return ub.ForEach(func(k, v []byte) error {
			var n domain.Notification
			if err := sonic.Unmarshal(v, &n); err != nil {
				return err
			}
			if !n.Read {
				count++
			}
			return nil
		})
	})
	return count, err
}
