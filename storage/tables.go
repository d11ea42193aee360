package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"prism-board/domain"
)

const (
	edmInt64 = "Edm.Int64"
	// a table transaction carries at most 100 actions
	maxTransactionActions = 100
)

// TableNames names the four tables used by TableStore.
type TableNames struct {
	Boards        string
	Buckets       string
	Items         string
	Notifications string
}

// TableStore persists boards and notifications in Azure Table storage.
// Boards, buckets and items are partitioned by board, notifications by user.
type TableStore struct {
	boards        *aztables.Client
	buckets       *aztables.Client
	items         *aztables.Client
	notifications *aztables.Client
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr string, names TableNames) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{
		boards:        svc.NewClient(names.Boards),
		buckets:       svc.NewClient(names.Buckets),
		items:         svc.NewClient(names.Items),
		notifications: svc.NewClient(names.Notifications),
	}, nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type boardEntity struct {
	entityKeys
	Name        string    `json:"Name"`
	Description string    `json:"Description"`
	OwnerID     string    `json:"OwnerID"`
	CreatedAt   time.Time `json:"CreatedAt"`
	UpdatedAt   time.Time `json:"UpdatedAt"`
}

type bucketEntity struct {
	entityKeys
	Name      string    `json:"Name"`
	Position  int       `json:"Position"`
	CreatedAt time.Time `json:"CreatedAt"`
}

type itemEntity struct {
	entityKeys
	BucketID    string    `json:"BucketID"`
	Position    int       `json:"Position"`
	Title       string    `json:"Title"`
	Description string    `json:"Description"`
	Priority    string    `json:"Priority"`
	CreatorID   string    `json:"CreatorID"`
	AssigneeID  string    `json:"AssigneeID"`
	Done        bool      `json:"Done"`
	Version     int64     `json:"Version,string"`
	VersionType string    `json:"Version@odata.type"`
	CreatedAt   time.Time `json:"CreatedAt"`
	UpdatedAt   time.Time `json:"UpdatedAt"`
}

type notificationEntity struct {
	entityKeys
	Type      string    `json:"Type"`
	Title     string    `json:"Title"`
	Body      string    `json:"Body"`
	Link      string    `json:"Link"`
	ItemID    string    `json:"ItemID"`
	BoardID   string    `json:"BoardID"`
	ActorID   string    `json:"ActorID"`
	Read      bool      `json:"Read"`
	CreatedAt time.Time `json:"CreatedAt"`
}

type readUpdate struct {
	entityKeys
	Read bool `json:"Read"`
}

func toItemEntity(it domain.Item) itemEntity {
	return itemEntity{
		entityKeys:  entityKeys{PartitionKey: it.BoardID, RowKey: it.ID},
		BucketID:    it.BucketID,
		Position:    it.Position,
		Title:       it.Title,
		Description: it.Description,
		Priority:    string(it.Priority),
		CreatorID:   it.CreatorID,
		AssigneeID:  it.AssigneeID,
		Done:        it.Done,
		Version:     it.Version,
		VersionType: edmInt64,
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
	}
}

func (e itemEntity) item() domain.Item {
	return domain.Item{
		ID:          e.RowKey,
		BoardID:     e.PartitionKey,
		BucketID:    e.BucketID,
		Position:    e.Position,
		Title:       e.Title,
		Description: e.Description,
		Priority:    domain.Priority(e.Priority),
		CreatorID:   e.CreatorID,
		AssigneeID:  e.AssigneeID,
		Done:        e.Done,
		Version:     e.Version,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func listAll(ctx context.Context, c *aztables.Client, filter string, fn func([]byte) error) error {
	var opts *aztables.ListEntitiesOptions
	if filter != "" {
		opts = &aztables.ListEntitiesOptions{Filter: &filter}
	}
	pager := c.NewListEntitiesPager(opts)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *TableStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := listAll(ctx, s.boards, "", func(data []byte) error {
		var ent boardEntity
		if err := json.Unmarshal(data, &ent); err != nil {
			return err
		}
		snap.Boards = append(snap.Boards, domain.Board{
			ID:          ent.RowKey,
			Name:        ent.Name,
			Description: ent.Description,
			OwnerID:     ent.OwnerID,
			CreatedAt:   ent.CreatedAt,
			UpdatedAt:   ent.UpdatedAt,
		})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	err = listAll(ctx, s.buckets, "", func(data []byte) error {
		var ent bucketEntity
		if err := json.Unmarshal(data, &ent); err != nil {
			return err
		}
		snap.Buckets = append(snap.Buckets, domain.Bucket{
			ID:        ent.RowKey,
			BoardID:   ent.PartitionKey,
			Name:      ent.Name,
			Position:  ent.Position,
			CreatedAt: ent.CreatedAt,
		})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	err = listAll(ctx, s.items, "", func(data []byte) error {
		var ent itemEntity
		if err := json.Unmarshal(data, &ent); err != nil {
			return err
		}
		snap.Items = append(snap.Items, ent.item())
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Apply writes boards with single upserts, and buckets and items with entity
// group transactions per board partition. A transaction carries at most
// maxTransactionActions entities, so a write set touching more rows of one
// board is split and may land partly when a later transaction fails; Load
// repairs the positions such a partial write leaves behind.
func (s *TableStore) Apply(ctx context.Context, b Batch) error {
	for _, bd := range b.Boards {
		payload, err := json.Marshal(boardEntity{
			entityKeys:  entityKeys{PartitionKey: bd.ID, RowKey: bd.ID},
			Name:        bd.Name,
			Description: bd.Description,
			OwnerID:     bd.OwnerID,
			CreatedAt:   bd.CreatedAt,
			UpdatedAt:   bd.UpdatedAt,
		})
		if err == nil {
			_, err = s.boards.UpsertEntity(ctx, payload, nil)
		}
		if err != nil {
			return err
		}
	}
	if len(b.Buckets) > 0 {
		actions := map[string][]aztables.TransactionAction{}
		for _, bk := range b.Buckets {
			payload, err := json.Marshal(bucketEntity{
				entityKeys: entityKeys{PartitionKey: bk.BoardID, RowKey: bk.ID},
				Name:       bk.Name,
				Position:   bk.Position,
				CreatedAt:  bk.CreatedAt,
			})
			if err != nil {
				return err
			}
			actions[bk.BoardID] = append(actions[bk.BoardID], aztables.TransactionAction{
				ActionType: aztables.TransactionTypeInsertReplace,
				Entity:     payload,
			})
		}
		if err := submit(ctx, s.buckets, actions); err != nil {
			return err
		}
	}
	if len(b.Items) > 0 || len(b.DeletedItems) > 0 {
		actions := map[string][]aztables.TransactionAction{}
		for _, it := range b.Items {
			payload, err := json.Marshal(toItemEntity(it))
			if err != nil {
				return err
			}
			actions[it.BoardID] = append(actions[it.BoardID], aztables.TransactionAction{
				ActionType: aztables.TransactionTypeInsertReplace,
				Entity:     payload,
			})
		}
		et := azcore.ETagAny
		for _, it := range b.DeletedItems {
			payload, err := json.Marshal(entityKeys{PartitionKey: it.BoardID, RowKey: it.ID})
			if err != nil {
				return err
			}
			actions[it.BoardID] = append(actions[it.BoardID], aztables.TransactionAction{
				ActionType: aztables.TransactionTypeDelete,
				Entity:     payload,
				IfMatch:    &et,
			})
		}
		if err := submit(ctx, s.items, actions); err != nil {
			return err
		}
	}
	return nil
}

func submit(ctx context.Context, c *aztables.Client, byPartition map[string][]aztables.TransactionAction) error {
	for _, tx := range transactions(byPartition) {
		if _, err := c.SubmitTransaction(ctx, tx, nil); err != nil {
			return err
		}
	}
	return nil
}

// transactions splits the actions of each partition into groups the service
// accepts as one transaction. Partitions are never mixed.
func transactions(byPartition map[string][]aztables.TransactionAction) [][]aztables.TransactionAction {
	var out [][]aztables.TransactionAction
	for _, actions := range byPartition {
		for start := 0; start < len(actions); start += maxTransactionActions {
			end := min(start+maxTransactionActions, len(actions))
			out = append(out, actions[start:end])
		}
	}
	return out
}

func (s *TableStore) Insert(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(notificationEntity{
		entityKeys: entityKeys{PartitionKey: n.UserID, RowKey: n.ID},
		Type:       string(n.Type),
		Title:      n.Title,
		Body:       n.Body,
		Link:       n.Link,
		ItemID:     n.ItemID,
		BoardID:    n.BoardID,
		ActorID:    n.ActorID,
		Read:       n.Read,
		CreatedAt:  n.CreatedAt,
	})
	if err == nil {
		_, err = s.notifications.AddEntity(ctx, payload, nil)
	}
	return err
}

func (s *TableStore) userNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	filter := "PartitionKey eq '" + escapeKey(userID) + "'"
	if unreadOnly {
		filter += " and Read eq false"
	}
	out := []domain.Notification{}
	err := listAll(ctx, s.notifications, filter, func(data []byte) error {
		var ent notificationEntity
		if err := json.Unmarshal(data, &ent); err != nil {
			return err
		}
		out = append(out, domain.Notification{
			ID:        ent.RowKey,
			UserID:    ent.PartitionKey,
			Type:      domain.NotificationType(ent.Type),
			Title:     ent.Title,
			Body:      ent.Body,
			Link:      ent.Link,
			ItemID:    ent.ItemID,
			BoardID:   ent.BoardID,
			ActorID:   ent.ActorID,
			Read:      ent.Read,
			CreatedAt: ent.CreatedAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	// row keys are ULIDs, so reverse key order is newest first
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *TableStore) List(ctx context.Context, userID string, q domain.NotificationQuery) ([]domain.Notification, error) {
	ns, err := s.userNotifications(ctx, userID, q.UnreadOnly)
	if err != nil {
		return nil, err
	}
	return page(ns, q), nil
}

func (s *TableStore) markRead(ctx context.Context, userID, id string) (bool, error) {
	payload, err := json.Marshal(readUpdate{entityKeys: entityKeys{PartitionKey: userID, RowKey: id}, Read: true})
	if err != nil {
		return false, err
	}
	et := azcore.ETagAny
	_, err = s.notifications.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *TableStore) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	unread, err := s.userNotifications(ctx, userID, true)
	if err != nil {
		return 0, err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	count := 0
	for _, n := range unread {
		if _, ok := want[n.ID]; !ok {
			continue
		}
		ok, err := s.markRead(ctx, userID, n.ID)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (s *TableStore) MarkAllRead(ctx context.Context, userID string) (int, error) {
	unread, err := s.userNotifications(ctx, userID, true)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range unread {
		ok, err := s.markRead(ctx, userID, n.ID)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (s *TableStore) Clear(ctx context.Context, userID string) (int, error) {
	all, err := s.userNotifications(ctx, userID, false)
	if err != nil {
		return 0, err
	}
	et := azcore.ETagAny
	count := 0
	for _, n := range all {
		_, err := s.notifications.DeleteEntity(ctx, userID, n.ID, &aztables.DeleteEntityOptions{IfMatch: &et})
		if err != nil {
			var respErr *azcore.ResponseError
			if errors.As(err, &respErr) && respErr.StatusCode == 404 {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *TableStore) CountUnread(ctx context.Context, userID string) (int, error) {
	unread, err := s.userNotifications(ctx, userID, true)
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

// escapeKey doubles single quotes for use inside an OData string literal.
func escapeKey(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
