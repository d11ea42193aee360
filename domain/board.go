package domain

import "time"

// Priority ranks an item within its bucket for display purposes only; it
// never affects ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// DefaultBuckets are created with every new board.
var DefaultBuckets = []string{"To Do", "In Progress", "Review", "Done"}

// Board is the top-level container of buckets.
type Board struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Bucket is an ordered column of items. Buckets of one board are ordered by
// Position the same way items are.
type Bucket struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
}

// Item is a single ordered work unit.
type Item struct {
	ID          string    `json:"id"`
	BoardID     string    `json:"boardId"`
	BucketID    string    `json:"bucketId"`
	Position    int       `json:"position"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    Priority  `json:"priority"`
	CreatorID   string    `json:"creatorId"`
	AssigneeID  string    `json:"assigneeId,omitempty"`
	Done        bool      `json:"done"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Comment is carried by CommentAdded events. Comment storage belongs to the
// request layer.
type Comment struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// BoardState is the full snapshot of a board used for client resync.
type BoardState struct {
	Board   Board    `json:"board"`
	Buckets []Bucket `json:"buckets"`
	Items   []Item   `json:"items"`
	// Seq is the last event sequence applied when the snapshot was taken.
	Seq uint64 `json:"seq"`
}
