package domain

import "strings"

// CreateItem is the body of the create item command. A nil Index appends
// the item after the last one in the bucket.
type CreateItem struct {
	// ID is optional; the command layer sets it from the idempotency key so
	// a replayed create resolves to the same item.
	ID          string   `json:"id,omitempty"`
	BucketID    string   `json:"bucketId"`
	Index       *int     `json:"index,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	AssigneeID  string   `json:"assigneeId,omitempty"`
}

// Validate checks field constraints inherited from the board API schemas.
func (c *CreateItem) Validate() error {
	c.Title = strings.TrimSpace(c.Title)
	if c.BucketID == "" {
		return Invalid("bucketId", "required")
	}
	if c.Title == "" || len(c.Title) > 500 {
		return Invalid("title", "must be 1-500 characters")
	}
	if len(c.Description) > 10000 {
		return Invalid("description", "must be at most 10000 characters")
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if !c.Priority.Valid() {
		return Invalid("priority", "unknown priority")
	}
	if c.Index != nil && *c.Index < 0 {
		return Invalid("index", "must not be negative")
	}
	return nil
}

// MoveItem is the body of the move item command.
type MoveItem struct {
	TargetBucketID string `json:"targetBucketId"`
	TargetIndex    int    `json:"targetIndex"`
}

func (c MoveItem) Validate() error {
	if c.TargetBucketID == "" {
		return Invalid("targetBucketId", "required")
	}
	if c.TargetIndex < 0 {
		return Invalid("targetIndex", "must not be negative")
	}
	return nil
}

// CreateBoard is the body of the create board command.
type CreateBoard struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (c *CreateBoard) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" || len(c.Name) > 200 {
		return Invalid("name", "must be 1-200 characters")
	}
	if len(c.Description) > 2000 {
		return Invalid("description", "must be at most 2000 characters")
	}
	return nil
}

// CreateBucket is the body of the create bucket command.
type CreateBucket struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Index *int   `json:"index,omitempty"`
}

func (c *CreateBucket) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" || len(c.Name) > 100 {
		return Invalid("name", "must be 1-100 characters")
	}
	if c.Index != nil && *c.Index < 0 {
		return Invalid("index", "must not be negative")
	}
	return nil
}

// MoveBucket is the body of the move bucket command.
type MoveBucket struct {
	TargetIndex int `json:"targetIndex"`
}

// AssignItem is the body of the assign command. An empty assignee clears
// the assignment.
type AssignItem struct {
	AssigneeID string `json:"assigneeId"`
}

// AddComment is the body of the comment command.
type AddComment struct {
	Body string `json:"body"`
}

func (c *AddComment) Validate() error {
	c.Body = strings.TrimSpace(c.Body)
	if c.Body == "" || len(c.Body) > 10000 {
		return Invalid("body", "must be 1-10000 characters")
	}
	return nil
}

// MarkRead is the body of the mark notifications read command.
type MarkRead struct {
	IDs []string `json:"ids"`
}
