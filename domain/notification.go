package domain

import "time"

// NotificationType names the template a notification was rendered from.
type NotificationType string

const (
	NotificationItemAssigned  NotificationType = "item-assigned"
	NotificationCommentAdded  NotificationType = "comment-added"
	NotificationItemCompleted NotificationType = "item-completed"
)

// Notification is a persisted per-user alert derived from one event.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Link      string           `json:"link,omitempty"`
	ItemID    string           `json:"itemId,omitempty"`
	BoardID   string           `json:"boardId,omitempty"`
	ActorID   string           `json:"actorId,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}

// NotificationQuery pages through a user's notifications, newest first.
type NotificationQuery struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}
