package notify

import (
	"fmt"
	"unicode/utf8"

	"prism-board/domain"
)

// Content is the rendered part of a notification.
type Content struct {
	Title   string
	Body    string
	Link    string
	ItemID  string
	BoardID string
	ActorID string
}

type delivery struct {
	userID  string
	kind    domain.NotificationType
	content Content
}

const maxPreview = 140

func itemLink(it domain.Item) string {
	return fmt.Sprintf("/boards/%s/items/%s", it.BoardID, it.ID)
}

func itemContent(ev domain.Event, it domain.Item, title, body string) Content {
	return Content{
		Title:   title,
		Body:    body,
		Link:    itemLink(it),
		ItemID:  it.ID,
		BoardID: it.BoardID,
		ActorID: ev.Actor,
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= maxPreview {
		return s
	}
	r := []rune(s)
	return string(r[:maxPreview-1]) + "…"
}

// render maps an event to its notifications. The acting user never
// receives one and each recipient gets at most one per event.
func render(ev domain.Event) []delivery {
	var kind domain.NotificationType
	var content Content
	var recipients []string
	switch p := ev.Payload.(type) {
	case domain.ItemAssigned:
		kind = domain.NotificationItemAssigned
		content = itemContent(ev, p.Item, "You were assigned a task",
			fmt.Sprintf("%s assigned you to %q", ev.Actor, p.Item.Title))
		recipients = []string{p.Item.AssigneeID}
	case domain.CommentAdded:
		kind = domain.NotificationCommentAdded
		content = itemContent(ev, p.Item, fmt.Sprintf("New comment on %q", p.Item.Title), preview(p.Comment.Body))
		recipients = []string{p.Item.CreatorID, p.Item.AssigneeID}
	case domain.ItemCompleted:
		kind = domain.NotificationItemCompleted
		content = itemContent(ev, p.Item, "Task completed",
			fmt.Sprintf("%s marked %q as done", ev.Actor, p.Item.Title))
		recipients = []string{p.Item.CreatorID, p.Item.AssigneeID}
	default:
		return nil
	}

	seen := make(map[string]struct{}, len(recipients))
	var out []delivery
	for _, userID := range recipients {
		if userID == "" || userID == ev.Actor {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		out = append(out, delivery{userID: userID, kind: kind, content: content})
	}
	return out
}
