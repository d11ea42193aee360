package domain

import (
	"encoding/json"
	"time"
)

// MessageType is the wire discriminator of a ChangeMessage.
type MessageType string

const (
	MsgConnectionAck       MessageType = "connection:ack"
	MsgItemCreated         MessageType = "item:created"
	MsgItemMoved           MessageType = "item:moved"
	MsgItemDeleted         MessageType = "item:deleted"
	MsgItemAssigned        MessageType = "item:assigned"
	MsgItemCompleted       MessageType = "item:completed"
	MsgCommentAdded        MessageType = "comment:added"
	MsgBucketCreated       MessageType = "bucket:created"
	MsgBucketMoved         MessageType = "bucket:moved"
	MsgBoardCreated        MessageType = "board:created"
	MsgNotificationNew     MessageType = "notification:new"
	MsgNotificationRead    MessageType = "notification:read"
	MsgNotificationAllRead MessageType = "notification:allRead"
	MsgPing                MessageType = "ping"
	MsgPong                MessageType = "pong"
	MsgPresence            MessageType = "presence"
	MsgTyping              MessageType = "typing"
)

// ChangeMessage is the envelope delivered to clients.
type ChangeMessage struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Origin    string      `json:"origin,omitempty"`
	Seq       uint64      `json:"seq,omitempty"`
}

// NewMessage builds a ChangeMessage stamped with the current time in
// milliseconds.
func NewMessage(t MessageType, payload any) ChangeMessage {
	return ChangeMessage{Type: t, Payload: payload, Timestamp: time.Now().UnixMilli()}
}

// InboundMessage is a ChangeMessage as decoded by a receiver, with the
// payload left raw until the type is known.
type InboundMessage struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
}

// ConnectionAck is the payload of connection:ack.
type ConnectionAck struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	ServerTime   int64  `json:"serverTime"`
}

// ItemDeletedPayload is the payload of item:deleted.
type ItemDeletedPayload struct {
	ItemID   string `json:"itemId"`
	BoardID  string `json:"boardId"`
	BucketID string `json:"bucketId"`
}

// NotificationReadPayload is the payload of notification:read.
type NotificationReadPayload struct {
	IDs []string `json:"ids"`
}

// MessageForEvent maps an event to the message broadcast for it.
func MessageForEvent(ev Event) ChangeMessage {
	var msg ChangeMessage
	switch p := ev.Payload.(type) {
	case ItemCreated:
		msg = NewMessage(MsgItemCreated, p.Item)
	case ItemMoved:
		msg = NewMessage(MsgItemMoved, p)
	case ItemDeleted:
		msg = NewMessage(MsgItemDeleted, ItemDeletedPayload{ItemID: p.Item.ID, BoardID: p.Item.BoardID, BucketID: p.Item.BucketID})
	case ItemAssigned:
		msg = NewMessage(MsgItemAssigned, p.Item)
	case CommentAdded:
		msg = NewMessage(MsgCommentAdded, p)
	case ItemCompleted:
		msg = NewMessage(MsgItemCompleted, p.Item)
	case BucketCreated:
		msg = NewMessage(MsgBucketCreated, p.Bucket)
	case BucketMoved:
		msg = NewMessage(MsgBucketMoved, p)
	case BoardCreated:
		msg = NewMessage(MsgBoardCreated, p)
	default:
		return ChangeMessage{}
	}
	msg.Origin = ev.Origin
	msg.Seq = ev.Seq
	if !ev.At.IsZero() {
		msg.Timestamp = ev.At.UnixMilli()
	}
	return msg
}
