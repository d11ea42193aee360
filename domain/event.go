package domain

import (
	"time"

	"github.com/bytedance/sonic"
)

// Kind tags the variant carried by an Event.
type Kind string

const (
	KindItemCreated   Kind = "item-created"
	KindItemMoved     Kind = "item-moved"
	KindItemDeleted   Kind = "item-deleted"
	KindItemAssigned  Kind = "item-assigned"
	KindCommentAdded  Kind = "comment-added"
	KindItemCompleted Kind = "item-completed"
	KindBucketCreated Kind = "bucket-created"
	KindBucketMoved   Kind = "bucket-moved"
	KindBoardCreated  Kind = "board-created"
)

// Kinds lists every event kind.
var Kinds = []Kind{
	KindItemCreated,
	KindItemMoved,
	KindItemDeleted,
	KindItemAssigned,
	KindCommentAdded,
	KindItemCompleted,
	KindBucketCreated,
	KindBucketMoved,
	KindBoardCreated,
}

// Payload is implemented only by the event payload types in this package.
type Payload interface {
	Kind() Kind
	eventPayload()
}

type ItemCreated struct {
	Item Item `json:"item"`
}

type ItemMoved struct {
	Item         Item   `json:"item"`
	FromBucketID string `json:"fromBucketId"`
	FromPosition int    `json:"fromPosition"`
}

type ItemDeleted struct {
	// Item is the state just before deletion.
	Item Item `json:"item"`
}

type ItemAssigned struct {
	Item               Item   `json:"item"`
	PreviousAssigneeID string `json:"previousAssigneeId,omitempty"`
}

type CommentAdded struct {
	Item    Item    `json:"item"`
	Comment Comment `json:"comment"`
}

type ItemCompleted struct {
	Item Item `json:"item"`
}

type BucketCreated struct {
	Bucket Bucket `json:"bucket"`
}

type BucketMoved struct {
	Bucket       Bucket `json:"bucket"`
	FromPosition int    `json:"fromPosition"`
}

type BoardCreated struct {
	Board   Board    `json:"board"`
	Buckets []Bucket `json:"buckets"`
}

func (ItemCreated) Kind() Kind   { return KindItemCreated }
func (ItemMoved) Kind() Kind     { return KindItemMoved }
func (ItemDeleted) Kind() Kind   { return KindItemDeleted }
func (ItemAssigned) Kind() Kind  { return KindItemAssigned }
func (CommentAdded) Kind() Kind  { return KindCommentAdded }
func (ItemCompleted) Kind() Kind { return KindItemCompleted }
func (BucketCreated) Kind() Kind { return KindBucketCreated }
func (BucketMoved) Kind() Kind   { return KindBucketMoved }
func (BoardCreated) Kind() Kind  { return KindBoardCreated }

func (ItemCreated) eventPayload()   {}
func (ItemMoved) eventPayload()     {}
func (ItemDeleted) eventPayload()   {}
func (ItemAssigned) eventPayload()  {}
func (CommentAdded) eventPayload()  {}
func (ItemCompleted) eventPayload() {}
func (BucketCreated) eventPayload() {}
func (BucketMoved) eventPayload()   {}
func (BoardCreated) eventPayload()  {}

// Event describes an accepted state change.
type Event struct {
	Seq     uint64
	Actor   string
	Origin  string
	At      time.Time
	Payload Payload
}

// NewEvent stamps a payload with the acting user and originating connection.
func NewEvent(actor, origin string, p Payload) Event {
	return Event{Actor: actor, Origin: origin, At: time.Now().UTC(), Payload: p}
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// BoardID returns the board the event belongs to.
func (e Event) BoardID() string {
	switch p := e.Payload.(type) {
	case ItemCreated:
		return p.Item.BoardID
	case ItemMoved:
		return p.Item.BoardID
	case ItemDeleted:
		return p.Item.BoardID
	case ItemAssigned:
		return p.Item.BoardID
	case CommentAdded:
		return p.Item.BoardID
	case ItemCompleted:
		return p.Item.BoardID
	case BucketCreated:
		return p.Bucket.BoardID
	case BucketMoved:
		return p.Bucket.BoardID
	case BoardCreated:
		return p.Board.ID
	}
	return ""
}

type eventEnvelope struct {
	Seq     uint64    `json:"seq"`
	Kind    Kind      `json:"kind"`
	Actor   string    `json:"actor"`
	Origin  string    `json:"origin,omitempty"`
	At      time.Time `json:"at"`
	BoardID string    `json:"boardId"`
	Data    Payload   `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(eventEnvelope{
		Seq:     e.Seq,
		Kind:    e.Kind(),
		Actor:   e.Actor,
		Origin:  e.Origin,
		At:      e.At,
		BoardID: e.BoardID(),
		Data:    e.Payload,
	})
}
