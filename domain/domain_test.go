package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestItemKeepsZeroPosition(t *testing.T) {
	data, err := sonic.Marshal(Item{ID: "i1", Position: 0})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"position":0`) {
		t.Fatalf("position 0 must be on the wire: %s", data)
	}
	if strings.Contains(string(data), "assigneeId") {
		t.Fatalf("empty assignee should be omitted: %s", data)
	}
}

func TestMessageForEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	item := Item{ID: "i1", BoardID: "b1", BucketID: "k2", Version: 3}
	cases := []struct {
		payload Payload
		want    MessageType
	}{
		{ItemCreated{Item: item}, MsgItemCreated},
		{ItemMoved{Item: item, FromBucketID: "k1"}, MsgItemMoved},
		{ItemDeleted{Item: item}, MsgItemDeleted},
		{ItemAssigned{Item: item}, MsgItemAssigned},
		{CommentAdded{Item: item, Comment: Comment{ID: "c1"}}, MsgCommentAdded},
		{ItemCompleted{Item: item}, MsgItemCompleted},
		{BucketCreated{Bucket: Bucket{ID: "k3", BoardID: "b1"}}, MsgBucketCreated},
		{BucketMoved{Bucket: Bucket{ID: "k3", BoardID: "b1"}}, MsgBucketMoved},
		{BoardCreated{Board: Board{ID: "b1"}}, MsgBoardCreated},
	}
	if len(cases) != len(Kinds) {
		t.Fatalf("every kind needs a case")
	}
	for _, tc := range cases {
		ev := Event{Seq: 7, Actor: "alice", Origin: "conn-1", At: at, Payload: tc.payload}
		msg := MessageForEvent(ev)
		if msg.Type != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.payload.Kind(), tc.want, msg.Type)
		}
		if msg.Seq != 7 || msg.Origin != "conn-1" || msg.Timestamp != at.UnixMilli() {
			t.Fatalf("%s: envelope not stamped from event: %+v", tc.payload.Kind(), msg)
		}
		if ev.BoardID() != "b1" {
			t.Fatalf("%s: expected board b1, got %q", tc.payload.Kind(), ev.BoardID())
		}
	}

	deleted := MessageForEvent(Event{Payload: ItemDeleted{Item: item}})
	if p, ok := deleted.Payload.(ItemDeletedPayload); !ok || p.ItemID != "i1" || p.BucketID != "k2" {
		t.Fatalf("unexpected delete payload %+v", deleted.Payload)
	}
	if MessageForEvent(Event{}).Type != "" {
		t.Fatalf("an event without payload has no message")
	}
}

func TestEventEnvelope(t *testing.T) {
	ev := Event{Seq: 9, Actor: "bob", At: time.Unix(0, 0).UTC(), Payload: BucketCreated{Bucket: Bucket{ID: "k1", BoardID: "b1"}}}
	data, err := sonic.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var env struct {
		Seq     uint64 `json:"seq"`
		Kind    Kind   `json:"kind"`
		Actor   string `json:"actor"`
		BoardID string `json:"boardId"`
		Data    struct {
			Bucket Bucket `json:"bucket"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Seq != 9 || env.Kind != KindBucketCreated || env.Actor != "bob" || env.BoardID != "b1" || env.Data.Bucket.ID != "k1" {
		t.Fatalf("unexpected envelope %s", data)
	}
	if strings.Contains(string(data), `"origin"`) {
		t.Fatalf("empty origin should be omitted: %s", data)
	}
}

func TestCommandValidation(t *testing.T) {
	c := CreateItem{BucketID: "k1", Title: "  spaced  "}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Title != "spaced" || c.Priority != PriorityMedium {
		t.Fatalf("expected trimmed title and default priority, got %+v", c)
	}

	neg := -1
	invalid := []interface{ Validate() error }{
		&CreateItem{Title: "no bucket"},
		&CreateItem{BucketID: "k1", Title: " "},
		&CreateItem{BucketID: "k1", Title: "x", Priority: "someday"},
		&CreateItem{BucketID: "k1", Title: "x", Index: &neg},
		MoveItem{TargetIndex: 1},
		MoveItem{TargetBucketID: "k1", TargetIndex: -1},
		&CreateBoard{Name: strings.Repeat("n", 201)},
		&CreateBucket{Name: "b", Index: &neg},
		&AddComment{Body: ""},
	}
	for i, cmd := range invalid {
		var verr *ValidationError
		if err := cmd.Validate(); !errors.As(err, &verr) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := Conflict("item", "i1", "does not exist")
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ID != "i1" {
		t.Fatalf("expected conflict, got %v", err)
	}
	wrapped := &TransportError{ConnectionID: "c1", Err: ErrStorageUnavailable}
	if !errors.Is(wrapped, ErrStorageUnavailable) {
		t.Fatalf("transport errors unwrap")
	}
	if got := Invalid("title", "required").Error(); got != "invalid title: required" {
		t.Fatalf("unexpected message %q", got)
	}
}
