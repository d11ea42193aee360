package syncagent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"prism-board/domain"
)

// Stream is a live push channel from the server.
type Stream interface {
	Recv() (domain.InboundMessage, error)
	Send(msg domain.ChangeMessage) error
	Close() error
}

// Dialer opens push streams.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// Meta travels with every command.
type Meta struct {
	IdempotencyKey string
	ConnectionID   string
}

// Commands is the request side of the server.
type Commands interface {
	Snapshot(ctx context.Context, boardID string) (domain.BoardState, error)
	Create(ctx context.Context, m Meta, cmd domain.CreateItem) (domain.Item, error)
	Move(ctx context.Context, m Meta, itemID string, cmd domain.MoveItem) (domain.Item, error)
	Delete(ctx context.Context, m Meta, itemID string) error
}

// WSDialer connects to the websocket endpoint with a bearer token.
type WSDialer struct {
	URL   string
	Token string
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context) (Stream, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+d.Token)
	conn, resp, err := dialer.DialContext(ctx, d.URL, h)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &domain.AuthError{Reason: "handshake refused", Err: err}
		}
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (s *wsStream) Recv() (domain.InboundMessage, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return domain.InboundMessage{}, err
		}
		var msg domain.InboundMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			continue
		}
		return msg, nil
	}
}

func (s *wsStream) Send(msg domain.ChangeMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

// HTTPCommands calls the command routes of the server.
type HTTPCommands struct {
	BaseURL string
	Token   string
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

type errorBody struct {
	Error string `json:"error"`
}

func (h HTTPCommands) do(ctx context.Context, method, path string, m Meta, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(h.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.IdempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", m.IdempotencyKey)
	}
	if m.ConnectionID != "" {
		req.Header.Set("X-Connection-Id", m.ConnectionID)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, out)
}

func statusError(status int, data []byte) error {
	var eb errorBody
	sonic.Unmarshal(data, &eb)
	msg := eb.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest:
		return &domain.ValidationError{Reason: msg}
	case http.StatusUnauthorized:
		return &domain.AuthError{Reason: msg}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusConflict:
		return &domain.ConflictError{Reason: msg}
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", domain.ErrStorageUnavailable, msg)
	}
	return fmt.Errorf("server returned %d: %s", status, msg)
}

func (h HTTPCommands) Snapshot(ctx context.Context, boardID string) (domain.BoardState, error) {
	var state domain.BoardState
	err := h.do(ctx, http.MethodGet, "/api/boards/"+url.PathEscape(boardID), Meta{}, nil, &state)
	return state, err
}

func (h HTTPCommands) Create(ctx context.Context, m Meta, cmd domain.CreateItem) (domain.Item, error) {
	var it domain.Item
	err := h.do(ctx, http.MethodPost, "/api/items", m, cmd, &it)
	return it, err
}

func (h HTTPCommands) Move(ctx context.Context, m Meta, itemID string, cmd domain.MoveItem) (domain.Item, error) {
	var it domain.Item
	err := h.do(ctx, http.MethodPut, "/api/items/"+url.PathEscape(itemID)+"/move", m, cmd, &it)
	return it, err
}

func (h HTTPCommands) Delete(ctx context.Context, m Meta, itemID string) error {
	return h.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(itemID), m, nil, nil)
}
