package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/metrics"
)

const maxFrameSize = 64 << 10

// Config tunes websocket connections.
type Config struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= c.PingInterval {
		c.ReadTimeout = 2*c.PingInterval + c.WriteTimeout
	}
	return c
}

// RelayPayload is the payload of a presence or typing frame as re-broadcast
// to other users.
type RelayPayload struct {
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Handler serves the websocket endpoint.
type Handler struct {
	registry *Registry
	router   *Router
	auth     Authenticator
	cfg      Config
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, router *Router, auth Authenticator, cfg Config, logger *log.Logger) *Handler {
	return &Handler{
		registry: registry,
		router:   router,
		auth:     auth,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// cross-origin policy is enforced by the CORS middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve verifies the credential, upgrades the request and runs the
// connection until either side closes it.
func (h *Handler) Serve(c echo.Context) error {
	credential := c.Request().Header.Get(echo.HeaderAuthorization)
	if credential == "" {
		credential = c.QueryParam("token")
	}
	id, err := Authenticate(h.auth, credential)
	if err != nil {
		metrics.HandshakeFailuresTotal.Inc()
		h.logger.WithError(err).WithField("remote", c.RealIP()).Info("websocket handshake refused")
		return c.String(http.StatusUnauthorized, "unauthorized")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return nil
	}

	conn := NewConn(uuid.NewString(), h.cfg.SendBuffer)
	if err := h.registry.Register(conn, id); err != nil {
		h.logger.WithError(err).Error("register connection")
		ws.Close()
		return nil
	}
	ack := domain.NewMessage(domain.MsgConnectionAck, domain.ConnectionAck{
		ConnectionID: conn.ID(),
		UserID:       id.UserID(),
		ServerTime:   time.Now().UnixMilli(),
	})
	h.router.deliver([]*Conn{conn}, ack)

	go h.writePump(ws, conn)
	h.readPump(ws, conn)
	return nil
}

func (h *Handler) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case <-conn.Done():
			ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-conn.Outbound():
			ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.router.Drop(conn, &domain.TransportError{ConnectionID: conn.ID(), Err: err})
				return
			}
		case <-ticker.C:
			ping, _ := sonic.Marshal(domain.NewMessage(domain.MsgPing, nil))
			ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				h.router.Drop(conn, &domain.TransportError{ConnectionID: conn.ID(), Err: err})
				return
			}
		}
	}
}

func (h *Handler) readPump(ws *websocket.Conn, conn *Conn) {
	defer h.registry.Unregister(conn)
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WithError(err).WithField("connection_id", conn.ID()).Debug("websocket read ended")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		if messageType != websocket.TextMessage {
			h.invalid(conn, &domain.ValidationError{Reason: "binary frames are not supported"})
			continue
		}
		h.handleFrame(conn, data)
	}
}

// handleFrame processes one inbound frame. The channel only carries
// keep-alives and relays; anything else is dropped.
func (h *Handler) handleFrame(conn *Conn, data []byte) {
	var in domain.InboundMessage
	if err := sonic.Unmarshal(data, &in); err != nil {
		h.invalid(conn, &domain.ValidationError{Reason: "malformed frame: " + err.Error()})
		return
	}
	switch in.Type {
	case domain.MsgPing:
		h.router.deliver([]*Conn{conn}, domain.NewMessage(domain.MsgPong, nil))
	case domain.MsgPong:
	case domain.MsgPresence, domain.MsgTyping:
		msg := domain.NewMessage(in.Type, RelayPayload{UserID: conn.UserID(), Data: in.Payload})
		msg.Origin = conn.ID()
		h.router.BroadcastAll(msg, conn.UserID())
	default:
		h.invalid(conn, domain.Invalid("type", "unsupported message type "+string(in.Type)))
	}
}

func (h *Handler) invalid(conn *Conn, err error) {
	h.logger.WithError(err).WithFields(log.Fields{
		"connection_id": conn.ID(),
		"user_id":       conn.UserID(),
	}).Warn("dropping inbound frame")
}
