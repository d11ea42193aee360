package realtime

import (
	"errors"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/events"
	"prism-board/metrics"
)

var errSendBufferFull = errors.New("send buffer full")

// Router fans change messages out to registered connections. Delivery is
// fire and forget; a connection that cannot take a message is dropped.
type Router struct {
	registry *Registry
	logger   *log.Logger
}

func NewRouter(registry *Registry, logger *log.Logger) *Router {
	return &Router{registry: registry, logger: logger}
}

// BroadcastAll delivers msg to every connection except those of
// excludeUserID. It returns the number of connections that took it.
func (r *Router) BroadcastAll(msg domain.ChangeMessage, excludeUserID string) int {
	conns := r.registry.all()
	targets := conns[:0]
	for _, c := range conns {
		if excludeUserID != "" && c.userID == excludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	return r.deliver(targets, msg)
}

// SendToUser delivers msg to every connection of userID. It returns 0 when
// the user is offline.
func (r *Router) SendToUser(userID string, msg domain.ChangeMessage) int {
	return r.deliver(r.registry.ConnectionsFor(userID), msg)
}

func (r *Router) deliver(conns []*Conn, msg domain.ChangeMessage) int {
	if len(conns) == 0 {
		return 0
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		r.logger.WithError(err).WithField("type", msg.Type).Error("encode change message")
		return 0
	}
	count := 0
	for _, c := range conns {
		if !c.enqueue(data) {
			r.Drop(c, &domain.TransportError{ConnectionID: c.id, Err: errSendBufferFull})
			metrics.MessagesDroppedTotal.Inc()
			continue
		}
		count++
	}
	metrics.MessagesSentTotal.WithLabelValues(string(msg.Type)).Add(float64(count))
	return count
}

// Drop treats a transport failure as a disconnect.
func (r *Router) Drop(c *Conn, err error) {
	if r.registry.Unregister(c) {
		r.logger.WithError(err).WithFields(log.Fields{
			"connection_id": c.id,
			"user_id":       c.userID,
		}).Warn("dropping connection")
	}
}

// Subscriber is the part of the event bus the bridge needs.
type Subscriber interface {
	Subscribe(handler events.Handler, kinds ...domain.Kind) func()
}

// Bridge broadcasts every bus event to all connections except the acting
// user's. The returned func stops it.
func Bridge(bus Subscriber, router *Router) func() {
	return bus.Subscribe(func(ev domain.Event) {
		msg := domain.MessageForEvent(ev)
		if msg.Type == "" {
			router.logger.WithField("kind", ev.Kind()).Warn("no message for event kind")
			return
		}
		router.BroadcastAll(msg, ev.Actor)
	})
}
