package realtime

import (
	"sync"
)

// Conn is the registry's view of one live client connection: an identity
// and a bounded queue of encoded frames drained by the socket writer.
type Conn struct {
	id     string
	userID string
	send   chan []byte

	once sync.Once
	done chan struct{}
}

// NewConn creates a connection with a send queue of the given size.
func NewConn(id string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{id: id, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Outbound yields encoded frames in the order they were queued.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed once the connection has been unregistered.
func (c *Conn) Done() <-chan struct{} { return c.done }

// enqueue queues a frame without blocking. It reports false when the
// connection is closed or its queue is full.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}
