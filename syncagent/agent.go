// Package syncagent keeps a client-side copy of one board in step with the
// server: it applies pushed changes, applies its own mutations
// optimistically and resynchronizes from a full snapshot after every
// reconnect.
package syncagent

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	eventDial        = "dial"
	eventEstablished = "established"
	eventFail        = "fail"
	eventDrop        = "drop"
)

// Config tunes an Agent.
type Config struct {
	BoardID string
	// BaseDelay is the first reconnect delay; it doubles per failed attempt
	// up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter         float64
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	// OnMessage, if set, sees every inbound message once the agent has
	// applied or dropped it. It runs on the receive loop and must not block.
	OnMessage func(domain.InboundMessage)
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	return c
}

// Agent is a reconnecting client of one board.
type Agent struct {
	cfg    Config
	dialer Dialer
	cmds   Commands
	logger *log.Logger
	fsm    *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	start  sync.Once

	mu       sync.Mutex
	cache    *cache
	synced   bool
	seq      uint64
	connID   string
	pending  map[string]*pendingOp
	deferred map[string][]domain.InboundMessage
}

func New(cfg Config, dialer Dialer, cmds Commands, logger *log.Logger) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		cmds:     cmds,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		cache:    newCache(),
		pending:  make(map[string]*pendingOp),
		deferred: make(map[string][]domain.InboundMessage),
	}
	a.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventFail, Src: []string{StateConnecting}, Dst: StateDisconnected},
			{Name: eventDrop, Src: []string{StateConnected}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				a.logger.WithFields(log.Fields{
					"board_id": a.cfg.BoardID,
					"from":     e.Src,
					"to":       e.Dst,
				}).Debug("sync agent state change")
			},
		},
	)
	return a
}

// Start launches the reconnect loop. Calling it more than once has no
// effect.
func (a *Agent) Start() {
	a.start.Do(func() { go a.run() })
}

// Close stops the reconnect loop, closes the live stream and waits for the
// loop to exit. In-flight commands are cancelled.
func (a *Agent) Close() {
	a.cancel()
	a.start.Do(func() { close(a.done) })
	<-a.done
}

// State is the connection state.
func (a *Agent) State() string {
	return a.fsm.Current()
}

// Synced reports whether the cache reflects a snapshot taken on the current
// connection.
func (a *Agent) Synced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.synced
}

// ConnectionID is the server-assigned id of the live connection.
func (a *Agent) ConnectionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connID
}

// Items returns a bucket's items in display order.
func (a *Agent) Items(bucketID string) []domain.Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.bucketItems(bucketID)
}

func (a *Agent) Item(id string) (domain.Item, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	it, ok := a.cache.items[id]
	return it, ok
}

func (a *Agent) Buckets() []domain.Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.sortedBuckets()
}

// Snapshot returns the whole cached board.
func (a *Agent) Snapshot() domain.BoardState {
	a.mu.Lock()
	defer a.mu.Unlock()
	state := a.cache.state()
	state.Seq = a.seq
	return state
}

func (a *Agent) event(name string) {
	if err := a.fsm.Event(context.Background(), name); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			a.logger.WithError(err).WithField("event", name).Warn("sync agent transition refused")
		}
	}
}

// backoff is the delay before reconnect attempt n, counting from 1.
func (a *Agent) backoff(n int) time.Duration {
	d := a.cfg.BaseDelay
	for i := 1; i < n && d < a.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > a.cfg.MaxDelay {
		d = a.cfg.MaxDelay
	}
	if a.cfg.Jitter > 0 {
		spread := float64(d) * a.cfg.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d
}

func (a *Agent) run() {
	defer close(a.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	attempt := 0
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-timer.C:
		}
		synced, err := a.session()
		if a.ctx.Err() != nil {
			return
		}
		if synced {
			attempt = 0
		}
		attempt++
		delay := a.backoff(attempt)
		a.logger.WithError(err).WithFields(log.Fields{
			"board_id": a.cfg.BoardID,
			"attempt":  attempt,
			"delay":    delay,
		}).Info("sync agent reconnecting")
		timer.Reset(delay)
	}
}

type inbound struct {
	msg domain.InboundMessage
	err error
}

// session runs one connection from dial to drop. It reports whether a
// snapshot was applied.
func (a *Agent) session() (bool, error) {
	a.event(eventDial)
	dialCtx, cancel := context.WithTimeout(a.ctx, a.cfg.DialTimeout)
	stream, err := a.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		a.event(eventFail)
		return false, err
	}
	a.event(eventEstablished)

	ctx, stop := context.WithCancel(a.ctx)
	unhook := context.AfterFunc(ctx, func() { stream.Close() })
	var wg sync.WaitGroup
	defer func() {
		stop()
		unhook()
		stream.Close()
		wg.Wait()
		a.mu.Lock()
		a.synced = false
		a.connID = ""
		a.mu.Unlock()
		a.event(eventDrop)
	}()

	// Pushes read while the snapshot is in flight wait here and are filtered
	// against its sequence number.
	in := make(chan inbound, 256)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			msg, err := stream.Recv()
			select {
			case in <- inbound{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	if err := a.resync(ctx); err != nil {
		return false, err
	}
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case r := <-in:
			if r.err != nil {
				return true, r.err
			}
			a.receive(stream, r.msg)
		}
	}
}

func (a *Agent) resync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()
	state, err := a.cmds.Snapshot(ctx, a.cfg.BoardID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache.reset(state)
	a.seq = state.Seq
	a.synced = true
	for _, op := range a.pending {
		op.superseded = true
	}
	clear(a.deferred)
	a.logger.WithFields(log.Fields{
		"board_id": a.cfg.BoardID,
		"seq":      state.Seq,
		"items":    len(state.Items),
	}).Info("sync agent resynchronized")
	return nil
}

func (a *Agent) receive(stream Stream, msg domain.InboundMessage) {
	switch msg.Type {
	case domain.MsgPing:
		if err := stream.Send(domain.NewMessage(domain.MsgPong, nil)); err != nil {
			a.logger.WithError(err).Debug("pong failed")
		}
	case domain.MsgConnectionAck:
		var ack domain.ConnectionAck
		if err := sonic.Unmarshal(msg.Payload, &ack); err == nil {
			a.mu.Lock()
			a.connID = ack.ConnectionID
			a.mu.Unlock()
		}
	default:
		a.mu.Lock()
		// Events of one board reach us in sequence order, events of
		// different boards need not, so only this board's sequence numbers
		// are tracked. Numbers at or below the last one seen are already in
		// the cache.
		if boardID, ok := boardOf(msg); !ok || boardID == a.cfg.BoardID {
			if msg.Seq == 0 || msg.Seq > a.seq {
				if msg.Seq != 0 {
					a.seq = msg.Seq
				}
				a.push(msg)
			}
		}
		a.mu.Unlock()
	}
	if a.cfg.OnMessage != nil {
		a.cfg.OnMessage(msg)
	}
}

// push applies a board change, or parks it while the item it touches has a
// command in flight. Caller holds mu.
func (a *Agent) push(msg domain.InboundMessage) {
	itemID, ok := a.itemOf(msg)
	if ok {
		if _, busy := a.pending[itemID]; busy {
			a.deferred[itemID] = append(a.deferred[itemID], msg)
			return
		}
	}
	a.apply(msg)
}

// itemOf names the item a message changes.
func (a *Agent) itemOf(msg domain.InboundMessage) (string, bool) {
	var ref struct {
		ID     string `json:"id"`
		ItemID string `json:"itemId"`
		Item   struct {
			ID string `json:"id"`
		} `json:"item"`
	}
	switch msg.Type {
	case domain.MsgItemCreated, domain.MsgItemAssigned, domain.MsgItemCompleted,
		domain.MsgItemMoved, domain.MsgCommentAdded, domain.MsgItemDeleted:
	default:
		return "", false
	}
	if err := sonic.Unmarshal(msg.Payload, &ref); err != nil {
		return "", false
	}
	switch {
	case ref.Item.ID != "":
		return ref.Item.ID, true
	case ref.ItemID != "":
		return ref.ItemID, true
	case ref.ID != "":
		return ref.ID, true
	}
	return "", false
}

// boardOf names the board a pushed message belongs to, when it carries one.
func boardOf(msg domain.InboundMessage) (string, bool) {
	var ref struct {
		BoardID string `json:"boardId"`
		Item    struct {
			BoardID string `json:"boardId"`
		} `json:"item"`
		Bucket struct {
			BoardID string `json:"boardId"`
		} `json:"bucket"`
		Board struct {
			ID string `json:"id"`
		} `json:"board"`
	}
	if len(msg.Payload) == 0 || sonic.Unmarshal(msg.Payload, &ref) != nil {
		return "", false
	}
	for _, id := range []string{ref.BoardID, ref.Item.BoardID, ref.Bucket.BoardID, ref.Board.ID} {
		if id != "" {
			return id, true
		}
	}
	return "", false
}

// apply changes the cache for one pushed message. Caller holds mu.
func (a *Agent) apply(msg domain.InboundMessage) {
	var err error
	switch msg.Type {
	case domain.MsgItemCreated, domain.MsgItemAssigned, domain.MsgItemCompleted:
		var it domain.Item
		if err = sonic.Unmarshal(msg.Payload, &it); err == nil {
			a.applyItem(it)
		}
	case domain.MsgItemMoved:
		var p domain.ItemMoved
		if err = sonic.Unmarshal(msg.Payload, &p); err == nil {
			a.applyItem(p.Item)
		}
	case domain.MsgCommentAdded:
		var p domain.CommentAdded
		if err = sonic.Unmarshal(msg.Payload, &p); err == nil {
			a.applyItem(p.Item)
		}
	case domain.MsgItemDeleted:
		var p domain.ItemDeletedPayload
		if err = sonic.Unmarshal(msg.Payload, &p); err == nil && p.BoardID == a.cfg.BoardID {
			delete(a.cache.items, p.ItemID)
		}
	case domain.MsgBucketCreated:
		var bk domain.Bucket
		if err = sonic.Unmarshal(msg.Payload, &bk); err == nil && bk.BoardID == a.cfg.BoardID {
			a.cache.placeBucket(bk)
		}
	case domain.MsgBucketMoved:
		var p domain.BucketMoved
		if err = sonic.Unmarshal(msg.Payload, &p); err == nil && p.Bucket.BoardID == a.cfg.BoardID {
			a.cache.placeBucket(p.Bucket)
		}
	}
	if err != nil {
		a.logger.WithError(err).WithField("type", msg.Type).Warn("dropping undecodable push")
	}
}

func (a *Agent) applyItem(it domain.Item) {
	if it.BoardID != a.cfg.BoardID || a.cache.stale(it) {
		return
	}
	a.cache.place(it, true)
}

// flush applies the pushes parked for itemID. Caller holds mu.
func (a *Agent) flush(itemID string) {
	parked := a.deferred[itemID]
	delete(a.deferred, itemID)
	for _, msg := range parked {
		a.apply(msg)
	}
}
