package export

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/events"
	"prism-board/metrics"
)

// Sink receives exported events.
type Sink interface {
	Publish(ctx context.Context, payload []byte) error
}

// Subscriber is the part of the event bus the exporter listens on.
type Subscriber interface {
	Subscribe(handler events.Handler, kinds ...domain.Kind) func()
}

type Config struct {
	Dir          string
	SegmentBytes int64
	SyncEvery    int
	SyncInterval time.Duration
	Workers      int
	BatchSize    int
	BatchWait    time.Duration
	QueueSize    int
	SendTimeout  time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncEvery <= 0 {
		c.SyncEvery = 64
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 50 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 20 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Exporter appends every bus event to a local log and delivers it to a
// Sink in order of append, retrying failures with backoff. Records that
// were not delivered before shutdown are redelivered on the next start.
type Exporter struct {
	cfg    Config
	sink   Sink
	log    *eventLog
	logger *log.Logger

	work chan *record
	stop chan struct{}
	wg   sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	inflight  map[uint64]*record
	acked     map[uint64]struct{}
	nextAck   uint64
	delivered uint64
	retries   sync.WaitGroup
}

func New(cfg Config, sink Sink, logger *log.Logger) (*Exporter, error) {
	if sink == nil {
		return nil, errors.New("export sink required")
	}
	cfg = cfg.withDefaults()
	l, pending, err := openLog(logConfig{
		dir:          cfg.Dir,
		segmentBytes: cfg.SegmentBytes,
		syncEvery:    cfg.SyncEvery,
		logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	e := &Exporter{
		cfg:      cfg,
		sink:     sink,
		log:      l,
		logger:   logger,
		work:     make(chan *record, cfg.QueueSize),
		stop:     make(chan struct{}),
		inflight: make(map[uint64]*record),
		acked:    make(map[uint64]struct{}),
		nextAck:  l.committedOffset() + 1,
	}
	for _, r := range pending {
		e.inflight[r.Offset] = r
	}
	e.updatePending()

	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.syncLoop()

	if len(pending) > 0 {
		logger.WithField("records", len(pending)).Info("redelivering exported events")
		e.mu.Lock()
		for _, r := range pending {
			e.dispatchLocked(r)
		}
		e.mu.Unlock()
	}
	return e, nil
}

// Listen subscribes the exporter to every event kind.
func (e *Exporter) Listen(bus Subscriber) func() {
	return bus.Subscribe(e.handle)
}

func (e *Exporter) handle(ev domain.Event) {
	if err := e.Append(ev); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{"kind": ev.Kind(), "seq": ev.Seq}).Error("export event")
	}
}

// Append records ev in the log and queues it for delivery.
func (e *Exporter) Append(ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	rec := &record{Seq: ev.Seq, Kind: ev.Kind(), Event: data, At: ev.At}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errLogClosed
	}
	if err := e.log.append(rec); err != nil {
		return err
	}
	e.inflight[rec.Offset] = rec
	e.updatePendingLocked()
	e.dispatchLocked(rec)
	return nil
}

// dispatchLocked hands rec to the workers. A full queue parks the record
// on the retry path instead of blocking the caller.
func (e *Exporter) dispatchLocked(rec *record) {
	select {
	case e.work <- rec:
	default:
		e.scheduleRetryLocked(rec, e.cfg.RetryBase)
	}
}

func (e *Exporter) syncLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-t.C:
			if err := e.log.sync(); err != nil && !errors.Is(err, errLogClosed) {
				e.logger.WithError(err).Warn("sync export log")
			}
		}
	}
}

func (e *Exporter) worker() {
	defer e.wg.Done()
	batch := make([]*record, 0, e.cfg.BatchSize)
	for {
		select {
		case <-e.stop:
			return
		case rec := <-e.work:
			batch = append(batch[:0], rec)
			timer := time.NewTimer(e.cfg.BatchWait)
		gather:
			for len(batch) < e.cfg.BatchSize {
				select {
				case r := <-e.work:
					batch = append(batch, r)
				case <-timer.C:
					break gather
				case <-e.stop:
					break gather
				}
			}
			timer.Stop()
			e.deliver(batch)
		}
	}
}

func (e *Exporter) deliver(batch []*record) {
	for _, rec := range batch {
		select {
		case <-e.stop:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
		err := e.sink.Publish(ctx, rec.Event)
		cancel()
		if err != nil {
			metrics.ExportFailuresTotal.Inc()
			rec.attempt++
			delay := backoff(e.cfg.RetryBase, e.cfg.RetryMax, rec.attempt)
			e.logger.WithError(err).WithFields(log.Fields{
				"offset":  rec.Offset,
				"seq":     rec.Seq,
				"attempt": rec.attempt,
				"retry":   delay,
			}).Warn("publish exported event")
			e.mu.Lock()
			e.scheduleRetryLocked(rec, delay)
			e.mu.Unlock()
			continue
		}
		e.markDelivered(rec.Offset)
	}
}

// markDelivered acknowledges offset and commits the longest contiguous run
// of acknowledged offsets.
func (e *Exporter) markDelivered(offset uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[offset]; !ok {
		return
	}
	delete(e.inflight, offset)
	e.acked[offset] = struct{}{}
	e.delivered++
	commit := uint64(0)
	for {
		if _, ok := e.acked[e.nextAck]; !ok {
			break
		}
		delete(e.acked, e.nextAck)
		commit = e.nextAck
		e.nextAck++
	}
	e.updatePendingLocked()
	if commit == 0 {
		return
	}
	if err := e.log.commit(commit); err != nil && !errors.Is(err, errLogClosed) {
		e.logger.WithError(err).WithField("offset", commit).Error("commit export checkpoint")
	}
}

func (e *Exporter) scheduleRetryLocked(rec *record, delay time.Duration) {
	if e.closed {
		return
	}
	e.retries.Add(1)
	go func() {
		defer e.retries.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-e.stop:
			return
		case <-t.C:
		}
		select {
		case e.work <- rec:
		case <-e.stop:
		}
	}()
}

// Pending returns how many appended events are not yet delivered.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Delivered returns how many events were delivered since New.
func (e *Exporter) Delivered() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delivered
}

func (e *Exporter) updatePending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updatePendingLocked()
}

func (e *Exporter) updatePendingLocked() {
	metrics.ExportPending.Set(float64(len(e.inflight)))
}

// Close waits until ctx is done or nothing is pending, then stops the
// workers and closes the log. Undelivered records stay in the log.
func (e *Exporter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
drain:
	for e.Pending() > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-t.C:
		}
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	close(e.stop)
	e.wg.Wait()
	e.retries.Wait()
	return e.log.close()
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}
