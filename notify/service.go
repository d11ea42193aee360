package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/events"
	"prism-board/metrics"
	"prism-board/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Pusher delivers a message to every live connection of a user.
type Pusher interface {
	SendToUser(userID string, msg domain.ChangeMessage) int
}

// Subscriber is the part of the event bus the service listens on.
type Subscriber interface {
	Subscribe(handler events.Handler, kinds ...domain.Kind) func()
}

// Service turns item events into per-user notifications, persists them and
// pushes them to users who are online. Event handling runs on a single
// worker so the emitting mutation does not wait on notification storage.
// When the worker falls behind and its queue stays full, the event is
// handled on a goroutine of its own instead of being dropped.
type Service struct {
	repo    storage.NotificationRepository
	push    Pusher
	logger  *log.Logger
	timeout time.Duration
	// spillAfter bounds how long an emitter waits on a full queue.
	spillAfter time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Event
	wg     sync.WaitGroup
}

// New starts a Service with a worker queue of queueSize events.
func New(repo storage.NotificationRepository, push Pusher, logger *log.Logger, queueSize int, timeout time.Duration) *Service {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Service{
		repo:       repo,
		push:       push,
		logger:     logger,
		timeout:    timeout,
		spillAfter: 50 * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
		queue:      make(chan domain.Event, queueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Listen subscribes the service to the events it renders.
func (s *Service) Listen(bus Subscriber) func() {
	return bus.Subscribe(s.enqueue, domain.KindItemAssigned, domain.KindCommentAdded, domain.KindItemCompleted)
}

func (s *Service) enqueue(ev domain.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
		return
	default:
	}
	wait := time.NewTimer(s.spillAfter)
	defer wait.Stop()
	select {
	case s.queue <- ev:
	case <-wait.C:
		// Close waits for spilled events like queued ones.
		metrics.NotificationQueueSpilled.Inc()
		s.logger.WithFields(log.Fields{"kind": ev.Kind(), "seq": ev.Seq}).Warn("notification queue full, handling event off the queue")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ev)
		}()
	}
}

func (s *Service) run() {
	defer s.wg.Done()
	for ev := range s.queue {
		s.handle(ev)
	}
}

func (s *Service) handle(ev domain.Event) {
	for _, d := range render(ev) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		_, err := s.Notify(ctx, d.userID, d.kind, d.content)
		cancel()
		if err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"user_id": d.userID,
				"type":    d.kind,
				"seq":     ev.Seq,
			}).Error("create notification")
		}
	}
}

// Close stops accepting events and waits until queued ones are handled.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

// Notify persists a notification for userID and pushes it if the user is
// online.
func (s *Service) Notify(ctx context.Context, userID string, kind domain.NotificationType, c Content) (domain.Notification, error) {
	n := domain.Notification{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Type:      kind,
		Title:     c.Title,
		Body:      c.Body,
		Link:      c.Link,
		ItemID:    c.ItemID,
		BoardID:   c.BoardID,
		ActorID:   c.ActorID,
		CreatedAt: s.now(),
	}
	if err := s.repo.Insert(ctx, n); err != nil {
		return domain.Notification{}, fmt.Errorf("%w: insert notification: %v", domain.ErrStorageUnavailable, err)
	}
	metrics.NotificationsCreatedTotal.WithLabelValues(string(kind)).Inc()
	if s.push != nil {
		s.push.SendToUser(userID, domain.NewMessage(domain.MsgNotificationNew, n))
	}
	return n, nil
}

// ForUser returns the user's notifications newest first.
func (s *Service) ForUser(ctx context.Context, userID string, q domain.NotificationQuery) ([]domain.Notification, error) {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	ns, err := s.repo.List(ctx, userID, q)
	if err != nil {
		return nil, fmt.Errorf("%w: list notifications: %v", domain.ErrStorageUnavailable, err)
	}
	return ns, nil
}

// MarkRead marks the given notifications read and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.repo.MarkRead(ctx, userID, ids)
	if err != nil {
		return n, fmt.Errorf("%w: mark read: %v", domain.ErrStorageUnavailable, err)
	}
	if n > 0 && s.push != nil {
		s.push.SendToUser(userID, domain.NewMessage(domain.MsgNotificationRead, domain.NotificationReadPayload{IDs: ids}))
	}
	return n, nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	n, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return n, fmt.Errorf("%w: mark all read: %v", domain.ErrStorageUnavailable, err)
	}
	if n > 0 && s.push != nil {
		s.push.SendToUser(userID, domain.NewMessage(domain.MsgNotificationAllRead, nil))
	}
	return n, nil
}

func (s *Service) ClearAll(ctx context.Context, userID string) (int, error) {
	n, err := s.repo.Clear(ctx, userID)
	if err != nil {
		return n, fmt.Errorf("%w: clear notifications: %v", domain.ErrStorageUnavailable, err)
	}
	return n, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: count unread: %v", domain.ErrStorageUnavailable, err)
	}
	return n, nil
}
