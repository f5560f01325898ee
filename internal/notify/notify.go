// Package notify delivers user notifications. Notify never blocks the
// caller: records are queued, persisted by a background worker and pushed to
// the user's live connections.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/watchmarket/internal/idgen"
	"github.com/mbd888/watchmarket/internal/metrics"
	"github.com/mbd888/watchmarket/internal/pagination"
	"github.com/mbd888/watchmarket/internal/realtime"
)

var ErrNotFound = errors.New("notify: notification not found")

// Kinds
const (
	KindInfo    = "info"
	KindSuccess = "success"
	KindWarning = "warning"
	KindError   = "error"
)

// Notification is a message shown to one user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sink is what domain services depend on.
type Sink interface {
	Notify(ctx context.Context, userID, title, message, kind string)
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	// ListByUser returns a user's notifications newest first.
	ListByUser(ctx context.Context, userID string, q ListQuery) ([]*Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
}

// ListQuery selects a page of notifications.
type ListQuery struct {
	UnreadOnly bool
	After      *pagination.Cursor // nil for the first page
	Limit      int
}

// Publisher pushes events to live connections. *realtime.Hub satisfies it.
type Publisher interface {
	Publish(event *realtime.Event)
}

// DefaultQueueSize bounds the pending notification queue.
const DefaultQueueSize = 1024

// Dispatcher is the asynchronous Sink.
type Dispatcher struct {
	store     Store
	publisher Publisher // optional
	logger    *slog.Logger
	queue     chan *Notification
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(store Store, publisher Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		logger:    logger,
		queue:     make(chan *Notification, DefaultQueueSize),
	}
}

var _ Sink = (*Dispatcher)(nil)

// Notify queues a notification. When the queue is full the notification is
// dropped and logged.
func (d *Dispatcher) Notify(_ context.Context, userID, title, message, kind string) {
	if userID == "" {
		return
	}
	switch kind {
	case KindInfo, KindSuccess, KindWarning, KindError:
	default:
		kind = KindInfo
	}
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Kind:      kind,
		CreatedAt: time.Now(),
	}
	select {
	case d.queue <- n:
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("notification queue full, dropping", "user", userID, "title", title)
	}
}

// Start runs the worker in a new goroutine. Wait returns once it has
// drained after ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Run(ctx)
	}()
}

// Run processes the queue until ctx is done, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

// Wait blocks until every worker started with Start has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	if err := d.store.Create(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.Error("failed to store notification", "user", n.UserID, "title", n.Title, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("stored").Inc()
	if d.publisher != nil {
		d.publisher.Publish(&realtime.Event{
			Type:      realtime.EventNotification,
			UserID:    n.UserID,
			Kind:      n.Kind,
			Timestamp: n.CreatedAt,
			Data:      n,
		})
	}
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Notify(context.Context, string, string, string, string) {}
