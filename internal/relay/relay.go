// Package relay hands device notifications from the radio stack's callback
// goroutine over to a session's outbound stream.
//
// Push never blocks and never drops: notifications are queued in arrival
// order in an unbounded FIFO and delivered one at a time by Run. Ordering is
// global across characteristics, which also preserves per-characteristic
// order.
package relay

import (
	"context"
	"sync"

	list "github.com/bahlo/generic-list-go"
	"github.com/sirupsen/logrus"
)

// Notification is one value pushed by a peripheral.
type Notification struct {
	CharacteristicUUID string
	Data               []byte
}

// DeliverFunc writes a notification to the session. A non-nil error stops Run.
type DeliverFunc func(ctx context.Context, n Notification) error

// Relay is a single-consumer notification queue.
type Relay struct {
	deliver DeliverFunc
	logger  *logrus.Entry

	mu     sync.Mutex
	queue  *list.List[Notification]
	closed bool
	signal chan struct{}
}

// New creates a Relay delivering through deliver.
func New(deliver DeliverFunc, logger *logrus.Entry) *Relay {
	return &Relay{
		deliver: deliver,
		logger:  logger,
		queue:   list.New[Notification](),
		signal:  make(chan struct{}, 1),
	}
}

// Push enqueues a copy of payload. It is safe to call from any goroutine and
// returns false once the relay is closed.
func (r *Relay) Push(charUUID string, payload []byte) bool {
	data := make([]byte, len(payload))
	copy(data, payload)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue.PushBack(Notification{CharacteristicUUID: charUUID, Data: data})
	r.mu.Unlock()

	r.wake()
	return true
}

// Notify is Push for subscription callbacks: it never blocks and logs
// notifications that arrive after Close.
func (r *Relay) Notify(charUUID string, payload []byte) {
	if !r.Push(charUUID, payload) {
		r.logger.WithField("char_uuid", charUUID).Debug("Notification after relay close discarded")
	}
}

// Run delivers queued notifications until ctx is done, the relay is closed,
// or delivery fails. Delivery errors are returned; the other two exits return nil.
func (r *Relay) Run(ctx context.Context) error {
	for {
		n, ok, closed := r.next()
		if closed {
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-r.signal:
			}
			continue
		}

		if err := r.deliver(ctx, n); err != nil {
			r.logger.WithFields(logrus.Fields{
				"char_uuid": n.CharacteristicUUID,
				"error":     err,
			}).Warn("Notification delivery failed, stopping relay")
			return err
		}
	}
}

// Close stops Run and discards anything still queued.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	dropped := r.queue.Len()
	r.queue.Init()
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.WithField("dropped", dropped).Debug("Relay closed with undelivered notifications")
	}
	r.wake()
}

// Pending returns the number of queued notifications.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

func (r *Relay) next() (n Notification, ok bool, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Notification{}, false, true
	}
	front := r.queue.Front()
	if front == nil {
		return Notification{}, false, false
	}
	r.queue.Remove(front)
	return front.Value, true, false
}

func (r *Relay) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}
