package client

import (
	"context"
	"sync"

	"puncture/internal/logging"
	"puncture/internal/transport"
)

// Event is a daemon-originated state change. The set of implementations is
// closed: PaymentEvent, BalanceEvent and UpdateEvent.
type Event interface {
	isEvent()
}

type PaymentType string

const (
	PaymentSend    PaymentType = "send"
	PaymentReceive PaymentType = "receive"
)

type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusSettled PaymentStatus = "settled"
	StatusFailed  PaymentStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// PaymentEvent announces a payment. Outgoing amounts and fees are negative.
type PaymentEvent struct {
	ID            string
	PaymentType   PaymentType
	Status        PaymentStatus
	AmountMsat    int64
	FeeMsat       int64
	Description   string
	Bolt11Invoice string
	CreatedAt     int64 // unix seconds
	LnAddress     string
}

// BalanceEvent carries the daemon's running balance.
type BalanceEvent struct {
	AmountMsat uint64
}

// UpdateEvent moves an earlier payment to a new status.
type UpdateEvent struct {
	ID     string
	Status PaymentStatus
}

func (PaymentEvent) isEvent() {}
func (BalanceEvent) isEvent() {}
func (UpdateEvent) isEvent()  {}

// eventQueue is an unbounded FIFO. Items are popped under mu so one event
// reaches exactly one caller.
type eventQueue struct {
	mu    sync.Mutex
	items []Event
	err   error
	// signal is closed and replaced whenever items or err change.
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{})}
}

func (q *eventQueue) push(events ...Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, events...)
	q.notify()
}

// fail records a terminal error returned once the queue drains.
func (q *eventQueue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
		q.notify()
	}
}

// notify must be called with q.mu held.
func (q *eventQueue) notify() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// pop blocks until an event or terminal error is available. stop is checked
// before anything else and aborts the wait.
func (q *eventQueue) pop(ctx context.Context, stop func() error, stopped <-chan struct{}, revoked <-chan struct{}) (Event, error) {
	for {
		if err := stop(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return nil, err
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-stopped:
		case <-revoked:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// statusTracker drops repeated and regressing status updates so each
// payment is seen to move forward only. Payment records are never dropped.
type statusTracker struct {
	status map[string]PaymentStatus
}

func newStatusTracker() *statusTracker {
	return &statusTracker{status: make(map[string]PaymentStatus)}
}

// observe reports whether a payment reaching next should be delivered.
// A repeat of the current status and a terminal-to-pending regression are
// dropped; a different terminal status replaces the previous one.
func (t *statusTracker) observe(id string, next PaymentStatus) bool {
	prev, known := t.status[id]
	if known && (prev == next || (prev.Terminal() && next == StatusPending)) {
		return false
	}
	t.status[id] = next
	return true
}

// record notes a payment snapshot and returns the status to deliver it with.
// A snapshot older than a terminal update already delivered keeps the
// terminal status.
func (t *statusTracker) record(id string, next PaymentStatus) PaymentStatus {
	if prev, known := t.status[id]; known && prev.Terminal() && !next.Terminal() {
		return prev
	}
	t.status[id] = next
	return next
}

// convert turns a wire event into a client event. ok is false for events
// that are suppressed or of an unknown type.
func (t *statusTracker) convert(ev transport.Event) (Event, bool) {
	switch ev.Type {
	case transport.EventPayment:
		if ev.Payment == nil {
			break
		}
		p := ev.Payment
		status := t.record(p.ID, PaymentStatus(p.Status))
		return PaymentEvent{
			ID:            p.ID,
			PaymentType:   PaymentType(p.PaymentType),
			Status:        status,
			AmountMsat:    p.AmountMsat,
			FeeMsat:       p.FeeMsat,
			Description:   p.Description,
			Bolt11Invoice: p.Bolt11Invoice,
			CreatedAt:     p.CreatedAt,
			LnAddress:     p.LnAddress,
		}, true
	case transport.EventBalance:
		if ev.Balance == nil {
			break
		}
		return BalanceEvent{AmountMsat: ev.Balance.AmountMsat}, true
	case transport.EventUpdate:
		if ev.Update == nil {
			break
		}
		status := PaymentStatus(ev.Update.Status)
		if !t.observe(ev.Update.ID, status) {
			return nil, false
		}
		return UpdateEvent{ID: ev.Update.ID, Status: status}, true
	}
	logging.Client.Printf("skipping malformed event seq=%d type=%q", ev.Seq, ev.Type)
	return nil, false
}
