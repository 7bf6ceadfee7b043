package daemonsim

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"puncture/internal/logging"
	"puncture/internal/transport"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrNotPending       = errors.New("payment is not pending")
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrAlreadyPaid      = errors.New("invoice already paid")
	ErrInsufficientFund = errors.New("insufficient balance")
	ErrTooManyPending   = errors.New("too many pending payments")
)

// Payment statuses as they appear on the wire.
const (
	StatusPending = "pending"
	StatusSettled = "settled"
	StatusFailed  = "failed"
)

// ResolveCallback is called when an outgoing payment leaves pending.
type ResolveCallback func(paymentID string)

type payment struct {
	event    transport.PaymentEvent
	reserved uint64 // amount plus fee debited while pending
	hash     [32]byte
}

type incomingInvoice struct {
	amountMsat  uint64
	description string
	paid        bool
}

// ledger is the simulated node's balance and payment book. Every mutation is
// published to the hub while mu is held so the log matches booking order.
type ledger struct {
	hub     *hub
	pending *PendingSendLimiter

	mu        sync.Mutex
	balance   uint64
	payments  map[string]*payment
	paidHash  map[[32]byte]string           // outgoing payment hash -> payment id
	invoices  map[[32]byte]*incomingInvoice // issued receive invoices
	offers    map[string]string             // issued offer -> description
	timers    map[string]*time.Timer
	onResolve ResolveCallback
	closed    bool
}

func newLedger(h *hub, pending *PendingSendLimiter, balance uint64) *ledger {
	return &ledger{
		hub:      h,
		pending:  pending,
		balance:  balance,
		payments: make(map[string]*payment),
		paidHash: make(map[[32]byte]string),
		invoices: make(map[[32]byte]*incomingInvoice),
		offers:   make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
}

func (l *ledger) setResolveCallback(cb ResolveCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onResolve = cb
}

func (l *ledger) Balance() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// outgoing describes a send before it is booked.
type outgoing struct {
	amountMsat  uint64
	feeMsat     uint64
	description string
	invoice     string
	lnAddress   string
	hash        *[32]byte // nil for offers
}

// send books a pending outgoing payment for session. autoSettle > 0 schedules
// settlement.
func (l *ledger) send(session string, o outgoing, autoSettle time.Duration) (string, error) {
	total := o.amountMsat + o.feeMsat
	if total < o.amountMsat {
		return "", ErrInsufficientFund
	}

	l.mu.Lock()
	if o.hash != nil {
		if _, ok := l.paidHash[*o.hash]; ok {
			l.mu.Unlock()
			return "", ErrAlreadyPaid
		}
	}
	if total > l.balance {
		l.mu.Unlock()
		return "", ErrInsufficientFund
	}
	if !l.pending.CanSend(session) {
		l.mu.Unlock()
		return "", ErrTooManyPending
	}
	l.balance -= total
	balance := l.balance

	p := &payment{
		reserved: total,
		event: transport.PaymentEvent{
			ID:            uuid.NewString(),
			PaymentType:   "send",
			Status:        StatusPending,
			AmountMsat:    -int64(o.amountMsat),
			FeeMsat:       -int64(o.feeMsat),
			Description:   o.description,
			Bolt11Invoice: o.invoice,
			CreatedAt:     time.Now().Unix(),
			LnAddress:     o.lnAddress,
		},
	}
	if o.hash != nil {
		p.hash = *o.hash
		l.paidHash[p.hash] = p.event.ID
	}
	l.payments[p.event.ID] = p
	l.pending.Track(session, p.event.ID)
	ev := p.event

	if autoSettle > 0 && !l.closed {
		id := ev.ID
		l.timers[id] = time.AfterFunc(autoSettle, func() {
			logging.Sim.Printf("auto-settling payment %s", id[:8])
			if err := l.settle(id); err != nil && !errors.Is(err, ErrNotPending) {
				logging.Sim.Printf("auto-settle %s failed: %v", id[:8], err)
			}
		})
	}
	l.hub.publish(transport.Event{Type: transport.EventPayment, Payment: &ev})
	l.hub.publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: balance}})
	l.mu.Unlock()
	return ev.ID, nil
}

func (l *ledger) settle(id string) error {
	l.mu.Lock()
	p, err := l.takePending(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	p.event.Status = StatusSettled
	l.pending.OnResolved(id)
	cb := l.onResolve
	l.hub.publish(transport.Event{Type: transport.EventUpdate, Update: &transport.UpdateEvent{ID: id, Status: StatusSettled}})
	l.mu.Unlock()

	l.notifyResolved(cb, id)
	return nil
}

func (l *ledger) fail(id string) error {
	l.mu.Lock()
	p, err := l.takePending(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	p.event.Status = StatusFailed
	l.balance += p.reserved
	delete(l.paidHash, p.hash)
	balance := l.balance
	l.pending.OnResolved(id)
	cb := l.onResolve
	l.hub.publish(transport.Event{Type: transport.EventUpdate, Update: &transport.UpdateEvent{ID: id, Status: StatusFailed}})
	l.hub.publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: balance}})
	l.mu.Unlock()

	l.notifyResolved(cb, id)
	return nil
}

// takePending must be called with l.mu held.
func (l *ledger) takePending(id string) (*payment, error) {
	p, ok := l.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.event.Status != StatusPending {
		return nil, ErrNotPending
	}
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
	return p, nil
}

func (l *ledger) notifyResolved(cb ResolveCallback, id string) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Sim.Printf("resolve callback panic for payment %s: %v", id, r)
		}
	}()
	cb(id)
}

// addInvoice records an invoice the node will accept payment for and returns
// its payment hash.
func (l *ledger) addInvoice(amountMsat uint64, description string) ([32]byte, error) {
	hash, err := generatePaymentHash()
	if err != nil {
		return hash, err
	}
	l.mu.Lock()
	l.invoices[hash] = &incomingInvoice{amountMsat: amountMsat, description: description}
	l.mu.Unlock()
	return hash, nil
}

func (l *ledger) addOffer(offer, description string) {
	l.mu.Lock()
	l.offers[offer] = description
	l.mu.Unlock()
}

// receive credits an incoming payment against an issued invoice or offer.
func (l *ledger) receive(hash *[32]byte, offer string, amountMsat uint64, raw string) (string, error) {
	l.mu.Lock()
	var description string
	switch {
	case hash != nil:
		inv, ok := l.invoices[*hash]
		if !ok {
			l.mu.Unlock()
			return "", ErrInvoiceNotFound
		}
		if inv.paid {
			l.mu.Unlock()
			return "", ErrAlreadyPaid
		}
		inv.paid = true
		description = inv.description
	default:
		d, ok := l.offers[offer]
		if !ok {
			l.mu.Unlock()
			return "", ErrInvoiceNotFound
		}
		description = d
	}

	l.balance += amountMsat
	balance := l.balance
	p := &payment{event: transport.PaymentEvent{
		ID:            uuid.NewString(),
		PaymentType:   "receive",
		Status:        StatusSettled,
		AmountMsat:    int64(amountMsat),
		Description:   description,
		Bolt11Invoice: raw,
		CreatedAt:     time.Now().Unix(),
	}}
	l.payments[p.event.ID] = p
	ev := p.event
	l.hub.publish(transport.Event{Type: transport.EventPayment, Payment: &ev})
	l.hub.publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: balance}})
	l.mu.Unlock()
	return ev.ID, nil
}

func (l *ledger) payment(id string) (transport.PaymentEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[id]
	if !ok {
		return transport.PaymentEvent{}, false
	}
	return p.event, true
}

func (l *ledger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

func generatePaymentHash() ([32]byte, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return preimage, err
	}
	return sha256.Sum256(preimage[:]), nil
}
