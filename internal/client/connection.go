package client

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
	"puncture/internal/logging"
	"puncture/internal/payreq"
	"puncture/internal/transport"
)

// Fees is a daemon's fee schedule at the moment it was fetched.
type Fees struct {
	FeePPM      uint64
	BaseFeeMsat uint64
}

// Quote returns the fee for sending amountMsat:
// amountMsat*FeePPM/1_000_000 + BaseFeeMsat, floored, in exact integer
// arithmetic. Results beyond uint64 saturate.
func (f Fees) Quote(amountMsat uint64) uint64 {
	return transport.FeesResult{FeePPM: f.FeePPM, BaseFeeMsat: f.BaseFeeMsat}.FeeMsat(amountMsat)
}

// Quote is the daemon's estimate for paying a specific request.
type Quote struct {
	AmountMsat  uint64
	FeeMsat     uint64
	Description string
	ExpirySecs  uint64
}

// Connection is a live session with one daemon. Operations that touch the
// connection's own state are serialized; separate connections are
// independent.
type Connection struct {
	daemon *Daemon
	rpc    *transport.Client

	feeMu sync.Mutex

	queue     *eventQueue
	pumpOnce  sync.Once
	pumpCtx   context.Context
	pumpStop  context.CancelFunc
	pumpDone  chan struct{}
	poll      *rate.Limiter
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(d *Daemon) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		daemon:   d,
		rpc:      transport.NewWithHTTPClient(d.rec.Address, d.rec.SessionToken, d.http),
		queue:    newEventQueue(),
		pumpCtx:  ctx,
		pumpStop: cancel,
		pumpDone: make(chan struct{}),
		poll:     rate.NewLimiter(rate.Limit(d.cfg.EventPollRate), d.cfg.EventPollBurst),
		closed:   make(chan struct{}),
	}
}

// Daemon returns the daemon this connection belongs to.
func (c *Connection) Daemon() *Daemon { return c.daemon }

// usable reports why the connection can no longer be used, if it can't.
// Deletion wins over a local close.
func (c *Connection) usable() error {
	select {
	case <-c.daemon.revoked:
		return ErrDaemonUnregistered
	default:
	}
	select {
	case <-c.closed:
		return ErrSessionClosed
	default:
	}
	return nil
}

func (c *Connection) call(ctx context.Context, rejected error, method string, params, result any) error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.rpc.Call(ctx, method, params, result); err != nil {
		if uerr := c.usable(); uerr != nil {
			return uerr
		}
		return classify(rejected, err)
	}
	return nil
}

// Fees fetches the current fee schedule. Lookups on one connection never
// overlap.
func (c *Connection) Fees(ctx context.Context) (Fees, error) {
	c.feeMu.Lock()
	defer c.feeMu.Unlock()

	var res transport.FeesResult
	if err := c.call(ctx, ErrNetwork, transport.MethodFees, nil, &res); err != nil {
		return Fees{}, err
	}
	return Fees{FeePPM: res.FeePPM, BaseFeeMsat: res.BaseFeeMsat}, nil
}

// Quote returns the fee the daemon would charge to send amountMsat.
func (c *Connection) Quote(ctx context.Context, amountMsat uint64) (uint64, error) {
	fees, err := c.Fees(ctx)
	if err != nil {
		return 0, err
	}
	return fees.Quote(amountMsat), nil
}

// QuoteRequest asks the daemon what paying req would cost. Offers are quoted
// from the fee schedule since the daemon has no invoice to inspect yet.
func (c *Connection) QuoteRequest(ctx context.Context, req payreq.WithAmount) (Quote, error) {
	switch req.Kind() {
	case payreq.KindBolt11, payreq.KindLnurl, payreq.KindLightningAddress:
		var res transport.QuoteResult
		err := c.call(ctx, ErrPayment, transport.MethodBolt11Quote, transport.Bolt11QuoteParams{
			Invoice:    req.Invoice(),
			AmountMsat: req.AmountMsat(),
		}, &res)
		if err != nil {
			return Quote{}, err
		}
		return Quote{
			AmountMsat:  res.AmountMsat,
			FeeMsat:     res.FeeMsat,
			Description: res.Description,
			ExpirySecs:  res.ExpirySecs,
		}, nil
	case payreq.KindBolt12:
		fees, err := c.Fees(ctx)
		if err != nil {
			return Quote{}, err
		}
		return Quote{
			AmountMsat:  req.AmountMsat(),
			FeeMsat:     fees.Quote(req.AmountMsat()),
			Description: req.Description(),
		}, nil
	default:
		return Quote{}, fmt.Errorf("%w: %s", payreq.ErrUnsupported, req.Kind())
	}
}

// Send pays req for exactly its resolved amount.
func (c *Connection) Send(ctx context.Context, req payreq.WithAmount) error {
	var res transport.SendResult
	var err error

	switch req.Kind() {
	case payreq.KindBolt11, payreq.KindLnurl, payreq.KindLightningAddress:
		err = c.call(ctx, ErrPayment, transport.MethodBolt11Send, transport.Bolt11SendParams{
			Invoice:    req.Invoice(),
			AmountMsat: req.AmountMsat(),
			LnAddress:  req.LnAddress(),
		}, &res)
	case payreq.KindBolt12:
		err = c.call(ctx, ErrPayment, transport.MethodBolt12Send, transport.Bolt12SendParams{
			Offer:      req.Offer(),
			AmountMsat: req.AmountMsat(),
		}, &res)
	default:
		return fmt.Errorf("%w: %w: %s", ErrPayment, payreq.ErrUnsupported, req.Kind())
	}
	if err != nil {
		return err
	}

	logging.Client.Printf("%s: sent %s (payment %s)", c.daemon.Name(), req.Display(), shortID(res.PaymentID))
	return nil
}

// Bolt11Receive asks the daemon for an invoice of amountMsat.
func (c *Connection) Bolt11Receive(ctx context.Context, amountMsat uint64, description string) (string, error) {
	var res transport.Bolt11ReceiveResult
	err := c.call(ctx, ErrInvoice, transport.MethodBolt11Receive, transport.Bolt11ReceiveParams{
		AmountMsat:  amountMsat,
		Description: description,
	}, &res)
	if err != nil {
		return "", err
	}
	if _, err := payreq.DecodeBolt11(res.Invoice); err != nil {
		return "", fmt.Errorf("%w: daemon returned %w", ErrInvoice, err)
	}
	return res.Invoice, nil
}

// Bolt12ReceiveVariableAmount asks the daemon for a reusable offer with no
// amount and no expiry.
func (c *Connection) Bolt12ReceiveVariableAmount(ctx context.Context) (string, error) {
	var res transport.Bolt12ReceiveResult
	if err := c.call(ctx, ErrOffer, transport.MethodBolt12Receive, nil, &res); err != nil {
		return "", err
	}
	offer, err := payreq.DecodeOffer(res.Offer)
	if err != nil {
		return "", fmt.Errorf("%w: daemon returned %w", ErrOffer, err)
	}
	if offer.HasAmount || offer.AbsoluteExpiry != 0 {
		return "", fmt.Errorf("%w: daemon returned an offer with a fixed amount or expiry", ErrOffer)
	}
	return res.Offer, nil
}

// NextEvent returns the next daemon event in arrival order, blocking until
// one is available. The first call starts polling the daemon. Once the
// session ends every call returns ErrSessionClosed, ErrDaemonUnregistered or
// an ErrNetwork-wrapped error. Cancelling ctx returns ctx.Err() and leaves
// the queue untouched.
func (c *Connection) NextEvent(ctx context.Context) (Event, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.pumpOnce.Do(func() { go c.pump() })
	return c.queue.pop(ctx, c.usable, c.closed, c.daemon.revoked)
}

// Close stops event polling. It does not contact the daemon. Pending and
// future calls fail with ErrSessionClosed.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.pumpStop()
	})
	return nil
}

// pump long-polls the daemon and feeds the queue until the connection is
// closed, the daemon is deleted, or the session breaks.
func (c *Connection) pump() {
	defer close(c.pumpDone)

	ctx, cancel := context.WithCancel(c.pumpCtx)
	defer cancel()
	go func() {
		select {
		case <-c.daemon.revoked:
			cancel()
		case <-ctx.Done():
		}
	}()

	wait := c.daemon.cfg.EventPollWaitDuration()
	tracker := newStatusTracker()
	var cursor uint64
	for {
		if err := c.poll.Wait(ctx); err != nil {
			return
		}

		var res transport.EventsResult
		err := c.rpc.Call(ctx, transport.MethodEvents, transport.EventsParams{
			AfterSeq: cursor,
			WaitMs:   wait.Milliseconds(),
		}, &res)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Client.Printf("%s: event stream ended: %v", c.daemon.Name(), err)
			c.queue.fail(classify(ErrNetwork, err))
			return
		}

		batch := make([]Event, 0, len(res.Events))
		for _, ev := range res.Events {
			if ev.Seq <= cursor {
				continue
			}
			cursor = ev.Seq
			if out, ok := tracker.convert(ev); ok {
				batch = append(batch, out)
			}
		}
		c.queue.push(batch...)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
