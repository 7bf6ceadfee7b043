// Package daemonsim is an in-process Lightning daemon that speaks the client
// JSON-RPC protocol. It keeps a ledger in memory and settles payments on a
// timer or on demand; it never touches a real Lightning network.
package daemonsim

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"puncture/internal/invite"
	"puncture/internal/logging"
	"puncture/internal/payreq"
	"puncture/internal/transport"
)

// Config describes a simulated daemon.
type Config struct {
	Name               string
	FeePPM             uint64
	BaseFeeMsat        uint64
	InitialBalanceMsat uint64
	// AutoSettle settles outgoing payments after this delay. Zero leaves
	// them pending until SettlePayment or FailPayment.
	AutoSettle      time.Duration
	MaxPendingSends int
	// Network is the bolt11 currency prefix of issued invoices.
	Network   string
	RateLimit RateLimitConfig
	// HistoryLimit caps the retained event log. Zero means 10000.
	HistoryLimit int
}

// Daemon is a running simulated daemon.
type Daemon struct {
	cfg  Config
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	hub     *hub
	ledger  *ledger
	pending *PendingSendLimiter
	limiter *RateLimiter

	mu       sync.Mutex
	secrets  map[[invite.SecretSize]byte]bool
	sessions map[string]bool
}

// New creates a daemon with a fresh identity key.
func New(cfg Config) (*Daemon, error) {
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	if cfg.Network == "" {
		cfg.Network = "bcrt"
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate daemon key: %w", err)
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	h := newHub(cfg.HistoryLimit)
	pending := NewPendingSendLimiter(cfg.MaxPendingSends)
	d := &Daemon{
		cfg:      cfg,
		priv:     priv,
		pub:      pub,
		hub:      h,
		ledger:   newLedger(h, pending, cfg.InitialBalanceMsat),
		pending:  pending,
		limiter:  NewRateLimiter(cfg.RateLimit),
		secrets:  make(map[[invite.SecretSize]byte]bool),
		sessions: make(map[string]bool),
	}
	d.ledger.setResolveCallback(func(paymentID string) {
		if ev, ok := d.ledger.payment(paymentID); ok {
			logging.Sim.Printf("payment %s %s", shortID(paymentID), ev.Status)
		}
	})
	logging.Sim.Printf("daemon %s started as %s", cfg.Name, invite.IdentityFromKey(pub))
	return d, nil
}

// ID is the identity clients derive from this daemon's invites.
func (d *Daemon) ID() string {
	return invite.IdentityFromKey(d.pub)
}

func (d *Daemon) Name() string { return d.cfg.Name }

// Handler serves the JSON-RPC endpoint at /rpc.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", d.handleRPC)
	return Logger(d.limiter.Middleware(mux))
}

// IssueInvite creates a single-use invite for clients that reach this daemon
// at address.
func (d *Daemon) IssueInvite(address string) (string, error) {
	var secret [invite.SecretSize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", err
	}
	text, err := invite.Encode(invite.Invite{PublicKey: d.pub, Secret: secret, Address: address})
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	d.secrets[secret] = true
	d.mu.Unlock()
	return text, nil
}

// RevokeSessions invalidates every session token and outstanding invite.
func (d *Daemon) RevokeSessions() {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[string]bool)
	d.secrets = make(map[[invite.SecretSize]byte]bool)
	d.mu.Unlock()

	for token := range sessions {
		d.pending.Forget(token)
	}
	logging.Sim.Printf("revoked %d sessions", len(sessions))
}

// Sessions returns the number of live sessions.
func (d *Daemon) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Daemon) BalanceMsat() uint64 {
	return d.ledger.Balance()
}

// SettlePayment marks a pending outgoing payment as settled.
func (d *Daemon) SettlePayment(paymentID string) error {
	return d.ledger.settle(paymentID)
}

// FailPayment marks a pending outgoing payment as failed and refunds it.
func (d *Daemon) FailPayment(paymentID string) error {
	return d.ledger.fail(paymentID)
}

// Payment returns the current state of a payment.
func (d *Daemon) Payment(paymentID string) (transport.PaymentEvent, bool) {
	return d.ledger.payment(paymentID)
}

// PayInvoice simulates an external payer settling an invoice this daemon
// issued. Amount-less invoices need amountMsat; fixed ones ignore it.
func (d *Daemon) PayInvoice(invoice string, amountMsat uint64) (string, error) {
	inv, err := payreq.DecodeBolt11(invoice)
	if err != nil {
		return "", err
	}
	if inv.HasAmount {
		amountMsat = inv.AmountMsat
	}
	if amountMsat == 0 {
		return "", fmt.Errorf("amount required for amount-less invoice")
	}
	return d.ledger.receive(&inv.PaymentHash, "", amountMsat, inv.Raw)
}

// PayOffer simulates an external payer paying one of this daemon's offers.
func (d *Daemon) PayOffer(offer string, amountMsat uint64) (string, error) {
	o, err := payreq.DecodeOffer(offer)
	if err != nil {
		return "", err
	}
	if amountMsat == 0 {
		return "", fmt.Errorf("amount required")
	}
	return d.ledger.receive(nil, o.Raw, amountMsat, "")
}

// Publish appends a raw event to the log. It exists for tests that need
// events the ledger would never produce, such as repeated updates.
func (d *Daemon) Publish(ev transport.Event) uint64 {
	return d.hub.publish(ev).Seq
}

// Close stops background timers.
func (d *Daemon) Close() {
	d.ledger.close()
	d.limiter.Stop()
}

func (d *Daemon) fees() transport.FeesResult {
	return transport.FeesResult{FeePPM: d.cfg.FeePPM, BaseFeeMsat: d.cfg.BaseFeeMsat}
}

// register consumes a one-time secret and opens a session.
func (d *Daemon) register(p transport.RegisterParams) (*transport.RegisterResult, *transport.RPCError) {
	rawSecret, err := hex.DecodeString(p.Secret)
	if err != nil || len(rawSecret) != invite.SecretSize {
		return nil, invalidParams("secret must be %d hex bytes", invite.SecretSize)
	}
	nonce, err := hex.DecodeString(p.Nonce)
	if err != nil || len(nonce) == 0 {
		return nil, invalidParams("nonce must be hex")
	}
	var secret [invite.SecretSize]byte
	copy(secret[:], rawSecret)

	d.mu.Lock()
	if !d.secrets[secret] {
		d.mu.Unlock()
		return nil, rejected("unknown or already used invite")
	}
	delete(d.secrets, secret)
	token := uuid.NewString()
	d.sessions[token] = true
	d.mu.Unlock()

	sig := ed25519.Sign(d.priv, transport.RegisterChallenge(nonce, token))
	logging.Sim.Printf("registered session %s", shortID(token))
	return &transport.RegisterResult{
		Name:         d.cfg.Name,
		SessionToken: token,
		Signature:    hex.EncodeToString(sig),
	}, nil
}

func (d *Daemon) validSession(token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[token]
}

func (d *Daemon) quote(p transport.Bolt11QuoteParams) (*transport.QuoteResult, *transport.RPCError) {
	inv, err := payreq.DecodeBolt11(p.Invoice)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	amount, rpcErr := sendAmount(inv, p.AmountMsat)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return &transport.QuoteResult{
		AmountMsat:  amount,
		FeeMsat:     d.fees().FeeMsat(amount),
		Description: inv.Description,
		ExpirySecs:  inv.Expiry,
	}, nil
}

func (d *Daemon) sendBolt11(session string, p transport.Bolt11SendParams) (*transport.SendResult, *transport.RPCError) {
	inv, err := payreq.DecodeBolt11(p.Invoice)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	amount, rpcErr := sendAmount(inv, p.AmountMsat)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if inv.Timestamp > 0 && time.Now().Unix() > inv.Timestamp+int64(inv.Expiry) {
		return nil, rejected("invoice expired")
	}

	hash := inv.PaymentHash
	id, err := d.ledger.send(session, outgoing{
		amountMsat:  amount,
		feeMsat:     d.fees().FeeMsat(amount),
		description: inv.Description,
		invoice:     inv.Raw,
		lnAddress:   p.LnAddress,
		hash:        &hash,
	}, d.cfg.AutoSettle)
	if err != nil {
		return nil, rejected("%v", err)
	}
	return &transport.SendResult{PaymentID: id}, nil
}

func (d *Daemon) sendBolt12(session string, p transport.Bolt12SendParams) (*transport.SendResult, *transport.RPCError) {
	offer, err := payreq.DecodeOffer(p.Offer)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	if p.AmountMsat == 0 {
		return nil, invalidParams("amount_msat required")
	}
	if offer.HasAmount && offer.AmountMsat != p.AmountMsat {
		return nil, invalidParams("offer is fixed at %d msat", offer.AmountMsat)
	}
	if offer.AbsoluteExpiry > 0 && uint64(time.Now().Unix()) > offer.AbsoluteExpiry {
		return nil, rejected("offer expired")
	}

	id, err := d.ledger.send(session, outgoing{
		amountMsat:  p.AmountMsat,
		feeMsat:     d.fees().FeeMsat(p.AmountMsat),
		description: offer.Description,
	}, d.cfg.AutoSettle)
	if err != nil {
		return nil, rejected("%v", err)
	}
	return &transport.SendResult{PaymentID: id}, nil
}

func (d *Daemon) receiveBolt11(p transport.Bolt11ReceiveParams) (*transport.Bolt11ReceiveResult, *transport.RPCError) {
	if p.AmountMsat == 0 {
		return nil, invalidParams("amount_msat must be positive")
	}
	hash, err := d.ledger.addInvoice(p.AmountMsat, p.Description)
	if err != nil {
		return nil, internalError(err)
	}
	secret, err := generatePaymentHash()
	if err != nil {
		return nil, internalError(err)
	}
	invoice, err := payreq.EncodeBolt11(payreq.Bolt11Params{
		Network:       d.cfg.Network,
		AmountMsat:    p.AmountMsat,
		Timestamp:     time.Now().Unix(),
		PaymentHash:   hash,
		PaymentSecret: secret[:],
		Description:   p.Description,
		Expiry:        payreq.DefaultInvoiceExpiry,
	})
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	return &transport.Bolt11ReceiveResult{Invoice: invoice}, nil
}

func (d *Daemon) receiveBolt12() (*transport.Bolt12ReceiveResult, *transport.RPCError) {
	issuer := sha256.Sum256(d.pub)
	offer, err := payreq.EncodeOffer(payreq.OfferParams{
		Description: "Payment to " + d.cfg.Name,
		Issuer:      d.cfg.Name,
		IssuerID:    append([]byte{0x02}, issuer[:]...),
	})
	if err != nil {
		return nil, internalError(err)
	}
	d.ledger.addOffer(offer, "Payment to "+d.cfg.Name)
	return &transport.Bolt12ReceiveResult{Offer: offer}, nil
}

// sendAmount reconciles the caller's amount with the invoice's own.
func sendAmount(inv *payreq.Bolt11, requested uint64) (uint64, *transport.RPCError) {
	switch {
	case inv.HasAmount && requested != 0 && requested != inv.AmountMsat:
		return 0, invalidParams("invoice is fixed at %d msat", inv.AmountMsat)
	case inv.HasAmount:
		return inv.AmountMsat, nil
	case requested == 0:
		return 0, invalidParams("amount_msat required for amount-less invoice")
	default:
		return requested, nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
