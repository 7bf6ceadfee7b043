package client

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"puncture/internal/config"
	"puncture/internal/daemonsim"
	"puncture/internal/payreq"
	"puncture/internal/transport"
)

func testInvoice(t *testing.T, amountMsat uint64, description string) string {
	t.Helper()
	var hash [32]byte
	if _, err := rand.Read(hash[:]); err != nil {
		t.Fatal(err)
	}
	text, err := payreq.EncodeBolt11(payreq.Bolt11Params{
		Network:     "bcrt",
		AmountMsat:  amountMsat,
		Timestamp:   time.Now().Unix(),
		PaymentHash: hash,
		Description: description,
		Expiry:      600,
	})
	if err != nil {
		t.Fatalf("EncodeBolt11 failed: %v", err)
	}
	return text
}

func nextEvent(t *testing.T, conn *Connection) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := conn.NextEvent(ctx)
	if err != nil {
		t.Fatalf("NextEvent failed: %v", err)
	}
	return ev
}

func connectSim(t *testing.T, cfg daemonsim.Config) (*daemonsim.Daemon, *Connection) {
	t.Helper()
	d, srv := startSim(t, cfg)
	return d, register(t, newTestClient(t), issueInvite(t, d, srv))
}

func TestFees_Quote(t *testing.T) {
	tests := []struct {
		name   string
		fees   Fees
		amount uint64
		want   uint64
	}{
		{"zero amount is base fee", Fees{FeePPM: 1000, BaseFeeMsat: 10}, 0, 10},
		{"proportional", Fees{FeePPM: 1000, BaseFeeMsat: 10}, 1_000_000, 1010},
		{"floors", Fees{FeePPM: 1, BaseFeeMsat: 0}, 999_999, 0},
		{"free", Fees{}, 5_000_000, 0},
		{"saturates", Fees{FeePPM: 2_000_000, BaseFeeMsat: 1}, ^uint64(0), ^uint64(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fees.Quote(tt.amount); got != tt.want {
				t.Errorf("Quote(%d) = %d, want %d", tt.amount, got, tt.want)
			}
		})
	}
}

func TestConnection_FeesAndQuote(t *testing.T) {
	ctx := context.Background()
	_, conn := connectSim(t, daemonsim.Config{FeePPM: 1000, BaseFeeMsat: 10})

	fees, err := conn.Fees(ctx)
	if err != nil {
		t.Fatalf("Fees failed: %v", err)
	}
	if fees != (Fees{FeePPM: 1000, BaseFeeMsat: 10}) {
		t.Errorf("unexpected fees %+v", fees)
	}
	for amount, want := range map[uint64]uint64{0: 10, 1_000_000: 1010} {
		got, err := conn.Quote(ctx, amount)
		if err != nil {
			t.Fatalf("Quote(%d) failed: %v", amount, err)
		}
		if got != want {
			t.Errorf("Quote(%d) = %d, want %d", amount, got, want)
		}
	}

	req, ok := payreq.ParseWithAmount(testInvoice(t, 2_000_000, "coffee"))
	if !ok {
		t.Fatal("test invoice should parse")
	}
	quote, err := conn.QuoteRequest(ctx, req)
	if err != nil {
		t.Fatalf("QuoteRequest failed: %v", err)
	}
	if quote.AmountMsat != 2_000_000 || quote.FeeMsat != 2010 || quote.Description != "coffee" || quote.ExpirySecs != 600 {
		t.Errorf("unexpected quote %+v", quote)
	}
}

func TestConnection_SendBolt11Events(t *testing.T) {
	ctx := context.Background()
	d, conn := connectSim(t, daemonsim.Config{
		FeePPM:             1000,
		BaseFeeMsat:        10,
		InitialBalanceMsat: 10_000_000,
		AutoSettle:         20 * time.Millisecond,
	})

	invoice := testInvoice(t, 1_000_000, "coffee")
	req, _ := payreq.ParseWithAmount(invoice)
	if err := conn.Send(ctx, req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	payment, ok := nextEvent(t, conn).(PaymentEvent)
	if !ok {
		t.Fatal("first event should be a PaymentEvent")
	}
	if payment.PaymentType != PaymentSend || payment.Status != StatusPending {
		t.Errorf("unexpected payment %+v", payment)
	}
	if payment.AmountMsat != -1_000_000 || payment.FeeMsat != -1010 {
		t.Errorf("expected negative amount and fee, got %d/%d", payment.AmountMsat, payment.FeeMsat)
	}
	if payment.Bolt11Invoice != invoice || payment.Description != "coffee" {
		t.Errorf("unexpected invoice details %+v", payment)
	}

	balance, ok := nextEvent(t, conn).(BalanceEvent)
	if !ok {
		t.Fatal("second event should be a BalanceEvent")
	}
	if balance.AmountMsat != 10_000_000-1_001_010 {
		t.Errorf("unexpected balance %d", balance.AmountMsat)
	}

	update, ok := nextEvent(t, conn).(UpdateEvent)
	if !ok {
		t.Fatal("third event should be an UpdateEvent")
	}
	if update.ID != payment.ID || update.Status != StatusSettled {
		t.Errorf("unexpected update %+v", update)
	}
	if d.BalanceMsat() != balance.AmountMsat {
		t.Errorf("daemon balance %d, event said %d", d.BalanceMsat(), balance.AmountMsat)
	}
}

func TestConnection_SendAmountlessOffer(t *testing.T) {
	ctx := context.Background()
	payee, payeeConn := connectSim(t, daemonsim.Config{Name: "bob"})
	_, conn := connectSim(t, daemonsim.Config{InitialBalanceMsat: 1_000_000})

	offer, err := payeeConn.Bolt12ReceiveVariableAmount(ctx)
	if err != nil {
		t.Fatalf("Bolt12ReceiveVariableAmount failed: %v", err)
	}
	if _, ok := payreq.ParseWithAmount(offer); ok {
		t.Fatal("variable offer should not parse as a fixed-amount request")
	}
	open, ok := payreq.ParseWithoutAmount(offer)
	if !ok {
		t.Fatal("variable offer should parse without amount")
	}
	req, err := payreq.Resolve(ctx, open, 50_000)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	quote, err := conn.QuoteRequest(ctx, req)
	if err != nil {
		t.Fatalf("QuoteRequest failed: %v", err)
	}
	if quote.AmountMsat != 50_000 || quote.Description != "Payment to bob" {
		t.Errorf("unexpected quote %+v", quote)
	}
	if err := conn.Send(ctx, req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	payment, ok := nextEvent(t, conn).(PaymentEvent)
	if !ok || payment.AmountMsat != -50_000 || payment.Status != StatusPending {
		t.Errorf("unexpected first event %+v", payment)
	}

	if _, err := payee.PayOffer(offer, 7000); err != nil {
		t.Fatalf("PayOffer failed: %v", err)
	}
	received, ok := nextEvent(t, payeeConn).(PaymentEvent)
	if !ok || received.PaymentType != PaymentReceive || received.AmountMsat != 7000 {
		t.Errorf("unexpected receive event %+v", received)
	}
}

func TestConnection_SendRejected(t *testing.T) {
	ctx := context.Background()
	_, conn := connectSim(t, daemonsim.Config{InitialBalanceMsat: 1000})

	req, _ := payreq.ParseWithAmount(testInvoice(t, 1_000_000, "too much"))
	err := conn.Send(ctx, req)
	if !errors.Is(err, ErrPayment) {
		t.Fatalf("expected ErrPayment, got %v", err)
	}
	var rpcErr *transport.RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("expected the daemon's error to be wrapped, got %v", err)
	}

	expired, err := payreq.EncodeBolt11(payreq.Bolt11Params{
		Network:     "bcrt",
		AmountMsat:  500,
		Timestamp:   time.Now().Add(-time.Hour).Unix(),
		Description: "stale",
		Expiry:      60,
	})
	if err != nil {
		t.Fatal(err)
	}
	req, _ = payreq.ParseWithAmount(expired)
	if err := conn.Send(ctx, req); !errors.Is(err, ErrPayment) {
		t.Errorf("expected ErrPayment for expired invoice, got %v", err)
	}
}

func TestConnection_Bolt11Receive(t *testing.T) {
	ctx := context.Background()
	d, conn := connectSim(t, daemonsim.Config{})

	invoice, err := conn.Bolt11Receive(ctx, 21_000, "tip jar")
	if err != nil {
		t.Fatalf("Bolt11Receive failed: %v", err)
	}
	inv, err := payreq.DecodeBolt11(invoice)
	if err != nil {
		t.Fatalf("returned invoice does not decode: %v", err)
	}
	if inv.AmountMsat != 21_000 || inv.Description != "tip jar" {
		t.Errorf("unexpected invoice %+v", inv)
	}

	if _, err := d.PayInvoice(invoice, 0); err != nil {
		t.Fatalf("PayInvoice failed: %v", err)
	}
	payment, ok := nextEvent(t, conn).(PaymentEvent)
	if !ok || payment.PaymentType != PaymentReceive || payment.Status != StatusSettled || payment.AmountMsat != 21_000 {
		t.Errorf("unexpected payment %+v", payment)
	}
	if balance, ok := nextEvent(t, conn).(BalanceEvent); !ok || balance.AmountMsat != 21_000 {
		t.Errorf("unexpected balance %+v", balance)
	}

	if _, err := conn.Bolt11Receive(ctx, 0, "nothing"); !errors.Is(err, ErrInvoice) {
		t.Errorf("expected ErrInvoice for zero amount, got %v", err)
	}
}

func TestConnection_StatusDedupe(t *testing.T) {
	d, conn := connectSim(t, daemonsim.Config{})

	payment := func(status string) transport.Event {
		return transport.Event{Type: transport.EventPayment, Payment: &transport.PaymentEvent{
			ID: "p1", PaymentType: "send", Status: status, AmountMsat: -100,
		}}
	}
	update := func(status string) transport.Event {
		return transport.Event{Type: transport.EventUpdate, Update: &transport.UpdateEvent{ID: "p1", Status: status}}
	}
	d.Publish(payment("pending"))
	d.Publish(update("pending"))
	d.Publish(update("settled"))
	d.Publish(update("settled"))
	d.Publish(update("pending"))
	d.Publish(transport.Event{Type: "mystery"})
	d.Publish(update("failed"))
	d.Publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: 42}})

	want := []Event{
		PaymentEvent{ID: "p1", PaymentType: PaymentSend, Status: StatusPending, AmountMsat: -100},
		UpdateEvent{ID: "p1", Status: StatusSettled},
		UpdateEvent{ID: "p1", Status: StatusFailed},
		BalanceEvent{AmountMsat: 42},
	}
	for i, w := range want {
		if got := nextEvent(t, conn); got != w {
			t.Errorf("event %d: got %+v, want %+v", i, got, w)
		}
	}
}

func TestConnection_IndependentStreams(t *testing.T) {
	d, srv := startSim(t, daemonsim.Config{})
	c := newTestClient(t)
	first := register(t, c, issueInvite(t, d, srv))
	second := first.Daemon().Connect()
	t.Cleanup(func() { second.Close() })

	d.Publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: 1}})
	d.Publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: 2}})

	for _, conn := range []*Connection{first, second} {
		for _, want := range []uint64{1, 2} {
			if got := nextEvent(t, conn); got != (BalanceEvent{AmountMsat: want}) {
				t.Errorf("got %+v, want balance %d", got, want)
			}
		}
	}

	second.Close()
	if _, err := first.Fees(context.Background()); err != nil {
		t.Errorf("closing one connection should not affect another: %v", err)
	}
}

func TestConnection_ConcurrentNextEvent(t *testing.T) {
	d, conn := connectSim(t, daemonsim.Config{})
	const n = 50
	for i := 1; i <= n; i++ {
		d.Publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: uint64(i)}})
	}

	var mu sync.Mutex
	seen := make(map[uint64]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/5; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				ev, err := conn.NextEvent(ctx)
				cancel()
				if err != nil {
					t.Errorf("NextEvent failed: %v", err)
					return
				}
				mu.Lock()
				seen[ev.(BalanceEvent).AmountMsat]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d distinct events, got %d", n, len(seen))
	}
	for amount, count := range seen {
		if count != 1 {
			t.Errorf("event %d delivered %d times", amount, count)
		}
	}
}

func TestConnection_NextEventCancel(t *testing.T) {
	d, conn := connectSim(t, daemonsim.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.NextEvent(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	d.Publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: 9}})
	if got := nextEvent(t, conn); got != (BalanceEvent{AmountMsat: 9}) {
		t.Errorf("cancelled wait should not consume events, got %+v", got)
	}
}

func TestConnection_Close(t *testing.T) {
	ctx := context.Background()
	_, conn := connectSim(t, daemonsim.Config{})

	pending := make(chan error, 1)
	go func() {
		_, err := conn.NextEvent(ctx)
		pending <- err
	}()
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-pending:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending NextEvent was not released")
	}
	if _, err := conn.Fees(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestConnection_NetworkErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		ctx := context.Background()
		d, srv := startSim(t, daemonsim.Config{})
		conn := register(t, newTestClient(t), issueInvite(t, d, srv))
		srv.Close()

		if _, err := conn.Fees(ctx); !errors.Is(err, ErrNetwork) || !errors.Is(err, transport.ErrUnreachable) {
			t.Errorf("expected ErrNetwork wrapping ErrUnreachable, got %v", err)
		}
		if _, err := conn.NextEvent(ctx); !errors.Is(err, ErrNetwork) {
			t.Errorf("expected ErrNetwork from event stream, got %v", err)
		}
	})

	t.Run("revoked session", func(t *testing.T) {
		d, conn := connectSim(t, daemonsim.Config{})
		d.RevokeSessions()

		_, err := conn.Fees(context.Background())
		if !errors.Is(err, ErrNetwork) || !errors.Is(err, transport.ErrUnauthorized) {
			t.Errorf("expected ErrNetwork wrapping ErrUnauthorized, got %v", err)
		}
	})
}

func TestConnection_SendLightningAddress(t *testing.T) {
	ctx := context.Background()
	_, payeeConn := connectSim(t, daemonsim.Config{Name: "alice"})
	_, conn := connectSim(t, daemonsim.Config{InitialBalanceMsat: 1_000_000})

	var lnurl *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lnurlp/alice", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tag":         "payRequest",
			"callback":    lnurl.URL + "/callback",
			"minSendable": 1000,
			"maxSendable": 500_000,
			"metadata":    `[["text/plain","Tip alice"]]`,
		})
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		amount, _ := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
		invoice, err := payeeConn.Bolt11Receive(r.Context(), amount, "Tip alice")
		if err != nil {
			json.NewEncoder(w).Encode(map[string]string{"status": "ERROR", "reason": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"pr": invoice, "routes": []any{}})
	})
	lnurl = httptest.NewTLSServer(mux)
	t.Cleanup(lnurl.Close)

	address := "alice@" + strings.TrimPrefix(lnurl.URL, "https://")
	open, ok := payreq.ParseWithoutAmount(address)
	if !ok || open.Kind() != payreq.KindLightningAddress {
		t.Fatalf("%s should parse as a lightning address", address)
	}
	resolver := &payreq.Resolver{HTTPClient: lnurl.Client()}
	req, err := resolver.Resolve(ctx, open, 42_000)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := resolver.Resolve(ctx, open, 600_000); !errors.Is(err, payreq.ErrAmountOutOfBounds) {
		t.Errorf("expected ErrAmountOutOfBounds, got %v", err)
	}

	if err := conn.Send(ctx, req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	payment, ok := nextEvent(t, conn).(PaymentEvent)
	if !ok {
		t.Fatal("expected a PaymentEvent")
	}
	if payment.LnAddress != address || payment.AmountMsat != -42_000 || payment.Description != "Tip alice" {
		t.Errorf("unexpected payment %+v", payment)
	}
}

func TestConnection_PaymentAfterUpdate(t *testing.T) {
	d, conn := connectSim(t, daemonsim.Config{})

	d.Publish(transport.Event{Type: transport.EventUpdate, Update: &transport.UpdateEvent{ID: "p9", Status: "settled"}})
	d.Publish(transport.Event{Type: transport.EventPayment, Payment: &transport.PaymentEvent{
		ID: "p9", PaymentType: "send", Status: "pending", AmountMsat: -5000, FeeMsat: -5, Description: "coffee",
	}})
	d.Publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: 7}})

	want := []Event{
		UpdateEvent{ID: "p9", Status: StatusSettled},
		PaymentEvent{ID: "p9", PaymentType: PaymentSend, Status: StatusSettled, AmountMsat: -5000, FeeMsat: -5, Description: "coffee"},
		BalanceEvent{AmountMsat: 7},
	}
	for i, w := range want {
		if got := nextEvent(t, conn); got != w {
			t.Errorf("event %d: got %+v, want %+v", i, got, w)
		}
	}
}

func TestConnection_HistoryGapEndsStream(t *testing.T) {
	ctx := context.Background()
	d, srv := startSim(t, daemonsim.Config{HistoryLimit: 2})

	dir := t.TempDir()
	cfg := config.Default()
	cfg.RequestTimeout = 5
	cfg.EventPollWait = 1
	cfg.EventPollRate = 1
	cfg.EventPollBurst = 1
	if err := config.Write(dir, cfg); err != nil {
		t.Fatalf("config.Write failed: %v", err)
	}
	c, err := New(ctx, dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	conn := register(t, c, issueInvite(t, d, srv))

	d.Publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: 1}})
	if got := nextEvent(t, conn); got != (BalanceEvent{AmountMsat: 1}) {
		t.Fatalf("unexpected first event %+v", got)
	}

	// The next poll is paced a second out; trim the log past the cursor first.
	for i := uint64(2); i <= 6; i++ {
		d.Publish(transport.Event{Type: transport.EventBalance, Balance: &transport.BalanceEvent{AmountMsat: i}})
	}

	_, err = conn.NextEvent(ctx)
	var rpcErr *transport.RPCError
	if !errors.Is(err, ErrNetwork) || !errors.As(err, &rpcErr) || rpcErr.Code != transport.CodeHistoryGap {
		t.Errorf("expected ErrNetwork wrapping a history gap, got %v", err)
	}
}
