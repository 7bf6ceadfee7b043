package client

import (
	"context"
	"errors"
	"fmt"

	"puncture/internal/transport"
)

var (
	ErrRegistration       = errors.New("registration failed")
	ErrAlreadyRegistered  = fmt.Errorf("%w: daemon already registered", ErrRegistration)
	ErrNetwork            = errors.New("network error")
	ErrPayment            = errors.New("payment failed")
	ErrInvoice            = errors.New("invoice creation failed")
	ErrOffer              = errors.New("offer creation failed")
	ErrDaemonUnregistered = errors.New("daemon unregistered")
	ErrSessionClosed      = errors.New("session closed")
)

// classify maps a transport failure onto the client taxonomy. Unreachable
// daemons and rejected sessions become ErrNetwork; a daemon that answered
// and refused becomes rejected. Both wrap the transport error as well.
func classify(rejected, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code != transport.CodeRateLimited {
		return fmt.Errorf("%w: %w", rejected, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
