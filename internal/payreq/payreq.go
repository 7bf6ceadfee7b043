// Package payreq parses Lightning payment targets and resolves them into
// requests that carry a definite amount.
//
// A request exists in two stages. WithoutAmount is what the user handed us;
// WithAmount is ready to send. The only way from the first to the second is
// Resolve, so "has the amount been settled" is a property of the type.
package payreq

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/dustin/go-humanize"
)

// Kind is the closed set of supported wire formats.
type Kind int

const (
	KindBolt11 Kind = iota + 1
	KindBolt12
	KindLnurl
	KindLightningAddress
)

func (k Kind) String() string {
	switch k {
	case KindBolt11:
		return "bolt11"
	case KindBolt12:
		return "bolt12"
	case KindLnurl:
		return "lnurl"
	case KindLightningAddress:
		return "lightning-address"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrUnsupported = errors.New("unsupported payment request")

// WithoutAmount is a parsed payment target whose amount may still be open.
type WithoutAmount struct {
	kind     Kind
	invoice  *Bolt11
	offer    *Offer
	endpoint *url.URL
	address  LightningAddress
}

func (r WithoutAmount) Kind() Kind { return r.kind }

// Invoice is set for KindBolt11.
func (r WithoutAmount) Invoice() *Bolt11 { return r.invoice }

// Offer is set for KindBolt12.
func (r WithoutAmount) Offer() *Offer { return r.offer }

// Address is set for KindLightningAddress.
func (r WithoutAmount) Address() LightningAddress { return r.address }

// Endpoint returns the LNURL-pay endpoint for KindLnurl and
// KindLightningAddress, nil otherwise.
func (r WithoutAmount) Endpoint() *url.URL {
	if r.endpoint == nil {
		return nil
	}
	u := *r.endpoint
	return &u
}

// FixedAmount reports the amount a Bolt11 or Bolt12 request already encodes.
func (r WithoutAmount) FixedAmount() (uint64, bool) {
	switch r.kind {
	case KindBolt11:
		return r.invoice.AmountMsat, r.invoice.HasAmount
	case KindBolt12:
		return r.offer.AmountMsat, r.offer.HasAmount
	case KindLnurl, KindLightningAddress:
		return 0, false
	default:
		return 0, false
	}
}

// Description returns whatever description is known before resolution.
func (r WithoutAmount) Description() string {
	switch r.kind {
	case KindBolt11:
		return r.invoice.Description
	case KindBolt12:
		return r.offer.Description
	case KindLnurl, KindLightningAddress:
		return ""
	default:
		return ""
	}
}

func (r WithoutAmount) Display() string {
	switch r.kind {
	case KindBolt11:
		if r.invoice.HasAmount {
			return "Invoice for " + formatSats(r.invoice.AmountMsat) + " sats"
		}
		return "Invoice for any amount"
	case KindBolt12:
		if r.offer.HasAmount {
			return "Offer for " + formatSats(r.offer.AmountMsat) + " sats"
		}
		return "Offer for any amount"
	case KindLnurl:
		return "LNURL payment to " + r.endpoint.Host
	case KindLightningAddress:
		return "Payment to " + r.address.String()
	default:
		return "Unknown payment request"
	}
}

// WithAmount is a payment request ready to be sent. Its amount cannot change
// after construction.
type WithAmount struct {
	kind        Kind
	amountMsat  uint64
	description string
	invoice     string
	offer       string
	host        string
	address     string
	expiry      uint64
}

func (r WithAmount) Kind() Kind { return r.kind }

func (r WithAmount) AmountMsat() uint64 { return r.amountMsat }

func (r WithAmount) Description() string { return r.description }

// Invoice is the Bolt11 string to pay for KindBolt11, KindLnurl and
// KindLightningAddress.
func (r WithAmount) Invoice() string { return r.invoice }

// Offer is the Bolt12 offer for KindBolt12.
func (r WithAmount) Offer() string { return r.offer }

// LnAddress is the payee address for KindLightningAddress, empty otherwise.
func (r WithAmount) LnAddress() string { return r.address }

// ExpirySecs is the invoice expiry, zero for offers without one.
func (r WithAmount) ExpirySecs() uint64 { return r.expiry }

func (r WithAmount) Display() string {
	sats := formatSats(r.amountMsat)
	switch r.kind {
	case KindBolt11:
		return "Invoice for " + sats + " sats"
	case KindBolt12:
		return "Offer for " + sats + " sats"
	case KindLnurl:
		return "LNURL payment of " + sats + " sats to " + r.host
	case KindLightningAddress:
		return "Payment of " + sats + " sats to " + r.address
	default:
		return "Payment of " + sats + " sats"
	}
}

// formatSats truncates to whole sats; sub-sat remainders are dropped.
func formatSats(msat uint64) string {
	return humanize.Comma(int64(msat / 1000))
}

func bolt11WithAmount(inv *Bolt11, amountMsat uint64) WithAmount {
	return WithAmount{
		kind:        KindBolt11,
		amountMsat:  amountMsat,
		description: inv.Description,
		invoice:     inv.Raw,
		expiry:      inv.Expiry,
	}
}

func offerWithAmount(o *Offer, amountMsat uint64) WithAmount {
	return WithAmount{
		kind:        KindBolt12,
		amountMsat:  amountMsat,
		description: o.Description,
		offer:       o.Raw,
	}
}
