package payreq

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"puncture/internal/logging"
)

var (
	// ErrAmountOutOfBounds means a different amount may succeed.
	ErrAmountOutOfBounds = errors.New("amount out of bounds")
	// ErrPayeeUnreachable means the payee's service could not be contacted.
	ErrPayeeUnreachable = errors.New("payee service unreachable")
	// ErrPayeeRejected means the payee's service answered but refused the
	// request or returned something unusable.
	ErrPayeeRejected = errors.New("payee service rejected request")
)

const maxLnurlResponseBytes = 64 << 10

// ResolutionError reports why a request could not be given an amount. Cause
// is one of ErrAmountOutOfBounds, ErrPayeeUnreachable, ErrPayeeRejected or
// ErrUnsupported.
type ResolutionError struct {
	Cause  error
	Detail string
	Err    error
}

func (e *ResolutionError) Error() string {
	msg := e.Cause.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.Err}
}

func resolutionErr(cause error, err error, format string, args ...any) *ResolutionError {
	return &ResolutionError{Cause: cause, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Resolver performs the network half of resolution.
type Resolver struct {
	HTTPClient *http.Client
}

// NewResolver returns a Resolver whose requests time out after timeout.
func NewResolver(timeout time.Duration) *Resolver {
	return &Resolver{HTTPClient: &http.Client{Timeout: timeout}}
}

// DefaultResolver is used by Resolve.
var DefaultResolver = NewResolver(15 * time.Second)

// Resolve attaches amountMsat to req using DefaultResolver.
func Resolve(ctx context.Context, req WithoutAmount, amountMsat uint64) (WithAmount, error) {
	return DefaultResolver.Resolve(ctx, req, amountMsat)
}

// Resolve turns req into a sendable request for amountMsat. Bolt11 and Bolt12
// requests resolve locally; LNURL and Lightning Address requests fetch a fresh
// invoice from the payee's service.
func (r *Resolver) Resolve(ctx context.Context, req WithoutAmount, amountMsat uint64) (WithAmount, error) {
	if amountMsat == 0 {
		return WithAmount{}, resolutionErr(ErrAmountOutOfBounds, nil, "amount must be positive")
	}

	switch req.kind {
	case KindBolt11:
		if req.invoice.HasAmount && req.invoice.AmountMsat != amountMsat {
			return WithAmount{}, resolutionErr(ErrAmountOutOfBounds, nil,
				"invoice is fixed at %d msat, got %d", req.invoice.AmountMsat, amountMsat)
		}
		return bolt11WithAmount(req.invoice, amountMsat), nil
	case KindBolt12:
		if req.offer.HasAmount && req.offer.AmountMsat != amountMsat {
			return WithAmount{}, resolutionErr(ErrAmountOutOfBounds, nil,
				"offer is fixed at %d msat, got %d", req.offer.AmountMsat, amountMsat)
		}
		return offerWithAmount(req.offer, amountMsat), nil
	case KindLnurl, KindLightningAddress:
		return r.payLnurl(ctx, req, amountMsat)
	default:
		return WithAmount{}, resolutionErr(ErrUnsupported, nil, "%s", req.kind)
	}
}

// payResponse is the first LNURL-pay step (LUD-06).
type payResponse struct {
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	Tag         string `json:"tag"`
	Callback    string `json:"callback"`
	MinSendable uint64 `json:"minSendable"`
	MaxSendable uint64 `json:"maxSendable"`
	Metadata    string `json:"metadata"`
}

type invoiceResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	PR     string `json:"pr"`
}

func (r *Resolver) payLnurl(ctx context.Context, req WithoutAmount, amountMsat uint64) (WithAmount, error) {
	endpoint := req.endpoint
	if endpoint == nil {
		return WithAmount{}, resolutionErr(ErrUnsupported, nil, "missing lnurl endpoint")
	}

	var pay payResponse
	if err := r.getJSON(ctx, endpoint, &pay); err != nil {
		return WithAmount{}, err
	}
	if pay.Status == "ERROR" {
		return WithAmount{}, resolutionErr(ErrPayeeRejected, nil, "%s", pay.Reason)
	}
	if pay.Tag != "payRequest" {
		return WithAmount{}, resolutionErr(ErrPayeeRejected, nil, "unexpected lnurl tag %q", pay.Tag)
	}
	if pay.MinSendable == 0 || pay.MinSendable > pay.MaxSendable {
		return WithAmount{}, resolutionErr(ErrPayeeRejected, nil,
			"invalid sendable range %d-%d", pay.MinSendable, pay.MaxSendable)
	}
	if amountMsat < pay.MinSendable || amountMsat > pay.MaxSendable {
		return WithAmount{}, resolutionErr(ErrAmountOutOfBounds, nil,
			"%d msat outside %d-%d msat accepted by %s", amountMsat, pay.MinSendable, pay.MaxSendable, endpoint.Host)
	}

	callback, err := parseServiceURL(pay.Callback)
	if err != nil {
		return WithAmount{}, resolutionErr(ErrPayeeRejected, err, "bad callback")
	}
	q := callback.Query()
	q.Set("amount", strconv.FormatUint(amountMsat, 10))
	callback.RawQuery = q.Encode()

	var inv invoiceResponse
	if err := r.getJSON(ctx, callback, &inv); err != nil {
		return WithAmount{}, err
	}
	if inv.Status == "ERROR" {
		return WithAmount{}, resolutionErr(ErrPayeeRejected, nil, "%s", inv.Reason)
	}

	decoded, err := DecodeBolt11(inv.PR)
	if err != nil {
		return WithAmount{}, resolutionErr(ErrPayeeRejected, err, "service returned an invalid invoice")
	}
	if !decoded.HasAmount || decoded.AmountMsat != amountMsat {
		return WithAmount{}, resolutionErr(ErrPayeeRejected, nil,
			"invoice amount %d msat does not match requested %d msat", decoded.AmountMsat, amountMsat)
	}
	if decoded.DescriptionHash != nil {
		sum := sha256.Sum256([]byte(pay.Metadata))
		if !bytes.Equal(sum[:], decoded.DescriptionHash) {
			return WithAmount{}, resolutionErr(ErrPayeeRejected, nil, "invoice description hash does not match metadata")
		}
	}

	description := metadataText(pay.Metadata)
	if description == "" {
		description = decoded.Description
	}
	logging.LNURL.Printf("resolved %s for %d msat", endpoint.Host, amountMsat)

	return WithAmount{
		kind:        req.kind,
		amountMsat:  amountMsat,
		description: description,
		invoice:     decoded.Raw,
		host:        endpoint.Host,
		address:     req.address.String(),
		expiry:      decoded.Expiry,
	}, nil
}

func (r *Resolver) getJSON(ctx context.Context, u *url.URL, v any) error {
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return resolutionErr(ErrPayeeRejected, err, "bad url")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return resolutionErr(ErrPayeeUnreachable, err, "%s", u.Host)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLnurlResponseBytes))
	if err != nil {
		return resolutionErr(ErrPayeeUnreachable, err, "reading response from %s", u.Host)
	}
	if resp.StatusCode >= 500 {
		return resolutionErr(ErrPayeeUnreachable, nil, "%s returned status %d", u.Host, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(body, &e) == nil && e.Reason != "" {
			return resolutionErr(ErrPayeeRejected, nil, "%s", e.Reason)
		}
		return resolutionErr(ErrPayeeRejected, nil, "%s returned status %d", u.Host, resp.StatusCode)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return resolutionErr(ErrPayeeRejected, err, "invalid response from %s", u.Host)
	}
	return nil
}

// metadataText extracts the text/plain entry of LNURL-pay metadata.
func metadataText(metadata string) string {
	var entries [][2]string
	if err := json.Unmarshal([]byte(metadata), &entries); err != nil {
		return ""
	}
	for _, e := range entries {
		if e[0] == "text/plain" {
			return e[1]
		}
	}
	return ""
}
