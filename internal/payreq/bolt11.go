package payreq

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	bolt11SignatureWords = 104
	bolt11TimestampWords = 7
	hashWords            = 52

	// DefaultInvoiceExpiry applies when an invoice carries no expiry field.
	DefaultInvoiceExpiry = 3600

	msatPerBTC = 100_000_000_000
)

// Tagged field types used by Bolt11.
const (
	tagPaymentHash     = 1
	tagExpiry          = 6
	tagDescription     = 13
	tagPaymentSecret   = 16
	tagPayee           = 19
	tagDescriptionHash = 23
	tagMinFinalCLTV    = 24
)

var errBolt11 = errors.New("invalid bolt11 invoice")

// bolt11Networks is ordered so longer currency prefixes match first.
var bolt11Networks = []string{"bcrt", "tbs", "bc", "tb", "sb"}

// Bolt11 is a decoded Lightning invoice. The signature is carried but not
// checked; the paying daemon verifies it.
type Bolt11 struct {
	Raw             string
	Network         string
	AmountMsat      uint64
	HasAmount       bool
	Timestamp       int64
	PaymentHash     [32]byte
	PaymentSecret   []byte
	Description     string
	DescriptionHash []byte
	Expiry          uint64
	MinFinalCLTV    uint64
	Payee           []byte
}

// DecodeBolt11 parses a bech32 Bolt11 invoice.
func DecodeBolt11(s string) (*Bolt11, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	hrp, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBolt11, err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("%w: prefix %q", errBolt11, hrp)
	}

	inv := &Bolt11{Raw: s, Expiry: DefaultInvoiceExpiry, MinFinalCLTV: 18}
	network, amountPart, ok := splitNetwork(hrp[2:])
	if !ok {
		return nil, fmt.Errorf("%w: unknown network in %q", errBolt11, hrp)
	}
	inv.Network = network
	if amountPart != "" {
		inv.AmountMsat, err = parseHRPAmount(amountPart)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBolt11, err)
		}
		inv.HasAmount = true
	}

	if len(data) < bolt11TimestampWords+bolt11SignatureWords {
		return nil, fmt.Errorf("%w: too short", errBolt11)
	}
	inv.Timestamp = int64(wordsToUint(data[:bolt11TimestampWords]))

	fields := data[bolt11TimestampWords : len(data)-bolt11SignatureWords]
	var hasHash, hasDescription bool
	for len(fields) > 0 {
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: truncated tagged field", errBolt11)
		}
		tag := fields[0]
		n := int(wordsToUint(fields[1:3]))
		if len(fields) < 3+n {
			return nil, fmt.Errorf("%w: tagged field %d overruns data", errBolt11, tag)
		}
		value := fields[3 : 3+n]
		fields = fields[3+n:]

		switch tag {
		case tagPaymentHash:
			if n != hashWords {
				continue
			}
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err != nil || len(b) != 32 {
				continue
			}
			copy(inv.PaymentHash[:], b)
			hasHash = true
		case tagPaymentSecret:
			if n != hashWords {
				continue
			}
			if b, err := bech32.ConvertBits(value, 5, 8, false); err == nil {
				inv.PaymentSecret = b
			}
		case tagDescription:
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err != nil {
				return nil, fmt.Errorf("%w: description: %v", errBolt11, err)
			}
			inv.Description = string(b)
			hasDescription = true
		case tagDescriptionHash:
			if n != hashWords {
				continue
			}
			if b, err := bech32.ConvertBits(value, 5, 8, false); err == nil {
				inv.DescriptionHash = b
				hasDescription = true
			}
		case tagExpiry:
			inv.Expiry = wordsToUint(value)
		case tagMinFinalCLTV:
			inv.MinFinalCLTV = wordsToUint(value)
		case tagPayee:
			if n != 53 {
				continue
			}
			if b, err := bech32.ConvertBits(value, 5, 8, false); err == nil {
				inv.Payee = b
			}
		}
	}

	if !hasHash {
		return nil, fmt.Errorf("%w: missing payment hash", errBolt11)
	}
	if !hasDescription {
		return nil, fmt.Errorf("%w: missing description", errBolt11)
	}
	return inv, nil
}

// Bolt11Params describes an invoice to encode.
type Bolt11Params struct {
	Network         string
	AmountMsat      uint64 // zero encodes an amount-less invoice
	Timestamp       int64
	PaymentHash     [32]byte
	PaymentSecret   []byte
	Description     string
	DescriptionHash []byte
	Expiry          uint64
}

// EncodeBolt11 renders an invoice with an all-zero signature.
func EncodeBolt11(p Bolt11Params) (string, error) {
	network := p.Network
	if network == "" {
		network = "bc"
	}
	hrp := "ln" + network + formatHRPAmount(p.AmountMsat)

	data := uintToWords(uint64(p.Timestamp), bolt11TimestampWords)

	appendField := func(tag byte, value []byte) error {
		words, err := bech32.ConvertBits(value, 8, 5, true)
		if err != nil {
			return err
		}
		if len(words) > 1023 {
			return fmt.Errorf("tagged field %d too long", tag)
		}
		data = appendTagged(data, tag, words)
		return nil
	}

	if err := appendField(tagPaymentHash, p.PaymentHash[:]); err != nil {
		return "", err
	}
	if len(p.PaymentSecret) == 32 {
		if err := appendField(tagPaymentSecret, p.PaymentSecret); err != nil {
			return "", err
		}
	}
	if len(p.DescriptionHash) == 32 {
		if err := appendField(tagDescriptionHash, p.DescriptionHash); err != nil {
			return "", err
		}
	} else {
		if err := appendField(tagDescription, []byte(p.Description)); err != nil {
			return "", err
		}
	}
	if p.Expiry != 0 {
		data = appendTagged(data, tagExpiry, minimalWords(p.Expiry))
	}

	data = append(data, make([]byte, bolt11SignatureWords)...)
	return bech32.Encode(hrp, data)
}

func appendTagged(data []byte, tag byte, words []byte) []byte {
	data = append(data, tag)
	data = append(data, uintToWords(uint64(len(words)), 2)...)
	return append(data, words...)
}

func splitNetwork(s string) (network, amount string, ok bool) {
	for _, n := range bolt11Networks {
		if strings.HasPrefix(s, n) {
			rest := s[len(n):]
			if rest == "" || (rest[0] >= '0' && rest[0] <= '9') {
				return n, rest, true
			}
		}
	}
	return "", "", false
}

// parseHRPAmount converts the amount part of the human-readable prefix to
// millisatoshi.
func parseHRPAmount(s string) (uint64, error) {
	multiplier := byte(0)
	digits := s
	if last := s[len(s)-1]; last < '0' || last > '9' {
		multiplier = last
		digits = s[:len(s)-1]
	}
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return 0, fmt.Errorf("bad amount %q", s)
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q", s)
	}

	var msat uint64
	var overflow bool
	switch multiplier {
	case 0:
		msat, overflow = mulOverflows(n, msatPerBTC)
	case 'm':
		msat, overflow = mulOverflows(n, 100_000_000)
	case 'u':
		msat, overflow = mulOverflows(n, 100_000)
	case 'n':
		msat, overflow = mulOverflows(n, 100)
	case 'p':
		if n%10 != 0 {
			return 0, fmt.Errorf("sub-millisatoshi amount %q", s)
		}
		msat = n / 10
	default:
		return 0, fmt.Errorf("unknown multiplier %q", multiplier)
	}
	if overflow {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	if msat == 0 {
		return 0, fmt.Errorf("zero amount")
	}
	return msat, nil
}

func formatHRPAmount(msat uint64) string {
	switch {
	case msat == 0:
		return ""
	case msat%msatPerBTC == 0:
		return strconv.FormatUint(msat/msatPerBTC, 10)
	case msat%100_000_000 == 0:
		return strconv.FormatUint(msat/100_000_000, 10) + "m"
	case msat%100_000 == 0:
		return strconv.FormatUint(msat/100_000, 10) + "u"
	case msat%100 == 0:
		return strconv.FormatUint(msat/100, 10) + "n"
	default:
		return strconv.FormatUint(msat*10, 10) + "p"
	}
}

func mulOverflows(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi != 0
}

func wordsToUint(words []byte) uint64 {
	var v uint64
	for _, w := range words {
		v = v<<5 | uint64(w)
	}
	return v
}

func uintToWords(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v & 31)
		v >>= 5
	}
	return out
}

func minimalWords(v uint64) []byte {
	n := 1
	for x := v >> 5; x > 0; x >>= 5 {
		n++
	}
	return uintToWords(v, n)
}
