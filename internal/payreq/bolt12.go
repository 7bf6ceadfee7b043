package payreq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const offerHRP = "lno"

// bech32Charset maps 5-bit values to characters. Offers use the charset
// without a checksum, so the bech32 package cannot decode them directly.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// Offer TLV types.
const (
	offerChains         = 2
	offerMetadata       = 4
	offerCurrency       = 6
	offerAmount         = 8
	offerDescription    = 10
	offerFeatures       = 12
	offerAbsoluteExpiry = 14
	offerPaths          = 16
	offerIssuer         = 18
	offerQuantityMax    = 20
	offerIssuerID       = 22
)

var errOffer = errors.New("invalid bolt12 offer")

// Offer is a decoded Bolt12 offer.
type Offer struct {
	Raw            string
	AmountMsat     uint64
	HasAmount      bool
	Currency       string
	Description    string
	Issuer         string
	AbsoluteExpiry uint64
	IssuerID       []byte
	HasPaths       bool
	Metadata       []byte
}

// DecodeOffer parses an `lno1...` offer string. A `+` followed by optional
// whitespace joins split offers.
func DecodeOffer(s string) (*Offer, error) {
	s = normalizeOffer(s)
	if !strings.HasPrefix(s, offerHRP+"1") {
		return nil, fmt.Errorf("%w: missing %s1 prefix", errOffer, offerHRP)
	}
	body := s[len(offerHRP)+1:]
	if body == "" {
		return nil, fmt.Errorf("%w: empty", errOffer)
	}

	words := make([]byte, len(body))
	for i := 0; i < len(body); i++ {
		v := strings.IndexByte(bech32Charset, body[i])
		if v < 0 {
			return nil, fmt.Errorf("%w: invalid character %q", errOffer, body[i])
		}
		words[i] = byte(v)
	}
	raw, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errOffer, err)
	}

	o := &Offer{Raw: s}
	var hasDescription bool
	var lastType uint64
	for first := true; len(raw) > 0; first = false {
		typ, n, err := readBigSize(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errOffer, err)
		}
		raw = raw[n:]
		length, n, err := readBigSize(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errOffer, err)
		}
		raw = raw[n:]
		if length > uint64(len(raw)) {
			return nil, fmt.Errorf("%w: record %d overruns data", errOffer, typ)
		}
		value := raw[:length]
		raw = raw[length:]

		if !first && typ <= lastType {
			return nil, fmt.Errorf("%w: records out of order", errOffer)
		}
		lastType = typ
		if !offerTypeInRange(typ) {
			return nil, fmt.Errorf("%w: record type %d outside offer range", errOffer, typ)
		}

		switch typ {
		case offerChains, offerFeatures, offerQuantityMax:
		case offerMetadata:
			o.Metadata = append([]byte(nil), value...)
		case offerCurrency:
			if !utf8.Valid(value) {
				return nil, fmt.Errorf("%w: currency is not utf-8", errOffer)
			}
			o.Currency = string(value)
		case offerAmount:
			o.AmountMsat, err = readTU64(value)
			if err != nil {
				return nil, fmt.Errorf("%w: amount: %v", errOffer, err)
			}
			o.HasAmount = true
		case offerDescription:
			if !utf8.Valid(value) {
				return nil, fmt.Errorf("%w: description is not utf-8", errOffer)
			}
			o.Description = string(value)
			hasDescription = true
		case offerAbsoluteExpiry:
			o.AbsoluteExpiry, err = readTU64(value)
			if err != nil {
				return nil, fmt.Errorf("%w: expiry: %v", errOffer, err)
			}
		case offerPaths:
			o.HasPaths = len(value) > 0
		case offerIssuer:
			if !utf8.Valid(value) {
				return nil, fmt.Errorf("%w: issuer is not utf-8", errOffer)
			}
			o.Issuer = string(value)
		case offerIssuerID:
			if len(value) != 33 {
				return nil, fmt.Errorf("%w: issuer id must be 33 bytes", errOffer)
			}
			o.IssuerID = append([]byte(nil), value...)
		default:
			if typ%2 == 0 {
				return nil, fmt.Errorf("%w: unknown even record %d", errOffer, typ)
			}
		}
	}

	switch {
	case o.HasAmount && o.AmountMsat == 0:
		return nil, fmt.Errorf("%w: zero amount", errOffer)
	case o.HasAmount && !hasDescription:
		return nil, fmt.Errorf("%w: amount without description", errOffer)
	case o.Currency != "" && !o.HasAmount:
		return nil, fmt.Errorf("%w: currency without amount", errOffer)
	case o.IssuerID == nil && !o.HasPaths:
		return nil, fmt.Errorf("%w: neither issuer id nor paths", errOffer)
	}
	return o, nil
}

// OfferParams describes an offer to encode.
type OfferParams struct {
	AmountMsat     uint64 // zero leaves the amount open
	Description    string
	Issuer         string
	AbsoluteExpiry uint64
	IssuerID       []byte
}

// EncodeOffer renders an offer in its canonical lowercase form.
func EncodeOffer(p OfferParams) (string, error) {
	if len(p.IssuerID) != 33 {
		return "", fmt.Errorf("issuer id must be 33 bytes, got %d", len(p.IssuerID))
	}

	var tlv []byte
	if p.AmountMsat != 0 {
		tlv = appendRecord(tlv, offerAmount, tu64(p.AmountMsat))
	}
	if p.Description != "" || p.AmountMsat != 0 {
		tlv = appendRecord(tlv, offerDescription, []byte(p.Description))
	}
	if p.AbsoluteExpiry != 0 {
		tlv = appendRecord(tlv, offerAbsoluteExpiry, tu64(p.AbsoluteExpiry))
	}
	if p.Issuer != "" {
		tlv = appendRecord(tlv, offerIssuer, []byte(p.Issuer))
	}
	tlv = appendRecord(tlv, offerIssuerID, p.IssuerID)

	words, err := bech32.ConvertBits(tlv, 8, 5, true)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(offerHRP + "1")
	for _, w := range words {
		b.WriteByte(bech32Charset[w])
	}
	return b.String(), nil
}

func normalizeOffer(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.Contains(s, "+") {
		return s
	}
	var b strings.Builder
	skipSpace := false
	for _, r := range s {
		switch {
		case r == '+':
			skipSpace = true
			continue
		case skipSpace && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			continue
		}
		skipSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

func offerTypeInRange(typ uint64) bool {
	return (typ >= 1 && typ <= 79) || (typ >= 1_000_000_000 && typ <= 1_999_999_999)
}

func appendRecord(buf []byte, typ uint64, value []byte) []byte {
	buf = appendBigSize(buf, typ)
	buf = appendBigSize(buf, uint64(len(value)))
	return append(buf, value...)
}

func readBigSize(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.New("truncated bigsize")
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0, errors.New("truncated bigsize")
		}
		v := uint64(binary.BigEndian.Uint16(b[1:3]))
		if v < 0xfd {
			return 0, 0, errors.New("non-minimal bigsize")
		}
		return v, 3, nil
	case 0xfe:
		if len(b) < 5 {
			return 0, 0, errors.New("truncated bigsize")
		}
		v := uint64(binary.BigEndian.Uint32(b[1:5]))
		if v <= 0xffff {
			return 0, 0, errors.New("non-minimal bigsize")
		}
		return v, 5, nil
	case 0xff:
		if len(b) < 9 {
			return 0, 0, errors.New("truncated bigsize")
		}
		v := binary.BigEndian.Uint64(b[1:9])
		if v <= 0xffffffff {
			return 0, 0, errors.New("non-minimal bigsize")
		}
		return v, 9, nil
	default:
		return uint64(b[0]), 1, nil
	}
}

func appendBigSize(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(buf, byte(v))
	case v <= 0xffff:
		return binary.BigEndian.AppendUint16(append(buf, 0xfd), uint16(v))
	case v <= 0xffffffff:
		return binary.BigEndian.AppendUint32(append(buf, 0xfe), uint32(v))
	default:
		return binary.BigEndian.AppendUint64(append(buf, 0xff), v)
	}
}

// readTU64 decodes a truncated big-endian integer without leading zeros.
func readTU64(b []byte) (uint64, error) {
	if len(b) > 8 {
		return 0, errors.New("tu64 longer than 8 bytes")
	}
	if len(b) > 0 && b[0] == 0 {
		return 0, errors.New("non-minimal tu64")
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

func tu64(v uint64) []byte {
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], v)
	i := 0
	for i < 8 && full[i] == 0 {
		i++
	}
	return append([]byte(nil), full[i:]...)
}
