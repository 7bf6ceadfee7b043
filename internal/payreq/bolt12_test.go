package payreq

import (
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

func testIssuerID() []byte {
	return append([]byte{0x02}, bytes.Repeat([]byte{0xab}, 32)...)
}

func testOffer(t *testing.T, amountMsat uint64, description string) string {
	t.Helper()
	s, err := EncodeOffer(OfferParams{
		AmountMsat:  amountMsat,
		Description: description,
		IssuerID:    testIssuerID(),
	})
	if err != nil {
		t.Fatalf("EncodeOffer failed: %v", err)
	}
	return s
}

// encodeRawOffer renders arbitrary TLV bytes as an offer string.
func encodeRawOffer(t *testing.T, tlv []byte) string {
	t.Helper()
	words, err := bech32.ConvertBits(tlv, 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits failed: %v", err)
	}
	var b strings.Builder
	b.WriteString("lno1")
	for _, w := range words {
		b.WriteByte(bech32Charset[w])
	}
	return b.String()
}

func TestOffer_RoundTrip(t *testing.T) {
	s, err := EncodeOffer(OfferParams{
		AmountMsat:     21_000,
		Description:    "stickers",
		Issuer:         "shop",
		AbsoluteExpiry: 1_900_000_000,
		IssuerID:       testIssuerID(),
	})
	if err != nil {
		t.Fatalf("EncodeOffer failed: %v", err)
	}

	o, err := DecodeOffer(s)
	if err != nil {
		t.Fatalf("DecodeOffer failed: %v", err)
	}
	if !o.HasAmount || o.AmountMsat != 21_000 {
		t.Errorf("expected 21000 msat, got %d (has=%v)", o.AmountMsat, o.HasAmount)
	}
	if o.Description != "stickers" {
		t.Errorf("expected description stickers, got %q", o.Description)
	}
	if o.Issuer != "shop" {
		t.Errorf("expected issuer shop, got %q", o.Issuer)
	}
	if o.AbsoluteExpiry != 1_900_000_000 {
		t.Errorf("expected expiry 1900000000, got %d", o.AbsoluteExpiry)
	}
	if !bytes.Equal(o.IssuerID, testIssuerID()) {
		t.Error("issuer id mismatch")
	}
}

func TestOffer_Amountless(t *testing.T) {
	o, err := DecodeOffer(testOffer(t, 0, ""))
	if err != nil {
		t.Fatalf("DecodeOffer failed: %v", err)
	}
	if o.HasAmount {
		t.Errorf("expected no amount, got %d", o.AmountMsat)
	}
}

func TestOffer_SplitWithPlus(t *testing.T) {
	s := testOffer(t, 1000, "split")
	split := s[:12] + "+\n  " + s[12:30] + "+ " + s[30:]

	o, err := DecodeOffer(split)
	if err != nil {
		t.Fatalf("DecodeOffer failed: %v", err)
	}
	if o.Raw != s {
		t.Errorf("expected normalized %s, got %s", s, o.Raw)
	}
}

func TestOffer_Currency(t *testing.T) {
	var tlv []byte
	tlv = appendRecord(tlv, offerCurrency, []byte("USD"))
	tlv = appendRecord(tlv, offerAmount, tu64(500))
	tlv = appendRecord(tlv, offerDescription, []byte("fiat"))
	tlv = appendRecord(tlv, offerIssuerID, testIssuerID())

	o, err := DecodeOffer(encodeRawOffer(t, tlv))
	if err != nil {
		t.Fatalf("DecodeOffer failed: %v", err)
	}
	if o.Currency != "USD" {
		t.Errorf("expected currency USD, got %q", o.Currency)
	}
}

func TestOffer_Invalid(t *testing.T) {
	tests := []struct {
		name string
		tlv  func() []byte
	}{
		{"no issuer or paths", func() []byte {
			return appendRecord(nil, offerDescription, []byte("x"))
		}},
		{"out of order", func() []byte {
			tlv := appendRecord(nil, offerIssuerID, testIssuerID())
			return appendRecord(tlv, offerDescription, []byte("x"))
		}},
		{"amount without description", func() []byte {
			tlv := appendRecord(nil, offerAmount, tu64(10))
			return appendRecord(tlv, offerIssuerID, testIssuerID())
		}},
		{"zero amount", func() []byte {
			tlv := appendRecord(nil, offerAmount, nil)
			tlv = appendRecord(tlv, offerDescription, []byte("x"))
			return appendRecord(tlv, offerIssuerID, testIssuerID())
		}},
		{"unknown even type", func() []byte {
			tlv := appendRecord(nil, offerIssuerID, testIssuerID())
			return appendRecord(tlv, 24, []byte{1})
		}},
		{"short issuer id", func() []byte {
			return appendRecord(nil, offerIssuerID, []byte{2, 3})
		}},
		{"overrun", func() []byte {
			return []byte{byte(offerDescription), 10, 'x'}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeOffer(encodeRawOffer(t, tt.tlv())); err == nil {
				t.Error("expected error")
			}
		})
	}

	for _, s := range []string{"lno1", "lnoq", "lno1bbbbbb"} {
		if _, err := DecodeOffer(s); err == nil {
			t.Errorf("DecodeOffer(%q) should fail", s)
		}
	}
}

func TestBigSize_RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000} {
		buf := appendBigSize(nil, v)
		got, n, err := readBigSize(buf)
		if err != nil {
			t.Errorf("readBigSize(%d) failed: %v", v, err)
			continue
		}
		if got != v || n != len(buf) {
			t.Errorf("readBigSize = %d/%d, want %d/%d", got, n, v, len(buf))
		}
	}

	if _, _, err := readBigSize([]byte{0xfd, 0x00, 0x10}); err == nil {
		t.Error("non-minimal bigsize should fail")
	}
}
