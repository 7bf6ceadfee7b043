package payreq

import "strings"

// ParseWithAmount succeeds only for requests that encode their own amount:
// fixed-amount Bolt11 invoices and Bolt12 offers.
func ParseWithAmount(text string) (WithAmount, bool) {
	req, ok := ParseWithoutAmount(text)
	if !ok {
		return WithAmount{}, false
	}
	switch req.kind {
	case KindBolt11:
		if !req.invoice.HasAmount {
			return WithAmount{}, false
		}
		return bolt11WithAmount(req.invoice, req.invoice.AmountMsat), true
	case KindBolt12:
		if !req.offer.HasAmount {
			return WithAmount{}, false
		}
		return offerWithAmount(req.offer, req.offer.AmountMsat), true
	case KindLnurl, KindLightningAddress:
		return WithAmount{}, false
	default:
		return WithAmount{}, false
	}
}

// ParseWithoutAmount accepts every supported format, with or without a
// `lightning:` URI prefix.
func ParseWithoutAmount(text string) (WithoutAmount, bool) {
	text = strings.TrimSpace(text)
	if len(text) >= len("lightning:") && strings.EqualFold(text[:len("lightning:")], "lightning:") {
		text = strings.TrimSpace(text[len("lightning:"):])
	}
	if text == "" {
		return WithoutAmount{}, false
	}
	lower := strings.ToLower(text)

	switch {
	case strings.HasPrefix(lower, offerHRP+"1"):
		offer, err := DecodeOffer(text)
		if err != nil || offer.Currency != "" {
			return WithoutAmount{}, false
		}
		return WithoutAmount{kind: KindBolt12, offer: offer}, true
	case strings.HasPrefix(lower, lnurlHRP+"1"),
		strings.HasPrefix(lower, "lnurlp://"),
		strings.HasPrefix(lower, "https://"),
		strings.HasPrefix(lower, "http://"):
		endpoint, err := DecodeLnurl(text)
		if err != nil {
			return WithoutAmount{}, false
		}
		return WithoutAmount{kind: KindLnurl, endpoint: endpoint}, true
	case strings.Contains(lower, "@"):
		addr, err := ParseLightningAddress(text)
		if err != nil {
			return WithoutAmount{}, false
		}
		return WithoutAmount{kind: KindLightningAddress, address: addr, endpoint: addr.PayURL()}, true
	case strings.HasPrefix(lower, "ln"):
		inv, err := DecodeBolt11(text)
		if err != nil {
			return WithoutAmount{}, false
		}
		return WithoutAmount{kind: KindBolt11, invoice: inv}, true
	default:
		return WithoutAmount{}, false
	}
}
