package payreq

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const lnurlHRP = "lnurl"

var (
	errLnurl = errors.New("invalid lnurl")

	addressUserPattern = regexp.MustCompile(`^[a-z0-9\-_.+]+$`)
	hostnamePattern    = regexp.MustCompile(`^([a-z0-9]([a-z0-9\-]*[a-z0-9])?\.)*[a-z0-9]([a-z0-9\-]*[a-z0-9])?$`)
)

// LightningAddress is a `user@domain` payee identifier resolved through the
// domain's LNURL-pay endpoint.
type LightningAddress struct {
	User   string
	Domain string
}

func (a LightningAddress) String() string {
	if a.User == "" {
		return ""
	}
	return a.User + "@" + a.Domain
}

// PayURL returns the well-known LNURL-pay endpoint for the address.
func (a LightningAddress) PayURL() *url.URL {
	return &url.URL{
		Scheme: schemeForHost(a.Domain),
		Host:   a.Domain,
		Path:   "/.well-known/lnurlp/" + a.User,
	}
}

// ParseLightningAddress accepts `user@domain` with an optional port on the
// domain. The result is lowercased.
func ParseLightningAddress(s string) (LightningAddress, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	user, domain, ok := strings.Cut(s, "@")
	if !ok || strings.Contains(domain, "@") {
		return LightningAddress{}, errors.New("lightning address must be user@domain")
	}
	if !addressUserPattern.MatchString(user) {
		return LightningAddress{}, fmt.Errorf("invalid lightning address user %q", user)
	}

	host := domain
	if h, port, err := net.SplitHostPort(domain); err == nil {
		if port == "" {
			return LightningAddress{}, fmt.Errorf("invalid lightning address domain %q", domain)
		}
		host = h
	}
	if net.ParseIP(host) == nil && !hostnamePattern.MatchString(host) {
		return LightningAddress{}, fmt.Errorf("invalid lightning address domain %q", domain)
	}
	return LightningAddress{User: user, Domain: domain}, nil
}

// DecodeLnurl turns any LNURL-pay form into its https endpoint: a bech32
// `lnurl1...` string, an `lnurlp://` URL, or a web URL carrying a
// `lightning=` query parameter.
func DecodeLnurl(s string) (*url.URL, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, lnurlHRP+"1"):
		hrp, words, err := bech32.DecodeNoLimit(lower)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errLnurl, err)
		}
		if hrp != lnurlHRP {
			return nil, fmt.Errorf("%w: prefix %q", errLnurl, hrp)
		}
		raw, err := bech32.ConvertBits(words, 5, 8, false)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errLnurl, err)
		}
		return parseServiceURL(string(raw))
	case strings.HasPrefix(lower, "lnurlp://"):
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errLnurl, err)
		}
		u.Scheme = schemeForHost(u.Hostname())
		return parseServiceURL(u.String())
	case strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://"):
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errLnurl, err)
		}
		embedded := u.Query().Get("lightning")
		if !strings.HasPrefix(strings.ToLower(embedded), lnurlHRP+"1") {
			return nil, fmt.Errorf("%w: no lightning parameter", errLnurl)
		}
		return DecodeLnurl(embedded)
	default:
		return nil, fmt.Errorf("%w: unrecognised form", errLnurl)
	}
}

// EncodeLnurl renders a service URL as an uppercase bech32 LNURL.
func EncodeLnurl(serviceURL string) (string, error) {
	if _, err := parseServiceURL(serviceURL); err != nil {
		return "", err
	}
	words, err := bech32.ConvertBits([]byte(serviceURL), 8, 5, true)
	if err != nil {
		return "", err
	}
	s, err := bech32.Encode(lnurlHRP, words)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(s), nil
}

// parseServiceURL accepts https URLs, and plain http only for onion hosts.
func parseServiceURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errLnurl, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: no host", errLnurl)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !strings.HasSuffix(u.Hostname(), ".onion") {
			return nil, fmt.Errorf("%w: clearnet service must use https", errLnurl)
		}
	default:
		return nil, fmt.Errorf("%w: scheme %q", errLnurl, u.Scheme)
	}
	return u, nil
}

func schemeForHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.HasSuffix(host, ".onion") {
		return "http"
	}
	return "https"
}
