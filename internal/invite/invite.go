// Package invite decodes the out-of-band credential a daemon hands out for
// first-time registration.
package invite

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

var ErrInvalidInvite = errors.New("invalid invite")

const (
	// Prefix starts every canonical invite text.
	Prefix = "punc1"

	// IdentityPrefix starts every daemon identity string.
	IdentityPrefix = "pnd"

	version      = 1
	SecretSize   = 16
	checksumSize = 4
	maxAddrLen   = 512
	minRawLen    = 1 + ed25519.PublicKeySize + SecretSize + 1 + checksumSize
)

// Invite identifies a daemon, how to reach it and the one-time secret it
// accepts for registration.
type Invite struct {
	PublicKey ed25519.PublicKey
	Secret    [SecretSize]byte
	Address   string
}

// Decode parses the canonical invite text. It never returns a partially
// populated Invite.
func Decode(text string) (Invite, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, Prefix) {
		return Invite{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidInvite, Prefix)
	}
	raw, err := base58.Decode(text[len(Prefix):])
	if err != nil {
		return Invite{}, fmt.Errorf("%w: bad encoding", ErrInvalidInvite)
	}
	if len(raw) < minRawLen {
		return Invite{}, fmt.Errorf("%w: truncated", ErrInvalidInvite)
	}

	body, sum := raw[:len(raw)-checksumSize], raw[len(raw)-checksumSize:]
	if !bytes.Equal(checksum(body), sum) {
		return Invite{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidInvite)
	}
	if body[0] != version {
		return Invite{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidInvite, body[0])
	}
	body = body[1:]

	var inv Invite
	inv.PublicKey = ed25519.PublicKey(bytes.Clone(body[:ed25519.PublicKeySize]))
	body = body[ed25519.PublicKeySize:]
	copy(inv.Secret[:], body[:SecretSize])
	addr := string(body[SecretSize:])

	if err := validateAddress(addr); err != nil {
		return Invite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	inv.Address = addr
	return inv, nil
}

// Encode renders inv in its canonical text form.
func Encode(inv Invite) (string, error) {
	if len(inv.PublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key size: %d", len(inv.PublicKey))
	}
	if err := validateAddress(inv.Address); err != nil {
		return "", err
	}

	buf := make([]byte, 0, minRawLen+len(inv.Address))
	buf = append(buf, version)
	buf = append(buf, inv.PublicKey...)
	buf = append(buf, inv.Secret[:]...)
	buf = append(buf, inv.Address...)
	buf = append(buf, checksum(buf)...)
	return Prefix + base58.Encode(buf), nil
}

// DaemonID returns the stable identity of the daemon the invite points at.
func (i Invite) DaemonID() string {
	return IdentityFromKey(i.PublicKey)
}

func (i Invite) String() string {
	s, err := Encode(i)
	if err != nil {
		return ""
	}
	return s
}

// IdentityFromKey derives the daemon identity string from its public key.
func IdentityFromKey(pub ed25519.PublicKey) string {
	h := blake2b.Sum256(pub)
	return IdentityPrefix + base58.Encode(h[:])
}

func checksum(body []byte) []byte {
	h := blake2b.Sum256(body)
	return h[:checksumSize]
}

func validateAddress(addr string) error {
	if addr == "" {
		return errors.New("empty address")
	}
	if len(addr) > maxAddrLen {
		return errors.New("address too long")
	}
	if !utf8.ValidString(addr) {
		return errors.New("address is not utf-8")
	}
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("address: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("address has no host")
	}
	return nil
}
