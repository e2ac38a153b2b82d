package security

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net"
	"strings"
)

var (
	ErrSignatureMissing   = errors.New("signature header missing")
	ErrSignatureMalformed = errors.New("signature header malformed")
	ErrSignatureMismatch  = errors.New("digest does not match signature")
)

// VerifySignature checks a "<algorithm>=<hex digest>" header value against the
// HMAC of body keyed with secret. sha1 and sha256 are accepted.
func VerifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrSignatureMissing
	}
	algorithm, signature, ok := strings.Cut(header, "=")
	if !ok || signature == "" {
		return ErrSignatureMalformed
	}

	var newHash func() hash.Hash
	switch strings.ToLower(algorithm) {
	case "sha1":
		newHash = sha1.New
	case "sha256":
		newHash = sha256.New
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrSignatureMalformed, algorithm)
	}

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureMalformed, err)
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns the header value VerifySignature accepts for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			if strings.Contains(c, ":") {
				c += "/128"
			} else {
				c += "/32"
			}
		}
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", c, err)
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// AddressAllowed reports whether ip is inside one of networks. An empty list
// allows every address.
func AddressAllowed(networks []*net.IPNet, ip string) bool {
	if len(networks) == 0 {
		return true
	}
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false
	}
	for _, n := range networks {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
