// Package phone normalizes raw phone numbers into WhatsApp-addressable JIDs.
package phone

import (
	"fmt"
	"strings"
)

// UserServer is the JID domain for individual WhatsApp users.
const UserServer = "s.whatsapp.net"

const (
	minDigits = 10
	maxDigits = 15
)

// DefaultCountryCode is the calling code substituted for a leading zero.
const DefaultCountryCode = "62"

// Address is a canonical, suffix-qualified recipient identifier. It is
// immutable once formed and opaque to callers outside this package.
type Address struct {
	jid string
}

// JID returns the full transport address, e.g. "6281234567890@s.whatsapp.net".
func (a Address) JID() string {
	return a.jid
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return a.jid
}

// ValidationError reports a phone number that cannot be normalized.
type ValidationError struct {
	Raw    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid phone number %q: %s", e.Raw, e.Reason)
}

// Normalizer canonicalizes raw phone-number strings for a single country.
type Normalizer struct {
	countryCode string
}

// NewNormalizer creates a Normalizer. An empty countryCode falls back to
// DefaultCountryCode.
func NewNormalizer(countryCode string) Normalizer {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return Normalizer{countryCode: countryCode}
}

// Normalize converts a raw phone-number string into a canonical Address.
//
// Rules: non-digit characters are stripped; the digit count must fall in
// [10, 15]; a leading zero is replaced by the country calling code; numbers
// longer than ten digits that do not already carry the country code get it
// prepended. Input that already ends in the JID domain is passed through
// unchanged, so Normalize is idempotent on its own output.
func (n Normalizer) Normalize(raw string) (Address, error) {
	if strings.HasSuffix(raw, "@"+UserServer) {
		return Address{jid: raw}, nil
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) < minDigits || len(digits) > maxDigits {
		return Address{}, &ValidationError{
			Raw:    raw,
			Reason: fmt.Sprintf("expected %d-%d digits, got %d", minDigits, maxDigits, len(digits)),
		}
	}

	switch {
	case strings.HasPrefix(digits, "0"):
		digits = n.countryCode + digits[1:]
	case !strings.HasPrefix(digits, n.countryCode) && len(digits) > minDigits:
		digits = n.countryCode + digits
	}

	return Address{jid: digits + "@" + UserServer}, nil
}
