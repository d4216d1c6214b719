package urlid

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// HashSize is the width of a URL hash in bytes.
const HashSize = 12

// Hash is the fixed-width dedup key of a normalized URL.
//
// The first eight bytes digest the full URL and the last four digest its
// host, so hashes of the same host share a suffix. Collisions are accepted
// as a known limitation; two distinct URLs with the same hash are treated as
// the same unit of work.
type Hash [HashSize]byte

// RootReferrer is the referrer hash of requests that were not discovered
// through another page (start URLs, manual submissions).
var RootReferrer Hash

var hashEncoding = base64.RawURLEncoding

// Sum hashes an already-normalized URL.
func Sum(normalized string) Hash {
	var h Hash
	full := sha256.Sum256([]byte(normalized))
	copy(h[:8], full[:8])
	host := sha256.Sum256([]byte(Host(normalized)))
	copy(h[8:], host[:4])
	return h
}

// String returns the 16 character URL-safe encoding of the hash.
func (h Hash) String() string {
	return hashEncoding.EncodeToString(h[:])
}

// IsZero reports whether h is the root referrer sentinel.
func (h Hash) IsZero() bool {
	return h == RootReferrer
}

// SameHost reports whether both hashes were derived from URLs on the same host.
func (h Hash) SameHost(other Hash) bool {
	return [4]byte(h[8:]) == [4]byte(other[8:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes the string form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hashEncoding.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid url hash %q: %w", s, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("invalid url hash %q: want %d bytes, got %d", s, HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}
