// Package fingerprint derives stable device keys from connection metadata.
//
// A device key is a heuristic identity, not an authenticated one: it hashes
// the client address and agent string so the raw values are never stored,
// and the same device maps to the same key across connections. Clients not
// behind a trusted proxy can spoof X-Forwarded-For / X-Real-IP and thereby
// choose their own key; that only lets them rate-limit themselves harder or
// claim a fresh bucket, and deployment topology decides whether those
// headers are present at all, so the headers are honored as-is.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// KeyLen is the hex length of a device key (128 bits of a SHA-256 digest).
const KeyLen = 32

// unknown stands in for any metadata the transport could not provide.
// Deriving a key from sentinels is preferred over refusing the request.
const unknown = "unknown"

// Derive returns the device key for the given client address, agent string,
// and optional caller-supplied identifier. Deterministic, always succeeds.
func Derive(clientAddr, clientAgent, customID string) string {
	addr := strings.ToLower(strings.TrimSpace(clientAddr))
	agent := strings.TrimSpace(clientAgent)
	if agent == "" {
		agent = unknown
	}

	parts := []string{addr, agent}
	if customID != "" {
		parts = append(parts, customID)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:KeyLen]
}

// FromRequest derives the device key for an HTTP request. The same function
// serves both the upgrade path and the plain-request path: gorilla's
// Upgrader operates on the *http.Request before the protocol switch, so the
// headers and peer address are identical for both.
func FromRequest(r *http.Request) string {
	return Derive(ClientAddr(r), r.Header.Get("User-Agent"), "")
}

// ClientAddr resolves the client address for fingerprinting purposes.
// Preference order: first X-Forwarded-For entry, X-Real-IP, the
// transport-reported peer address (host only), then "unknown".
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return unknown
}
