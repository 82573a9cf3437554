// Package ports selects non-conflicting listen ports for the backend and
// frontend services. The launcher prefers a fixed list of port pairs so
// users rarely have to reason about conflicts; this package centralizes
// that list and the bind-probe logic.
package ports

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Pair is one backend/frontend port combination. Both ports live in the
// user/ephemeral range and are mutually distinct.
type Pair struct {
	Backend  uint16 `json:"backend"`
	Frontend uint16 `json:"frontend"`
}

func (p Pair) String() string { return fmt.Sprintf("%d/%d", p.Backend, p.Frontend) }

// DefaultPairs is the ordered preference list. Only the selected pair is
// ever persisted, never the list itself.
var DefaultPairs = []Pair{
	{Backend: 8005, Frontend: 5173},
	{Backend: 8505, Frontend: 5573},
	{Backend: 8605, Frontend: 5673},
}

// normalizeProbeHost maps a configured host string onto a concrete probe
// target and network. Wildcard and empty hosts probe loopback IPv4; bare
// IPv6 loopback forms probe ::1.
func normalizeProbeHost(host string) (string, string) {
	h := strings.TrimSpace(host)
	if h == "" || h == "*" || h == "0.0.0.0" || h == "localhost" {
		return "127.0.0.1", "tcp4"
	}
	cleaned := strings.Trim(h, "[]")
	if cleaned == "::" || cleaned == "::1" {
		return "::1", "tcp6"
	}
	if strings.Count(cleaned, ":") >= 2 && !strings.Contains(cleaned, ".") {
		return cleaned, "tcp6"
	}
	return cleaned, "tcp4"
}

func canBind(network, host string, port uint16) bool {
	ln, err := net.Listen(network, net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// IsAvailable reports whether port looks free on host. Any bind failure is
// treated as unavailable. An IPv6 loopback probe that fails falls back to
// IPv4 loopback before giving up, since some hosts disable IPv6.
func IsAvailable(port uint16, host string) bool {
	probeHost, network := normalizeProbeHost(host)
	if canBind(network, probeHost, port) {
		return true
	}
	if network == "tcp6" && probeHost == "::1" {
		return canBind("tcp4", "127.0.0.1", port)
	}
	return false
}

// PairAvailable reports whether both ports of the pair look free.
func PairAvailable(p Pair, backendHost, frontendHost string) bool {
	return IsAvailable(p.Backend, backendHost) && IsAvailable(p.Frontend, frontendHost)
}

// SelectPair returns the first preferred pair whose ports are both free.
// When every pair is occupied it returns the first preference; the caller
// is expected to surface the conflict rather than bind anyway.
func SelectPair(preferred []Pair, backendHost, frontendHost string) Pair {
	for _, p := range preferred {
		if PairAvailable(p, backendHost, frontendHost) {
			return p
		}
	}
	return preferred[0]
}

// IsManagedPair reports whether the pair belongs to the preference list.
// A pair outside the list is a user's explicit choice and must never be
// rewritten automatically.
func IsManagedPair(p Pair, preferred []Pair) bool {
	for _, cand := range preferred {
		if p == cand {
			return true
		}
	}
	return false
}

// IsListening dials the port once to check whether something is accepting
// connections. Used for post-stop verification and adoption confirmation.
func IsListening(host string, port uint16, timeout time.Duration) bool {
	probeHost, _ := normalizeProbeHost(host)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(probeHost, fmt.Sprintf("%d", port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
