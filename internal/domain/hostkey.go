package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// HostKey identifies an origin for the adaptive policy and the
// connection budget: scheme, host, and the effective port (the scheme's
// default when the URL omits one).
type HostKey struct {
	Scheme string
	Host   string
	Port   uint16
}

// HostKeyFromURL derives a HostKey from a request URL. It requires a
// scheme and a host; the port falls back to 80/443 for http/https.
func HostKeyFromURL(raw string) (HostKey, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return HostKey{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return HostKey{}, fmt.Errorf("url %q missing scheme or host", raw)
	}
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return HostKey{}, fmt.Errorf("parse port %q: %w", port, err)
	}
	return HostKey{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname(), Port: uint16(p)}, nil
}

// String renders the key as "scheme:host:port", the exact form used as
// the JSON map key in the host-policy snapshot.
func (k HostKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Scheme, k.Host, k.Port)
}

// ParseHostKey parses the "scheme:host:port" form produced by String.
func ParseHostKey(s string) (HostKey, bool) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return HostKey{}, false
	}
	p, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return HostKey{}, false
	}
	return HostKey{Scheme: parts[0], Host: parts[1], Port: uint16(p)}, true
}

// RangeSupport records what the adaptive policy has learned about
// whether an origin honours Range requests.
type RangeSupport int

const (
	RangeUnknown RangeSupport = iota
	RangeSupported
	RangeNotSupported
)

// rangeSupportNames mirrors the original policy's Rust enum's default
// serde representation: the bare variant name as a JSON string.
var rangeSupportNames = [...]string{"Unknown", "Supported", "NotSupported"}

// MarshalJSON renders a RangeSupport the way the snapshot format expects:
// the variant name as a string, not its ordinal.
func (r RangeSupport) MarshalJSON() ([]byte, error) {
	if int(r) < 0 || int(r) >= len(rangeSupportNames) {
		return nil, fmt.Errorf("invalid RangeSupport %d", r)
	}
	return json.Marshal(rangeSupportNames[r])
}

// UnmarshalJSON parses the variant-name string form produced by MarshalJSON.
func (r *RangeSupport) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range rangeSupportNames {
		if n == name {
			*r = RangeSupport(i)
			return nil
		}
	}
	return fmt.Errorf("unknown RangeSupport %q", name)
}

// HostEntry is the mutable per-origin record described in §3: range
// support, observed counters, last throughput, and the adaptive segment
// limit. Timestamps of last observations are deliberately excluded here
// (kept in memory only, at the policy layer) so this type round-trips
// cleanly through the JSON snapshot. Field tags match the snake_case
// wire shape of the original policy's PersistedEntry.
type HostEntry struct {
	RangeSupport              RangeSupport `json:"range_support"`
	ThrottledEvents           uint32       `json:"throttled_events"`
	ErrorEvents               uint32       `json:"error_events"`
	SuccessEvents             uint32       `json:"success_events"`
	LastThroughputBytesPerSec *float64     `json:"last_throughput_bytes_per_sec,omitempty"`
	AdaptiveSegmentLimit      int          `json:"adaptive_segment_limit"`
}
