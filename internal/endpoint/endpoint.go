// Package endpoint normalizes the endpoint-typed fields of a KEK descriptor
// (AWS/GCP endpoint overrides, Azure key-vault URL) to a host-and-port form,
// per spec §3's "endpoints normalize to a host-and-port form" invariant.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// HostPort is a normalized host-and-port endpoint.
type HostPort struct {
	Host string
	Port int
}

// String renders the endpoint back to its canonical "host:port" form.
func (e HostPort) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Parse accepts a bare "host:port", a "scheme://host[:port]" URL, or a bare
// host (in which case defaultPort is used), and returns the normalized form.
// An empty raw string is rejected by the caller before Parse is reached for
// required fields (AWS endpoint and GCP endpoint are optional).
func Parse(raw string, defaultPort int) (HostPort, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return HostPort{}, fmt.Errorf("endpoint: empty value")
	}

	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err != nil {
			return HostPort{}, fmt.Errorf("endpoint: parse %q: %w", raw, err)
		}
		if strings.TrimSpace(u.Host) == "" {
			return HostPort{}, fmt.Errorf("endpoint: %q has no host", raw)
		}
		v = u.Host
	}

	if host, port, err := net.SplitHostPort(v); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil {
			return HostPort{}, fmt.Errorf("endpoint: invalid port in %q: %w", raw, err)
		}
		if host == "" {
			return HostPort{}, fmt.Errorf("endpoint: %q has no host", raw)
		}
		return HostPort{Host: host, Port: p}, nil
	}

	// Bare host, no port: apply the provider-specific default.
	if defaultPort <= 0 {
		return HostPort{}, fmt.Errorf("endpoint: %q has no port and no default is configured", raw)
	}
	return HostPort{Host: v, Port: defaultPort}, nil
}

// Equal reports whether two endpoints are semantically equivalent
// (case-insensitive host comparison, exact port match). Used by the KEK
// descriptor round-trip property (spec §8, invariant 2).
func (e HostPort) Equal(other HostPort) bool {
	return strings.EqualFold(e.Host, other.Host) && e.Port == other.Port
}
