package session

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Scheme is the transport scheme named in an address (§6 address syntax).
type Scheme uint8

const (
	SchemeTCP Scheme = iota
	SchemeSSL
)

func (s Scheme) String() string {
	if s == SchemeSSL {
		return "ssl"
	}
	return "tcp"
}

// Address is a parsed peer address: "tcp:HOST[:PORT]" or "ssl:HOST[:PORT]",
// HOST being an IPv4, "[IPv6]", or a name (§6).
type Address struct {
	Scheme Scheme
	Host   string
	Port   string
}

var errBadAddress = errors.New("malformed address, want tcp:HOST[:PORT] or ssl:HOST[:PORT]")

// DefaultPort is used when an address omits one; fixed per deployment.
const DefaultPort = "6641"

// ParseAddress parses the active (connect) form.
func ParseAddress(s string) (Address, error) {
	scheme, rest, err := splitScheme(s)
	if err != nil {
		return Address{}, err
	}
	host, port, err := splitHostPort(rest)
	if err != nil {
		return Address{}, err
	}
	return Address{Scheme: scheme, Host: host, Port: port}, nil
}

func splitScheme(s string) (Scheme, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, "", errBadAddress
	}
	switch parts[0] {
	case "tcp":
		return SchemeTCP, parts[1], nil
	case "ssl":
		return SchemeSSL, parts[1], nil
	case "ptcp":
		return SchemeTCP, parts[1], nil
	case "pssl":
		return SchemeSSL, parts[1], nil
	default:
		return 0, "", errBadAddress
	}
}

func splitHostPort(rest string) (host, port string, err error) {
	if rest == "" {
		return "", "", errBadAddress
	}
	host, port, err = net.SplitHostPort(rest)
	if err != nil {
		// no ":PORT" suffix; the whole remainder is the host.
		return rest, DefaultPort, nil
	}
	return host, port, nil
}

// Dial is the net.JoinHostPort form suitable for net.Dial/tls.Dial.
func (a Address) Dial() string { return net.JoinHostPort(a.Host, a.Port) }

// Passive derives the listen-form address for this address's scheme: the
// scheme gets a "p" prefix and host/port are reordered port-first, matching
// the teacher-adjacent convention named in §6 ("prefixing p to the scheme
// and reordering host/port").
func (a Address) Passive() string {
	prefix := "p" + a.Scheme.String()
	if a.Host == "" {
		return prefix + ":" + a.Port
	}
	return prefix + ":" + a.Port + ":" + a.Host
}

func (a Address) String() string {
	return a.Scheme.String() + ":" + net.JoinHostPort(a.Host, a.Port)
}
