package route

import (
	"hash/fnv"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Host identifies one end of a hop: a target server or a proxy.
//
// Host is a comparable value; two hosts are equal when all fields are equal.
// The planner never interprets the fields. The scheme is used by package
// establish to decide whether a proxy speaks TLS ("https") or HTTP/2 with
// prior knowledge ("h2c").
type Host struct {
	Scheme   string
	Hostname string
	Port     int
}

// ParseHost parses "host", "host:port", "[v6]:port" or
// "scheme://host[:port]".
func ParseHost(s string) (Host, error) {
	var h Host
	rest := strings.TrimSpace(s)
	if scheme, after, ok := strings.Cut(rest, "://"); ok {
		h.Scheme = strings.ToLower(scheme)
		rest = strings.TrimSuffix(after, "/")
	}
	if host, port, err := net.SplitHostPort(rest); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Host{}, invalidArgument("ParseHost", "bad port in %q", s)
		}
		h.Hostname, h.Port = host, p
	} else {
		h.Hostname = strings.TrimSuffix(strings.TrimPrefix(rest, "["), "]")
	}
	if h.Hostname == "" {
		return Host{}, invalidArgument("ParseHost", "missing hostname in %q", s)
	}
	return h, nil
}

// IsZero reports whether h is the zero Host, which stands for "no host".
func (h Host) IsZero() bool {
	return h.Hostname == ""
}

// Addr returns "hostname:port" suitable for net.Dial and CONNECT requests.
// A zero port is replaced with the default for the scheme.
func (h Host) Addr() string {
	port := h.Port
	if port == 0 {
		port = defaultPort(h.Scheme)
	}
	return net.JoinHostPort(h.Hostname, strconv.Itoa(port))
}

func (h Host) String() string {
	var b strings.Builder
	if h.Scheme != "" {
		b.WriteString(h.Scheme)
		b.WriteString("://")
	}
	if strings.Contains(h.Hostname, ":") {
		b.WriteString("[" + h.Hostname + "]")
	} else {
		b.WriteString(h.Hostname)
	}
	if h.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(h.Port))
	}
	return b.String()
}

// appendKey appends an unambiguous encoding of h to b. Each string field is
// quoted, so no hostname can run into the next field.
func (h Host) appendKey(b []byte) []byte {
	b = strconv.AppendQuote(b, h.Scheme)
	b = strconv.AppendQuote(b, h.Hostname)
	b = strconv.AppendInt(b, int64(h.Port), 10)
	return append(b, ';')
}

func (h Host) hash() uint64 {
	f := fnv.New64a()
	f.Write([]byte(h.Scheme))
	f.Write([]byte{0})
	f.Write([]byte(h.Hostname))
	f.Write([]byte{0, byte(h.Port >> 8), byte(h.Port)})
	return f.Sum64()
}

func addrHash(a netip.Addr) uint64 {
	if !a.IsValid() {
		return 0
	}
	b := a.As16()
	f := fnv.New64a()
	f.Write(b[:])
	f.Write([]byte(a.Zone()))
	return f.Sum64()
}

func defaultPort(scheme string) int {
	switch scheme {
	case "https":
		return 443
	default:
		return 80
	}
}
