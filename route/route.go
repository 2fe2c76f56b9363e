package route

import (
	"net/netip"
	"slices"
	"strconv"
	"strings"
)

// Route describes a connection to establish. It is immutable once built and
// safe to share between goroutines.
type Route struct {
	target    Host
	local     netip.Addr
	proxies   []Host
	tunnelled bool
	layered   bool
	secure    bool
}

// New builds a route to target through proxies, in the order they are
// traversed from the client. A nil or empty proxies slice describes a direct
// route. The flags state intent and are never derived from a host's scheme.
//
// local is the address to bind outgoing connections to; the zero netip.Addr
// means any.
func New(target Host, local netip.Addr, proxies []Host, tunnelled, layered, secure bool) (*Route, error) {
	if target.IsZero() {
		return nil, invalidArgument("New", "target host must not be empty")
	}
	for i, p := range proxies {
		if p.IsZero() {
			return nil, invalidArgument("New", "proxy %d must not be empty", i)
		}
	}
	var chain []Host
	if len(proxies) > 0 {
		chain = slices.Clone(proxies)
	}
	return &Route{
		target:    target,
		local:     local,
		proxies:   chain,
		tunnelled: tunnelled,
		layered:   layered,
		secure:    secure,
	}, nil
}

// NewDirect builds an insecure direct route.
func NewDirect(target Host, local netip.Addr) (*Route, error) {
	return New(target, local, nil, false, false, false)
}

// NewDirectSecure builds a direct route with an explicit security flag.
func NewDirectSecure(target Host, local netip.Addr, secure bool) (*Route, error) {
	return New(target, local, nil, false, false, secure)
}

// NewProxied builds a route through a single proxy. A secure route through a
// proxy is tunnelled and layered, an insecure one is neither.
func NewProxied(target Host, local netip.Addr, proxy Host, secure bool) (*Route, error) {
	if proxy.IsZero() {
		return nil, invalidArgument("NewProxied", "proxy host must not be empty")
	}
	return New(target, local, []Host{proxy}, secure, secure, secure)
}

// TargetHost returns the host the route ends at.
func (r *Route) TargetHost() Host { return r.target }

// LocalAddr returns the local bind address. It is invalid when unset.
func (r *Route) LocalAddr() netip.Addr { return r.local }

// ProxyChain returns a copy of the proxy chain.
func (r *Route) ProxyChain() []Host { return slices.Clone(r.proxies) }

// ProxyHost returns the first proxy, the one the client connects to.
func (r *Route) ProxyHost() (Host, bool) {
	if len(r.proxies) == 0 {
		return Host{}, false
	}
	return r.proxies[0], true
}

// HopCount returns the number of hops: every proxy plus the target.
func (r *Route) HopCount() int { return len(r.proxies) + 1 }

// HopTarget returns the host at hop i. The last hop is the target.
func (r *Route) HopTarget(i int) (Host, error) {
	n := r.HopCount()
	if i < 0 || i >= n {
		return Host{}, invalidArgument("HopTarget", "hop index %d out of range [0,%d)", i, n)
	}
	if i == n-1 {
		return r.target, nil
	}
	return r.proxies[i], nil
}

// IsTunnelled reports whether the target is reached through a tunnel
// across the proxy chain.
func (r *Route) IsTunnelled() bool { return r.tunnelled }

// IsLayered reports whether a protocol is layered over the tunnel or the
// direct connection.
func (r *Route) IsLayered() bool { return r.layered }

// IsSecure reports whether the route is secure end to end.
func (r *Route) IsSecure() bool { return r.secure }

// Equal reports whether r and o describe the same route, proxy order
// included. Two nil routes are equal.
func (r *Route) Equal(o *Route) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.target == o.target &&
		r.local == o.local &&
		slices.Equal(r.proxies, o.proxies) &&
		r.tunnelled == o.tunnelled &&
		r.layered == o.layered &&
		r.secure == o.secure
}

// Hash returns a hash consistent with Equal.
func (r *Route) Hash() uint64 {
	h := r.target.hash()
	h = h*31 + addrHash(r.local)
	for _, p := range r.proxies {
		h = h*31 + p.hash()
	}
	return h*31 + flagBits(true, r.tunnelled, r.layered, r.secure)
}

// Key returns a string that is equal for two routes exactly when Equal
// reports true, for use as a map key by connection pools and caches.
func (r *Route) Key() string {
	if r == nil {
		return ""
	}
	b := []byte(flagString(true, r.tunnelled, r.layered, r.secure))
	if r.local.IsValid() {
		b = strconv.AppendQuote(b, r.local.String())
	}
	b = append(b, '|')
	for _, p := range r.proxies {
		b = p.appendKey(b)
	}
	b = append(b, '>')
	return string(r.target.appendKey(b))
}

func (r *Route) String() string {
	if r == nil {
		return "route[none]"
	}
	var b strings.Builder
	b.WriteString("route[")
	if r.local.IsValid() {
		b.WriteString(r.local.String())
		b.WriteString("->")
	}
	b.WriteString(flagString(true, r.tunnelled, r.layered, r.secure))
	b.WriteString("->")
	for _, p := range r.proxies {
		b.WriteString(p.String())
		b.WriteString("->")
	}
	b.WriteString(r.target.String())
	b.WriteByte(']')
	return b.String()
}

func flagBits(connected, tunnelled, layered, secure bool) uint64 {
	var f uint64
	for i, set := range []bool{connected, tunnelled, layered, secure} {
		if set {
			f |= 1 << i
		}
	}
	return f
}

// flagString renders the connected, tunnelled, layered and secure flags as
// "{ctls}" with unset flags left out.
func flagString(connected, tunnelled, layered, secure bool) string {
	b := []byte{'{'}
	for i, set := range []bool{connected, tunnelled, layered, secure} {
		if set {
			b = append(b, "ctls"[i])
		}
	}
	return string(append(b, '}'))
}
