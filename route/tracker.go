package route

import (
	"net/netip"
	"slices"
	"strings"
)

// Tracker records how far a connection attempt has got towards a route.
//
// A tracker starts unconnected. The caller reports each step it performs
// through ConnectTarget, ConnectProxy, TunnelProxy, TunnelTarget and
// LayerProtocol. Every transition checks its precondition before touching
// any state, so a failed call leaves the tracker as it was.
//
// A Tracker is owned by a single connection attempt and is not safe for
// concurrent use.
type Tracker struct {
	target Host
	local  netip.Addr

	// hops holds the hosts connected to so far, ending with target once
	// anything is connected.
	hops      []Host
	connected bool
	tunnelled bool
	layered   bool
	secure    bool
}

// phase is the precondition a transition requires.
type phase int

const (
	phaseUnconnected phase = iota
	phaseConnected
	// phaseProxied is connected with at least one proxy hop.
	phaseProxied
)

// NewTracker returns an unconnected tracker for target. local may be the zero
// netip.Addr.
func NewTracker(target Host, local netip.Addr) (*Tracker, error) {
	if target.IsZero() {
		return nil, invalidArgument("NewTracker", "target host must not be empty")
	}
	return &Tracker{target: target, local: local}, nil
}

// NewTrackerFor returns an unconnected tracker for the target and local
// address of r. The proxy chain and flags of r are not copied: a tracker
// always starts with no progress.
func NewTrackerFor(r *Route) (*Tracker, error) {
	if r == nil {
		return nil, invalidArgument("NewTrackerFor", "route must not be nil")
	}
	return NewTracker(r.target, r.local)
}

func (t *Tracker) require(op string, p phase) error {
	switch p {
	case phaseUnconnected:
		if t.connected {
			return illegalState(op, "already connected")
		}
	case phaseConnected, phaseProxied:
		if !t.connected {
			return illegalState(op, "not connected")
		}
		if p == phaseProxied && len(t.hops) < 2 {
			return illegalState(op, "no proxy in chain")
		}
	}
	return nil
}

// ConnectTarget records a direct connection to the target.
func (t *Tracker) ConnectTarget(secure bool) error {
	if err := t.require("ConnectTarget", phaseUnconnected); err != nil {
		return err
	}
	t.hops = []Host{t.target}
	t.connected = true
	t.secure = secure
	t.tunnelled, t.layered = false, false
	return nil
}

// ConnectProxy records a connection to the first proxy of a chain.
func (t *Tracker) ConnectProxy(proxy Host, secure bool) error {
	if proxy.IsZero() {
		return invalidArgument("ConnectProxy", "proxy host must not be empty")
	}
	if err := t.require("ConnectProxy", phaseUnconnected); err != nil {
		return err
	}
	t.hops = []Host{proxy, t.target}
	t.connected = true
	t.secure = secure
	t.tunnelled, t.layered = false, false
	return nil
}

// TunnelProxy records a tunnel through the chain so far to one more proxy.
// The new proxy becomes the hop just before the target. A tunnel to a proxy
// is not an end-to-end tunnel, so the tunnelled flag is left alone.
func (t *Tracker) TunnelProxy(proxy Host, secure bool) error {
	if proxy.IsZero() {
		return invalidArgument("TunnelProxy", "proxy host must not be empty")
	}
	if err := t.require("TunnelProxy", phaseProxied); err != nil {
		return err
	}
	t.hops = slices.Insert(t.hops, len(t.hops)-1, proxy)
	t.secure = secure
	return nil
}

// TunnelTarget records a tunnel through the proxy chain to the target.
func (t *Tracker) TunnelTarget(secure bool) error {
	if err := t.require("TunnelTarget", phaseProxied); err != nil {
		return err
	}
	t.tunnelled = true
	t.secure = secure
	return nil
}

// LayerProtocol records a protocol, typically TLS, layered over the
// connection established so far.
func (t *Tracker) LayerProtocol(secure bool) error {
	if err := t.require("LayerProtocol", phaseConnected); err != nil {
		return err
	}
	t.layered = true
	t.secure = secure
	return nil
}

// TargetHost returns the target the tracker was created for.
func (t *Tracker) TargetHost() Host { return t.target }

// LocalAddr returns the local bind address. It is invalid when unset.
func (t *Tracker) LocalAddr() netip.Addr { return t.local }

// HopCount returns the number of hosts connected to, 0 while unconnected.
func (t *Tracker) HopCount() int { return len(t.hops) }

// HopTarget returns the host at hop i, in connection order.
func (t *Tracker) HopTarget(i int) (Host, error) {
	if i < 0 || i >= len(t.hops) {
		return Host{}, invalidArgument("HopTarget", "hop index %d out of range [0,%d)", i, len(t.hops))
	}
	return t.hops[i], nil
}

// ProxyHost returns the last proxy in the chain, the hop right before the
// target, or false when no proxy has been connected.
func (t *Tracker) ProxyHost() (Host, bool) {
	if len(t.hops) < 2 {
		return Host{}, false
	}
	return t.hops[len(t.hops)-2], true
}

// IsConnected reports whether a first hop has been connected.
func (t *Tracker) IsConnected() bool { return t.connected }

// IsTunnelled reports whether a tunnel to the target has been established.
func (t *Tracker) IsTunnelled() bool { return t.tunnelled }

// IsLayered reports whether a protocol has been layered over the connection.
func (t *Tracker) IsLayered() bool { return t.layered }

// IsSecure reports whether the connection as established so far is secure.
func (t *Tracker) IsSecure() bool { return t.secure }

// ToRoute returns the route established so far, or nil while unconnected.
func (t *Tracker) ToRoute() *Route {
	if !t.connected {
		return nil
	}
	n := len(t.hops)
	var proxies []Host
	if n > 1 {
		proxies = slices.Clone(t.hops[:n-1])
	}
	return &Route{
		target:    t.hops[n-1],
		local:     t.local,
		proxies:   proxies,
		tunnelled: t.tunnelled,
		layered:   t.layered,
		secure:    t.secure,
	}
}

// Clone returns an independent copy of t.
func (t *Tracker) Clone() *Tracker {
	c := *t
	c.hops = slices.Clone(t.hops)
	return &c
}

// Equal reports whether t and o are in the same state, hop order included.
func (t *Tracker) Equal(o *Tracker) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.target == o.target &&
		t.local == o.local &&
		slices.Equal(t.hops, o.hops) &&
		t.connected == o.connected &&
		t.tunnelled == o.tunnelled &&
		t.layered == o.layered &&
		t.secure == o.secure
}

// Hash returns a hash consistent with Equal. Hops are combined without
// regard to their order, so trackers whose proxy chains are permutations of
// each other collide.
func (t *Tracker) Hash() uint64 {
	h := t.target.hash()
	h = h*31 + addrHash(t.local)
	var hops uint64
	for _, hop := range t.hops {
		hops ^= hop.hash()
	}
	h = h*31 + hops
	h = h*31 + uint64(len(t.hops))
	return h*31 + flagBits(t.connected, t.tunnelled, t.layered, t.secure)
}

func (t *Tracker) String() string {
	var b strings.Builder
	b.WriteString("tracker[")
	if t.local.IsValid() {
		b.WriteString(t.local.String())
		b.WriteString("->")
	}
	b.WriteString(flagString(t.connected, t.tunnelled, t.layered, t.secure))
	b.WriteString("->")
	if !t.connected {
		b.WriteString(t.target.String())
	}
	for i, hop := range t.hops {
		if i > 0 {
			b.WriteString("->")
		}
		b.WriteString(hop.String())
	}
	b.WriteByte(']')
	return b.String()
}
