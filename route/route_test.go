package route

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewRoute(t *testing.T) {
	if _, err := New(Host{}, local41, nil, false, false, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty target not detected: %v", err)
	}
	if _, err := New(target1, local41, []Host{proxy1, {}}, false, false, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty proxy not detected: %v", err)
	}
	if _, err := NewProxied(target1, local41, Host{}, true); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty proxy not detected: %v", err)
	}

	// nil and empty chains both describe a direct route
	a := mustRoute(t, target1, local41, nil, false, false, false)
	b := mustRoute(t, target1, local41, []Host{}, false, false, false)
	if !a.Equal(b) || a.Hash() != b.Hash() || a.Key() != b.Key() {
		t.Errorf("%v and %v differ", a, b)
	}
	if _, ok := a.ProxyHost(); ok {
		t.Error("direct route has a proxy")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	direct, err := NewDirect(target1, local41)
	if err != nil {
		t.Fatal(err)
	}
	if !direct.Equal(mustRoute(t, target1, local41, nil, false, false, false)) {
		t.Errorf("NewDirect = %v", direct)
	}

	secure, err := NewDirectSecure(target2, netip.Addr{}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !secure.Equal(mustRoute(t, target2, netip.Addr{}, nil, false, false, true)) {
		t.Errorf("NewDirectSecure = %v", secure)
	}

	for _, sec := range []bool{false, true} {
		p, err := NewProxied(target1, local61, proxy1, sec)
		if err != nil {
			t.Fatal(err)
		}
		if !p.Equal(mustRoute(t, target1, local61, []Host{proxy1}, sec, sec, sec)) {
			t.Errorf("NewProxied(secure=%v) = %v", sec, p)
		}
	}
}

func TestRouteImmutable(t *testing.T) {
	chain := []Host{proxy1, proxy2}
	r := mustRoute(t, target1, netip.Addr{}, chain, true, false, false)
	chain[0] = proxy3
	got := r.ProxyChain()
	got[1] = proxy3
	if diff := cmp.Diff([]Host{proxy1, proxy2}, r.ProxyChain()); diff != "" {
		t.Errorf("proxy chain changed (-want +got):\n%s", diff)
	}
}

func TestRouteHops(t *testing.T) {
	r := mustRoute(t, target2, local42, []Host{proxy3, proxy1}, true, true, false)
	if r.HopCount() != 3 {
		t.Fatalf("HopCount = %d", r.HopCount())
	}
	for i, want := range []Host{proxy3, proxy1, target2} {
		got, err := r.HopTarget(i)
		if err != nil || got != want {
			t.Errorf("HopTarget(%d) = %v, %v; want %v", i, got, err, want)
		}
	}
	for _, i := range []int{-1, 3} {
		if _, err := r.HopTarget(i); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("bad hop index %d not detected: %v", i, err)
		}
	}
	if p, ok := r.ProxyHost(); !ok || p != proxy3 {
		t.Errorf("ProxyHost = %v, %v", p, ok)
	}
}

func TestRouteEqual(t *testing.T) {
	base := mustRoute(t, target1, local41, []Host{proxy1, proxy2}, true, true, true)
	variants := []*Route{
		mustRoute(t, target2, local41, []Host{proxy1, proxy2}, true, true, true),
		mustRoute(t, target1, local42, []Host{proxy1, proxy2}, true, true, true),
		mustRoute(t, target1, netip.Addr{}, []Host{proxy1, proxy2}, true, true, true),
		mustRoute(t, target1, local41, []Host{proxy2, proxy1}, true, true, true),
		mustRoute(t, target1, local41, []Host{proxy1}, true, true, true),
		mustRoute(t, target1, local41, []Host{proxy1, proxy2}, false, true, true),
		mustRoute(t, target1, local41, []Host{proxy1, proxy2}, true, false, true),
		mustRoute(t, target1, local41, []Host{proxy1, proxy2}, true, true, false),
	}
	same := mustRoute(t, target1, local41, []Host{proxy1, proxy2}, true, true, true)
	if !base.Equal(same) || base.Hash() != same.Hash() || base.Key() != same.Key() {
		t.Errorf("%v and %v differ", base, same)
	}

	keys := map[string]bool{base.Key(): true}
	for _, v := range variants {
		if base.Equal(v) || v.Equal(base) {
			t.Errorf("%v equals %v", base, v)
		}
		if keys[v.Key()] {
			t.Errorf("duplicate key %q", v.Key())
		}
		keys[v.Key()] = true
	}

	// a hostname that looks like a rendered chain
	chained := mustRoute(t, Host{Hostname: "t"}, netip.Addr{}, []Host{{Hostname: "p"}}, false, false, false)
	lookalike := mustRoute(t, Host{Hostname: "p->t"}, netip.Addr{}, nil, false, false, false)
	if chained.Equal(lookalike) || chained.Key() == lookalike.Key() {
		t.Errorf("%v and %v share key %q", chained, lookalike, chained.Key())
	}
	quoted := mustRoute(t, Host{Hostname: `p";0;>"t`}, netip.Addr{}, nil, false, false, false)
	if chained.Key() == quoted.Key() || lookalike.Key() == quoted.Key() {
		t.Errorf("key collision for %v: %q", quoted, quoted.Key())
	}

	var none *Route
	if !none.Equal(nil) || base.Equal(nil) || none.Equal(base) {
		t.Error("nil route comparison")
	}
}

func TestParseHost(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Host
		str  string
		addr string
	}{
		{"example.com", Host{Hostname: "example.com"}, "example.com", "example.com:80"},
		{"example.com:8080", Host{Hostname: "example.com", Port: 8080}, "example.com:8080", "example.com:8080"},
		{"https://proxy.example.com", Host{Scheme: "https", Hostname: "proxy.example.com"}, "https://proxy.example.com", "proxy.example.com:443"},
		{"HTTP://proxy:3128/", Host{Scheme: "http", Hostname: "proxy", Port: 3128}, "http://proxy:3128", "proxy:3128"},
		{"h2c://[::1]:9000", Host{Scheme: "h2c", Hostname: "::1", Port: 9000}, "h2c://[::1]:9000", "[::1]:9000"},
		{"[::1]", Host{Hostname: "::1"}, "[::1]", "[::1]:80"},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseHost(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseHost (-want +got):\n%s", diff)
			}
			if got.String() != tc.str {
				t.Errorf("String = %q, want %q", got.String(), tc.str)
			}
			if got.Addr() != tc.addr {
				t.Errorf("Addr = %q, want %q", got.Addr(), tc.addr)
			}
		})
	}

	for _, bad := range []string{"", "http://", ":80", "example.com:0", "example.com:99999"} {
		if _, err := ParseHost(bad); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ParseHost(%q) error = %v", bad, err)
		}
	}
}
