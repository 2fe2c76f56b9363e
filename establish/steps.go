package establish

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"lds.li/netroute/connecttunnel"
	"lds.li/netroute/route"
)

// Proxy schemes with a meaning for the way a proxy is spoken to.
const (
	schemeHTTPS = "https"
	schemeH2C   = "h2c"
)

// proxyProtos is offered to proxies over TLS.
var proxyProtos = []string{"h2", "http/1.1"}

// session is the state of one Establish call.
type session struct {
	cfg     *Config
	route   *route.Route
	tracker *route.Tracker

	// conn is the connection built so far, nil before the first hop.
	conn net.Conn
	// h2 is set while conn speaks HTTP/2 to the current proxy.
	h2 bool
}

// perform carries out step and records it into the tracker. The step is
// checked against the tracker before any I/O happens.
func (s *session) perform(ctx context.Context, step route.Step) (route.Host, error) {
	hop, err := stepHop(step, s.route, s.tracker)
	if err != nil {
		return hop, err
	}
	secure := secureAfter(step, s.route, hop)

	next := s.tracker.Clone()
	if err := record(next, step, hop, secure); err != nil {
		return hop, err
	}
	if err := s.do(ctx, step, hop, secure); err != nil {
		return hop, &StepError{Step: step, Hop: hop, Err: err}
	}
	s.tracker = next
	return hop, nil
}

func (s *session) do(ctx context.Context, step route.Step, hop route.Host, secure bool) error {
	switch step {
	case route.StepConnectTarget:
		if err := s.dial(ctx, hop); err != nil {
			return err
		}
		if secure {
			_, err := s.startTLS(ctx, hop, nil)
			return err
		}
		return nil

	case route.StepConnectProxy:
		if err := s.dial(ctx, hop); err != nil {
			return err
		}
		return s.enterProxy(ctx, hop)

	case route.StepTunnelProxy:
		if err := s.connect(ctx, hop); err != nil {
			return err
		}
		return s.enterProxy(ctx, hop)

	case route.StepTunnelTarget:
		if err := s.connect(ctx, hop); err != nil {
			return err
		}
		if secure {
			_, err := s.startTLS(ctx, hop, nil)
			return err
		}
		return nil

	case route.StepLayerProtocol:
		_, err := s.startTLS(ctx, hop, nil)
		return err
	}
	return fmt.Errorf("unsupported step %s", step)
}

// dial opens the first hop.
func (s *session) dial(ctx context.Context, hop route.Host) error {
	conn, err := s.cfg.getDialFunc(s.route.LocalAddr())(ctx, "tcp", hop.Addr())
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// enterProxy prepares conn, which has just reached proxy, for a CONNECT
// request.
func (s *session) enterProxy(ctx context.Context, proxy route.Host) error {
	switch proxy.Scheme {
	case schemeH2C:
		s.h2 = true
	case schemeHTTPS:
		tc, err := s.startTLS(ctx, proxy, proxyProtos)
		if err != nil {
			return err
		}
		s.h2 = tc.ConnectionState().NegotiatedProtocol == "h2"
	default:
		s.h2 = false
	}
	return nil
}

// connect asks the current proxy for a tunnel to hop.
func (s *session) connect(ctx context.Context, hop route.Host) error {
	proxy, err := s.tracker.HopTarget(s.tracker.HopCount() - 2)
	if err != nil {
		return err
	}
	address := hop.Addr()
	header, err := s.cfg.headers(proxy, address)
	if err != nil {
		return fmt.Errorf("headers for %s: %w", proxy, err)
	}

	handshake := connecttunnel.Handshake
	if s.h2 {
		handshake = connecttunnel.HandshakeH2
	}
	conn, err := handshake(ctx, s.conn, address, header)
	if err != nil {
		return err
	}
	s.conn = conn
	s.h2 = false
	return nil
}

// startTLS runs a TLS client handshake with hop over conn.
func (s *session) startTLS(ctx context.Context, hop route.Host, protos []string) (*tls.Conn, error) {
	tc := tls.Client(s.conn, s.cfg.tlsConfig(hop.Hostname, protos))
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	s.conn = tc
	return tc, nil
}

// stepHop returns the host step talks to, given the progress in t.
func stepHop(step route.Step, r *route.Route, t *route.Tracker) (route.Host, error) {
	switch step {
	case route.StepConnectProxy:
		return r.HopTarget(0)
	case route.StepTunnelProxy:
		// The next proxy sits where the tracker currently has the target.
		return r.HopTarget(t.HopCount() - 1)
	default:
		return r.TargetHost(), nil
	}
}

// secureAfter reports whether the connection is secure once step has been
// performed towards hop.
func secureAfter(step route.Step, r *route.Route, hop route.Host) bool {
	switch step {
	case route.StepConnectTarget, route.StepTunnelTarget:
		return r.IsSecure() && !r.IsLayered()
	case route.StepConnectProxy, route.StepTunnelProxy:
		return hop.Scheme == schemeHTTPS
	case route.StepLayerProtocol:
		return true
	}
	return false
}

// record reports a performed step into t.
func record(t *route.Tracker, step route.Step, hop route.Host, secure bool) error {
	switch step {
	case route.StepConnectTarget:
		return t.ConnectTarget(secure)
	case route.StepConnectProxy:
		return t.ConnectProxy(hop, secure)
	case route.StepTunnelProxy:
		return t.TunnelProxy(hop, secure)
	case route.StepTunnelTarget:
		return t.TunnelTarget(secure)
	case route.StepLayerProtocol:
		return t.LayerProtocol(secure)
	}
	return fmt.Errorf("%w: unsupported step %s", route.ErrIllegalState, step)
}
