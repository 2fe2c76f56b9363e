package establish

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"

	"lds.li/netroute/route"
)

// DefaultMaxSteps bounds the number of steps Establish takes when
// Config.MaxSteps is zero.
const DefaultMaxSteps = 64

// DialFunc is a function that establishes a network connection.
// It has the same signature as net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// StepFunc is called after each step has been performed and recorded.
type StepFunc func(ctx context.Context, step route.Step, hop route.Host)

// Logger is a minimal logging interface compatible with *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Config configures an Establisher. The zero value is usable.
type Config struct {
	// Dial opens the first hop of a route.
	// If nil, a net.Dialer bound to the route's local address is used.
	Dial DialFunc

	// TLSConfig is the template for TLS handshakes with proxies and targets.
	// ServerName is always set to the hop's hostname. If nil, a default
	// configuration is used.
	TLSConfig *tls.Config

	// HeadersForRequest is called if present to get additional headers for
	// the CONNECT request sent to proxy for target. Used for authentication.
	HeadersForRequest func(proxy route.Host, target string) (http.Header, error)

	// Director plans the steps. If nil, route.BasicDirector is used.
	Director route.Director

	// OnStep is called after each step, if set.
	OnStep StepFunc

	// Logger specifies an optional logger for failed steps.
	// If nil, logging goes to os.Stderr via the log package's standard logger.
	Logger Logger

	// MaxSteps bounds the number of steps for one route. If zero,
	// DefaultMaxSteps is used.
	MaxSteps int
}

func (c *Config) getDirector() route.Director {
	if c.Director != nil {
		return c.Director
	}
	return route.BasicDirector{}
}

func (c *Config) getLogger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c *Config) getMaxSteps() int {
	if c.MaxSteps > 0 {
		return c.MaxSteps
	}
	return DefaultMaxSteps
}

// getDialFunc returns the configured dialer, or a net.Dialer bound to local
// when local is valid.
func (c *Config) getDialFunc(local netip.Addr) DialFunc {
	if c.Dial != nil {
		return c.Dial
	}
	d := &net.Dialer{}
	if local.IsValid() {
		d.LocalAddr = &net.TCPAddr{IP: local.AsSlice(), Zone: local.Zone()}
	}
	return d.DialContext
}

func (c *Config) headers(proxy route.Host, target string) (http.Header, error) {
	if c.HeadersForRequest == nil {
		return nil, nil
	}
	return c.HeadersForRequest(proxy, target)
}

// tlsConfig returns the TLS configuration for a handshake with serverName.
// protos is offered when the template does not set NextProtos.
func (c *Config) tlsConfig(serverName string, protos []string) *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = serverName
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = protos
	}
	return cfg
}

// Establisher opens connections along routes. It is safe for concurrent use.
type Establisher struct {
	cfg *Config
}

// New creates an Establisher. A nil cfg uses the defaults.
func New(cfg *Config) *Establisher {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Establisher{cfg: cfg}
}

// Conn is a connection established along a route.
type Conn struct {
	net.Conn
	route *route.Route
}

// Route returns the route the connection was established along.
func (c *Conn) Route() *route.Route {
	return c.route
}

// Establish opens a connection along r. Cancelling ctx aborts the steps
// still in progress but does not affect the returned connection.
//
// On failure everything opened so far is closed. Errors from the director,
// including *route.UnreachableError, are returned as is; failed I/O is
// reported as *StepError.
func (e *Establisher) Establish(ctx context.Context, r *route.Route) (*Conn, error) {
	t, err := route.NewTrackerFor(r)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: e.cfg, route: r, tracker: t}

	ok := false
	defer func() {
		if !ok && s.conn != nil {
			_ = s.conn.Close()
		}
	}()

	director := e.cfg.getDirector()
	for range e.cfg.getMaxSteps() {
		current := s.tracker.ToRoute()
		step, err := nextStep(director, r, current)
		if err != nil {
			return nil, err
		}
		if step == route.StepComplete {
			ok = true
			return &Conn{Conn: s.conn, route: current}, nil
		}
		hop, err := s.perform(ctx, step)
		if err != nil {
			e.cfg.getLogger().Printf("establish: %s: %v", r, err)
			return nil, err
		}
		if e.cfg.OnStep != nil {
			e.cfg.OnStep(ctx, step, hop)
		}
	}
	return nil, fmt.Errorf("%w: %s not complete after %d steps", ErrTooManySteps, r, e.cfg.getMaxSteps())
}

// Plan returns the steps Establish would take for r, assuming every piece
// of I/O succeeds.
func (e *Establisher) Plan(r *route.Route) ([]route.Step, error) {
	t, err := route.NewTrackerFor(r)
	if err != nil {
		return nil, err
	}
	director := e.cfg.getDirector()
	var steps []route.Step
	for range e.cfg.getMaxSteps() {
		step, err := nextStep(director, r, t.ToRoute())
		if err != nil {
			return steps, err
		}
		steps = append(steps, step)
		if step == route.StepComplete {
			return steps, nil
		}
		hop, err := stepHop(step, r, t)
		if err != nil {
			return steps, err
		}
		if err := record(t, step, hop, secureAfter(step, r, hop)); err != nil {
			return steps, err
		}
	}
	return steps, fmt.Errorf("%w: %s not complete after %d steps", ErrTooManySteps, r, e.cfg.getMaxSteps())
}

// nextStep asks director for the next step, making sure an unreachable
// outcome always carries an error and that a route is only complete once
// the tracker matches it.
func nextStep(director route.Director, desired, current *route.Route) (route.Step, error) {
	step, err := director.NextStep(desired, current)
	if err != nil {
		return step, err
	}
	switch {
	case step == route.StepUnreachable:
		return step, &route.UnreachableError{Desired: desired, Current: current}
	case step == route.StepComplete && !current.Equal(desired):
		return route.StepUnreachable, &route.UnreachableError{Desired: desired, Current: current}
	}
	return step, nil
}
