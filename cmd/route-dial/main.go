// Package main implements a netcat-like client that opens a connection along
// a route of CONNECT proxies and pipes it to stdin and stdout.
//
// Examples:
//
//	route-dial -proxy http://proxy1:8080 -proxy https://proxy2:8443 -tunnel example.com 22
//	route-dial -config routes.yaml -route office
//	route-dial -plan -proxy http://proxy1:8080 -tunnel -layer -secure https://example.com
//
// In ~/.ssh/config:
//
//	Host internal-*
//	  ProxyCommand route-dial -proxy https://proxy.example.com -tunnel %h %p
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"lds.li/netroute/cmd/internal/cli"
	"lds.li/netroute/establish"
	"lds.li/netroute/route"
)

var (
	target    = flag.String("target", "", "Target host, [scheme://]host[:port] (or give host and port as arguments)")
	local     = flag.String("local", "", "Local address to bind outgoing connections to")
	tunnel    = flag.Bool("tunnel", false, "Tunnel end-to-end through the proxies with CONNECT")
	layer     = flag.Bool("layer", false, "Layer TLS over the established connection")
	secure    = flag.Bool("secure", false, "The connection must be secure (TLS to the target)")
	configF   = flag.String("config", "", "YAML route file")
	routeName = flag.String("route", "", "Name of the route in the route file")
	plan      = flag.Bool("plan", false, "Print the planned steps and exit without connecting")
	insecure  = flag.Bool("insecure", false, "Skip TLS verification")
	timeout   = flag.Duration("timeout", 30*time.Second, "Connection timeout")
	bufSize   = flag.Int("buffer", 32*1024, "I/O buffer size in bytes")

	proxies cli.HostList
	auth    cli.ProxyAuth
	logCfg  = cli.DefaultLogConfig()
)

func init() {
	flag.Var(&proxies, "proxy", "Proxy, in the order traversed: http://, https:// or h2c://host:port (can be repeated)")
	auth.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [<target-host> <target-port>]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Connect to a target along a route of CONNECT proxies and pipe stdin/stdout.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	r, err := buildRoute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}
	if err := auth.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	logger, err := cli.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(context.Background(), logger, r); err != nil {
		logger.Error("route-dial failed", zap.Stringer("route", r), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// buildRoute builds the route from the route file or from the flags.
func buildRoute() (*route.Route, error) {
	if *configF != "" {
		if *routeName == "" {
			return nil, errors.New("-route is required with -config")
		}
		rf, err := cli.LoadRouteFile(*configF, cli.DefaultLogConfig())
		if err != nil {
			return nil, err
		}
		logCfg = rf.Log
		logCfg.ApplyFlags(flag.CommandLine)
		return rf.Lookup(*routeName)
	}

	rc := cli.RouteConfig{
		Target:    *target,
		Local:     *local,
		Tunnelled: *tunnel,
		Layered:   *layer,
		Secure:    *secure,
	}
	switch {
	case flag.NArg() == 2 && rc.Target == "":
		rc.Target = net.JoinHostPort(flag.Arg(0), flag.Arg(1))
	case flag.NArg() == 1 && rc.Target == "":
		rc.Target = flag.Arg(0)
	case flag.NArg() != 0:
		return nil, errors.New("unexpected arguments")
	}
	if rc.Target == "" {
		return nil, errors.New("a target is required")
	}
	for _, p := range proxies {
		rc.Proxies = append(rc.Proxies, p.String())
	}
	return rc.Route()
}

func run(ctx context.Context, logger *zap.Logger, r *route.Route) error {
	cfg := &establish.Config{
		Logger: zap.NewStdLog(logger.Named("establish")),
		OnStep: func(ctx context.Context, step route.Step, hop route.Host) {
			logger.Debug("step done", zap.Stringer("step", step), zap.Stringer("hop", hop))
		},
	}
	e := establish.New(cfg)

	if *plan {
		steps, err := e.Plan(r)
		for i, s := range steps {
			fmt.Printf("%d. %s\n", i+1, s)
		}
		return err
	}

	headers, err := auth.HeadersFunc(ctx)
	if err != nil {
		return err
	}
	cfg.HeadersForRequest = headers
	if *insecure {
		logger.Warn("TLS verification disabled")
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	logger.Info("connecting", zap.Stringer("route", r))
	conn, err := e.Establish(dialCtx, r)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("connected", zap.Stringer("target", r.TargetHost()))

	return pipe(logger, conn.Conn, os.Stdin, os.Stdout)
}

// pipe copies between conn and stdin/stdout until either direction ends.
func pipe(logger *zap.Logger, conn net.Conn, in io.Reader, out io.Writer) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.CopyBuffer(conn, in, make([]byte, *bufSize))
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		_, err := io.CopyBuffer(out, conn, make([]byte, *bufSize))
		errCh <- err
	}()

	err := <-errCh
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	logger.Info("connection closed")
	return nil
}
