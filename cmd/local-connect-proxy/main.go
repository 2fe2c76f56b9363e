// Package main implements a local HTTP CONNECT proxy server.
//
// This command starts a local HTTP proxy server that accepts CONNECT requests
// and opens each requested tunnel along a route through a chain of remote
// CONNECT proxies. This allows any tool that supports HTTP CONNECT proxies
// (curl, browsers, SSH via nc) to reach hosts behind the chain.
//
// Example:
//
//	local-connect-proxy -proxy http://bastion:8080 -proxy https://proxy.example.com -listen localhost:8080
//
//	# Then use with any tool:
//	curl -x http://localhost:8080 https://example.com
//	ssh -o ProxyCommand='nc -X connect -x localhost:8080 %h %p' user@server
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lds.li/netroute/cmd/internal/cli"
	"lds.li/netroute/connecttunnel"
	"lds.li/netroute/establish"
	"lds.li/netroute/route"
)

var (
	listen   = flag.String("listen", "localhost:8080", "Local proxy listen address")
	local    = flag.String("local", "", "Local address to bind outgoing connections to")
	insecure = flag.Bool("insecure", false, "Skip TLS verification")
	timeout  = flag.Duration("timeout", 30*time.Second, "Timeout for establishing each tunnel")

	proxies cli.HostList
	auth    cli.ProxyAuth
	logCfg  = cli.DefaultLogConfig()
)

func init() {
	flag.Var(&proxies, "proxy", "Remote proxy, in the order traversed: http://, https:// or h2c://host:port (can be repeated)")
	auth.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
}

// proxyHandler implements http.Handler for the CONNECT proxy.
type proxyHandler struct {
	establisher *establish.Establisher
	proxies     []route.Host
	local       netip.Addr
	timeout     time.Duration
	logger      *zap.Logger
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Start a local HTTP CONNECT proxy that tunnels through a chain of remote CONNECT proxies.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  # Start local proxy\n")
		fmt.Fprintf(os.Stderr, "  %s -proxy https://proxy.example.com:443\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Use with curl\n")
		fmt.Fprintf(os.Stderr, "  curl -x http://localhost:8080 https://example.com\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if len(proxies) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one -proxy is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if err := auth.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	localAddr, err := cli.ParseLocal(*local)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		os.Exit(1)
	}

	logger, err := cli.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	headers, err := auth.HeadersFunc(context.Background())
	if err != nil {
		logger.Fatal("Failed to set up proxy authentication", zap.Error(err))
	}

	cfg := &establish.Config{
		HeadersForRequest: headers,
		Logger:            zap.NewStdLog(logger.Named("establish")),
	}
	if *insecure {
		logger.Warn("TLS verification disabled")
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	handler := &proxyHandler{
		establisher: establish.New(cfg),
		proxies:     proxies,
		local:       localAddr,
		timeout:     *timeout,
		logger:      logger,
	}

	server := &http.Server{
		Addr:     *listen,
		Handler:  handler,
		ErrorLog: zap.NewStdLog(logger.Named("http")),
		// Disable HTTP/2 for the local server (we only handle CONNECT)
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
	}

	logger.Info("Local proxy listening", zap.String("listen", *listen), zap.Stringer("proxies", &proxies))

	go handleShutdown(server, logger)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Server error", zap.Error(err))
	}
}

// routeFor builds the route to target through the configured chain.
func (h *proxyHandler) routeFor(target string) (*route.Route, error) {
	host, err := route.ParseHost(target)
	if err != nil {
		return nil, err
	}
	return route.New(host, h.local, h.proxies, true, false, false)
}

// ServeHTTP implements http.Handler for the CONNECT proxy.
func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed. This proxy only supports CONNECT.", http.StatusMethodNotAllowed)
		h.logger.Debug("Rejected request", zap.String("method", req.Method), zap.Stringer("url", req.URL))
		return
	}

	r, err := h.routeFor(req.Host)
	if err != nil {
		http.Error(w, "Bad Request: invalid target", http.StatusBadRequest)
		return
	}
	log := h.logger.With(zap.String("client", req.RemoteAddr), zap.Stringer("route", r))
	log.Debug("CONNECT request")

	ctx, cancel := context.WithTimeout(req.Context(), h.timeout)
	defer cancel()

	upstream, err := h.establisher.Establish(ctx, r)
	if err != nil {
		log.Warn("Failed to establish route", zap.Error(err))
		status := http.StatusBadGateway
		var proxyErr *connecttunnel.ProxyError
		if errors.As(err, &proxyErr) && proxyErr.StatusCode == http.StatusForbidden {
			status = http.StatusForbidden
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer upstream.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Internal Server Error: hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		log.Warn("Hijack failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		log.Warn("Failed to send response", zap.Error(err))
		return
	}

	log.Info("Tunnel open")
	copyBidirectional(clientConn, upstream)
	log.Debug("Tunnel closed")
}

// copyBidirectional copies data bidirectionally between two connections.
func copyBidirectional(client, server net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(server, client)
		done <- struct{}{}
	}()

	go func() {
		io.Copy(client, server)
		done <- struct{}{}
	}()

	// Wait for first direction to finish
	<-done
}

// handleShutdown handles graceful shutdown on SIGINT/SIGTERM.
func handleShutdown(server *http.Server, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Server shutdown error", zap.Error(err))
	}
	logger.Info("Server stopped")
}
