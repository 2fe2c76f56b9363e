package connecttunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// NewH1Handler creates an HTTP/1.1 CONNECT handler.
// It handles CONNECT requests by hijacking the connection and establishing
// a bidirectional tunnel to the requested target.
func NewH1Handler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &h1Handler{cfg: cfg}
}

type h1Handler struct {
	cfg *ServerConfig
}

func (h *h1Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Extract target from RequestURI (e.g., "example.com:443")
	target, err := requestTarget(req)
	if errors.Is(err, ErrInvalidMethod) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		http.Error(w, "Bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Call OnTunnel callback if configured
	if err := h.cfg.checkTunnel(req.Context(), req); err != nil {
		h.cfg.getLogger().Printf("tunnel rejected: %v", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// Dial upstream target
	dial := h.cfg.getDialFunc()
	upstream, err := dial(req.Context(), "tcp", target)
	if err != nil {
		h.cfg.getLogger().Printf("%v: %s: %v", ErrUpstreamDial, target, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	// Hijack the client connection
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		h.cfg.getLogger().Printf("%v: response writer is %T", ErrHijackFailed, w)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	client, bufrw, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		h.cfg.getLogger().Printf("%v: %v", ErrHijackFailed, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// Send success response
	_, err = bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err == nil {
		err = bufrw.Flush()
	}
	if err != nil {
		client.Close()
		upstream.Close()
		h.cfg.getLogger().Printf("failed to write response: %v", err)
		return
	}

	// The client may have pipelined bytes behind the CONNECT request, e.g. a
	// CONNECT to the next proxy of a chain. They are already in bufrw.
	var fromClient io.Reader = client
	if n := bufrw.Reader.Buffered(); n > 0 {
		fromClient = io.MultiReader(io.LimitReader(bufrw.Reader, int64(n)), client)
	}

	// Start bidirectional copy in a goroutine
	// Note: We use context.Background() instead of req.Context() because hijacked
	// connections are independent of the HTTP request lifecycle
	go h.tunnel(context.Background(), client, fromClient, upstream)
}

// tunnel performs bidirectional copying between client and upstream connections.
func (h *h1Handler) tunnel(ctx context.Context, client net.Conn, fromClient io.Reader, upstream net.Conn) {
	defer client.Close()
	defer upstream.Close()

	errCh := make(chan error, 2)

	// Copy from client to upstream
	go func() {
		_, err := io.Copy(upstream, fromClient)
		// Close write side of upstream when client sends EOF
		closeWrite(upstream)
		errCh <- err
	}()

	// Copy from upstream to client
	go func() {
		_, err := io.Copy(client, upstream)
		// Close write side of client when upstream sends EOF
		closeWrite(client)
		errCh <- err
	}()

	h.cfg.wait(ctx, errCh)
}

// closeWrite half-closes conn when it supports it.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// wait blocks until both copy directions of a tunnel have finished or ctx is
// done, logging unexpected copy errors.
func (c *ServerConfig) wait(ctx context.Context, errCh <-chan error) {
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			// Context cancelled, the caller closes the connections
			return
		case err := <-errCh:
			if err != nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
				c.getLogger().Printf("tunnel error: %v", fmt.Errorf("copy: %w", err))
			}
		}
	}
}
