package connecttunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// NewH2Handler creates an HTTP/2 CONNECT handler.
// It handles CONNECT requests using HTTP/2 streams for bidirectional tunneling.
// This handler works with both HTTP/2 over TLS and HTTP/2 cleartext (h2c).
func NewH2Handler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &h2Handler{cfg: cfg}
}

type h2Handler struct {
	cfg *ServerConfig
}

func (h *h2Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Verify protocol is HTTP/2
	if req.ProtoMajor != 2 {
		http.Error(w, "HTTP/2 required", http.StatusHTTPVersionNotSupported)
		return
	}

	// HTTP/2 CONNECT carries the target in the :authority pseudo-header
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

	// Enable full duplex mode for HTTP/2 streams
	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		_ = upstream.Close()
		h.cfg.getLogger().Printf("failed to enable full duplex: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// Send 200 OK response
	w.WriteHeader(http.StatusOK)

	// Flush headers to establish the tunnel
	if err := rc.Flush(); err != nil {
		_ = upstream.Close()
		h.cfg.getLogger().Printf("failed to flush response: %v", err)
		return
	}

	// Start bidirectional copy between request body and upstream
	// For HTTP/2, we must stay in the handler to keep the response stream open
	h.tunnel(req.Context(), req.Body, w, rc, upstream)
}

// tunnel performs bidirectional copying between the HTTP/2 stream and upstream connection.
func (h *h2Handler) tunnel(ctx context.Context, reqBody io.ReadCloser, w io.Writer, rc *http.ResponseController, upstream net.Conn) {
	defer func() { _ = reqBody.Close() }()
	defer func() { _ = upstream.Close() }()

	errCh := make(chan error, 2)

	// Copy from request body (client) to upstream
	go func() {
		_, err := io.Copy(upstream, reqBody)
		// Close write side of upstream when client sends EOF
		closeWrite(upstream)
		errCh <- err
	}()

	// Copy from upstream to response body (client), flushing every write so
	// data frames go out immediately
	go func() {
		errCh <- copyFlush(w, rc, upstream)
	}()

	h.cfg.wait(ctx, errCh)
}

// copyFlush copies src to w, flushing after each write.
func copyFlush(w io.Writer, rc *http.ResponseController, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := w.Write(buf[0:nr])
			if ew == nil {
				ew = rc.Flush()
			}
			if ew != nil {
				return ew
			}
			if nw != nr {
				return fmt.Errorf("short write: %w", io.ErrShortWrite)
			}
		}
		if er != nil {
			return er
		}
	}
}
