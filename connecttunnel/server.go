package connecttunnel

import (
	"fmt"
	"net"
	"net/http"
)

// NewHandler creates a unified handler that automatically detects and handles
// both HTTP/1.1 and HTTP/2 CONNECT requests.
//
// This is the handler a proxy hop normally serves. It inspects the request
// protocol and delegates to the appropriate protocol-specific handler.
func NewHandler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &unifiedHandler{
		h1: &h1Handler{cfg: cfg},
		h2: &h2Handler{cfg: cfg},
	}
}

type unifiedHandler struct {
	h1 *h1Handler
	h2 *h2Handler
}

func (h *unifiedHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Check method first
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Detect protocol and delegate
	if req.ProtoMajor == 2 {
		h.h2.ServeHTTP(w, req)
	} else {
		h.h1.ServeHTTP(w, req)
	}
}

// requestTarget returns the host:port a CONNECT request asks for. HTTP/1.1
// carries it in the request URI, HTTP/2 in the :authority pseudo-header.
func requestTarget(req *http.Request) (string, error) {
	if req.Method != http.MethodConnect {
		return "", ErrInvalidMethod
	}
	target := req.Host
	if req.ProtoMajor < 2 && req.RequestURI != "" {
		target = req.RequestURI
	}
	if target == "" || target == "/" {
		return "", fmt.Errorf("%w: missing target", ErrInvalidTarget)
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
	}
	return target, nil
}
