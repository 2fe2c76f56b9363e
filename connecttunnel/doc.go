// Package connecttunnel provides TCP tunneling over HTTP CONNECT protocol.
//
// This package supports HTTP/1.1 CONNECT (RFC 7231), HTTP/2 CONNECT (RFC 9113),
// and HTTP/2 cleartext (h2c) connections. It provides server handlers for
// running a proxy hop, client dialers for creating tunneled connections, and
// handshakes that issue a CONNECT over a connection that is already open.
//
// # Server Usage
//
// Create a handler that accepts CONNECT requests and establishes tunnels:
//
//	cfg := &connecttunnel.ServerConfig{
//	    OnTunnel: func(ctx context.Context, req *http.Request) error {
//	        // Optional: authenticate, log, or reject connections
//	        return nil
//	    },
//	}
//	handler := connecttunnel.NewHandler(cfg)
//	http.ListenAndServe(":8080", handler)
//
// The unified handler automatically detects HTTP/1.1 and HTTP/2 protocols.
// For protocol-specific handlers, use NewH1Handler or NewH2Handler. Wrap the
// handler with golang.org/x/net/http2/h2c to accept HTTP/2 without TLS.
//
// # Client Usage
//
// Create a dialer that connects through a proxy:
//
//	cfg := &connecttunnel.ClientConfig{
//	    ProxyURL: "http://proxy.example.com:8080",
//	}
//	dialer := connecttunnel.NewH1Dialer(cfg)
//	conn, err := dialer.DialContext(ctx, "tcp", "example.com:443")
//
// For HTTP/2 proxies, use NewH2Dialer. For h2c proxies, use NewH2CDialer.
//
// # Handshakes over open connections
//
// Handshake and HandshakeH2 send a CONNECT over a net.Conn the caller has
// already opened to a proxy, possibly itself a tunnel through earlier
// proxies. Package establish uses them to walk a route one hop at a time:
//
//	conn, _ := net.Dial("tcp", "proxy1:8080")
//	conn, _ = connecttunnel.Handshake(ctx, conn, "proxy2:8080", nil)
//	conn, _ = connecttunnel.Handshake(ctx, conn, "example.com:443", nil)
//
// # Composability
//
// Dialers can also be chained to stack multiple proxies:
//
//	dialer1 := connecttunnel.NewH1Dialer(&connecttunnel.ClientConfig{
//	    ProxyURL: "http://proxy1:8080",
//	})
//	dialer2 := connecttunnel.NewH2Dialer(&connecttunnel.ClientConfig{
//	    ProxyURL:    "https://proxy2:8443",
//	    DialContext: dialer1.DialContext,
//	})
package connecttunnel
