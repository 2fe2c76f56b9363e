package connecttunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// h1Dialer implements Dialer for HTTP/1.1 CONNECT proxies.
type h1Dialer struct {
	cfg       *ClientConfig
	proxyAddr string
	proxyHost string
	useTLS    bool
	dial      DialFunc
}

// NewH1Dialer creates a Dialer that connects through an HTTP/1.1 proxy.
// The proxy URL must use "http" or "https" scheme.
func NewH1Dialer(cfg *ClientConfig) Dialer {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		panic(fmt.Sprintf("connecttunnel: invalid proxy URL: %v", err))
	}

	useTLS := proxyURL.Scheme == "https"
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		if useTLS {
			proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "80")
		}
	}

	return &h1Dialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		proxyHost: proxyURL.Hostname(),
		useTLS:    useTLS,
		dial:      cfg.getDialFunc(),
	}
}

// DialContext establishes a connection through the HTTP/1.1 proxy.
func (d *h1Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	// Only support TCP networks
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("connecttunnel: unsupported network: %s", network)
	}

	// Connect to proxy
	conn, err := d.dial(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}

	// Upgrade to TLS if needed
	if d.useTLS {
		tlsConfig := d.cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: d.proxyHost}
		} else if tlsConfig.ServerName == "" {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = d.proxyHost
		}
		conn = tls.Client(conn, tlsConfig)
	}

	header, err := d.cfg.headers(&http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to get additional headers: %v", ErrProxyConnect, err)
	}

	tc, err := Handshake(ctx, conn, address, header)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

// Handshake sends an HTTP/1.1 CONNECT request for address over conn, which
// is already open to a proxy, and waits for the proxy's answer. On success
// the returned connection carries the tunnelled byte stream; on failure conn
// is left open and the caller decides whether to close it.
//
// Handshake is the building block for proxy chains: conn may itself be a
// tunnel through earlier proxies.
func Handshake(ctx context.Context, conn net.Conn, address string, header http.Header) (net.Conn, error) {
	done := watchContext(ctx, conn)

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: address},
		Host:       address,
		Header:     make(http.Header),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	maps.Copy(req.Header, header)

	if err := req.Write(conn); err != nil {
		done()
		return nil, fmt.Errorf("%w: failed to write request: %v", ErrProxyConnect, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if cerr := done(); cerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, cerr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrProxyConnect, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var proxy string
		if a := conn.RemoteAddr(); a != nil {
			proxy = a.String()
		}
		return nil, &ProxyError{
			Proxy:      proxy,
			Target:     address,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	// Bytes the proxy sent after its response belong to the tunnel.
	return &bufferedConn{
		Conn:   conn,
		reader: br,
		remote: &remoteAddr{addr: address},
	}, nil
}

// bufferedConn wraps a net.Conn with a bufio.Reader to handle any buffered data.
// Its remote address is the tunnel's target rather than the proxy.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
	remote net.Addr
}

// Read reads from the buffered reader, which wraps the underlying connection.
func (c *bufferedConn) Read(b []byte) (int, error) {
	// Always read from the buffered reader to maintain proper state
	return c.reader.Read(b)
}

// RemoteAddr implements net.Conn.
func (c *bufferedConn) RemoteAddr() net.Addr {
	return c.remote
}
