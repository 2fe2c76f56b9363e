package connecttunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http2"
)

// h2Dialer implements Dialer for HTTP/2 CONNECT proxies.
type h2Dialer struct {
	proxyURL   *url.URL
	transport  *http2.Transport
	headerFunc func(req *http.Request) (http.Header, error)
}

// NewH2Dialer creates a Dialer that connects through an HTTP/2 proxy.
// The proxy URL must use "https" scheme (HTTP/2 over TLS).
// For HTTP/2 cleartext (h2c), use NewH2CDialer instead.
func NewH2Dialer(cfg *ClientConfig) Dialer {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		panic(fmt.Sprintf("connecttunnel: invalid proxy URL: %v", err))
	}

	if proxyURL.Scheme != "https" {
		panic("connecttunnel: NewH2Dialer requires https URL, use NewH2CDialer for http")
	}

	transport := &http2.Transport{
		TLSClientConfig: cfg.TLSConfig,
	}

	if cfg.DialContext != nil {
		transport.DialTLSContext = func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			conn, err := cfg.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return tls.Client(conn, tlsCfg), nil
		}
	}

	return &h2Dialer{
		proxyURL:   proxyURL,
		transport:  transport,
		headerFunc: cfg.HeadersForRequest,
	}
}

// NewH2CDialer creates a Dialer that connects through an HTTP/2 cleartext (h2c) proxy.
// The proxy URL must use "http" scheme.
func NewH2CDialer(cfg *ClientConfig) Dialer {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		panic(fmt.Sprintf("connecttunnel: invalid proxy URL: %v", err))
	}

	if proxyURL.Scheme != "http" {
		panic("connecttunnel: NewH2CDialer requires http URL, use NewH2Dialer for https")
	}

	dial := cfg.getDialFunc()
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			// Return cleartext connection for h2c
			return dial(ctx, network, addr)
		},
	}

	return &h2Dialer{
		proxyURL:   proxyURL,
		transport:  transport,
		headerFunc: cfg.HeadersForRequest,
	}
}

// DialContext establishes a connection through the HTTP/2 proxy.
func (d *h2Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	// Only support TCP networks
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("connecttunnel: unsupported network: %s", network)
	}

	var header http.Header
	if d.headerFunc != nil {
		h, err := d.headerFunc(&http.Request{Method: http.MethodConnect, URL: d.proxyURL, Host: address})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get additional headers: %v", ErrProxyConnect, err)
		}
		header = h
	}

	rwc, err := connectStream(ctx, d.transport, d.proxyURL, address, header)
	if err != nil {
		return nil, err
	}
	return newStreamConnRW(rwc, nil, &remoteAddr{addr: address}), nil
}

// HandshakeH2 starts an HTTP/2 client connection over conn, which is already
// open to a proxy speaking HTTP/2 (after ALPN "h2", or with prior
// knowledge), and opens a CONNECT stream for address on it.
//
// The HTTP/2 connection is dedicated to the returned stream: closing the
// stream closes conn. On failure conn is left open.
func HandshakeH2(ctx context.Context, conn net.Conn, address string, header http.Header) (net.Conn, error) {
	t := &http2.Transport{AllowHTTP: true}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}
	proxyURL := &url.URL{Scheme: "https", Host: address}
	if a := conn.RemoteAddr(); a != nil {
		proxyURL.Host = a.String()
	}
	rwc, err := connectStream(ctx, cc, proxyURL, address, header)
	if err != nil {
		return nil, err
	}
	return newStreamConnRW(rwc, conn.LocalAddr(), &remoteAddr{addr: address}), nil
}

// connectStream sends a CONNECT request for address through rt and returns
// the bidirectional stream once the proxy accepts it. Cancelling ctx aborts
// the request but not an established stream.
func connectStream(ctx context.Context, rt http.RoundTripper, proxyURL *url.URL, address string, header http.Header) (io.ReadWriteCloser, error) {
	// Create a pipe for bidirectional communication
	// pr/pw: client writes to pw, server reads from pr (client -> server)
	pr, pw := io.Pipe()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    proxyURL,
		Host:   address,
		Header: make(http.Header),
		Body:   pr,
		// ContentLength must be -1 for CONNECT to signal streaming body
		ContentLength: -1,
	}
	maps.Copy(req.Header, header)

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	req = req.WithContext(reqCtx)

	// Send request - this returns after response headers are received
	resp, err := rt.RoundTrip(req)
	if !stop() && err == nil {
		resp.Body.Close()
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}

	if resp.StatusCode != http.StatusOK {
		cancel()
		resp.Body.Close()
		pr.Close()
		pw.Close()
		return nil, &ProxyError{
			Proxy:      proxyURL.Host,
			Target:     address,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	// Create a bidirectional stream:
	// - Write to pw (goes to server via request body)
	// - Read from resp.Body (comes from server via response body)
	return &h2Conn{
		reader: resp.Body,
		writer: pw,
		cancel: cancel,
		closer: connCloser(rt),
	}, nil
}

// connCloser returns rt when it is a dedicated *http2.ClientConn, which has
// to be closed together with its only stream.
func connCloser(rt http.RoundTripper) io.Closer {
	if cc, ok := rt.(*http2.ClientConn); ok {
		return cc
	}
	return nil
}

// h2Conn provides bidirectional I/O for HTTP/2 CONNECT.
type h2Conn struct {
	reader io.ReadCloser  // Response body (server -> client)
	writer io.WriteCloser // Pipe writer (client -> server)
	cancel context.CancelFunc
	closer io.Closer // Optional HTTP/2 connection owned by this stream
}

func (c *h2Conn) Read(p []byte) (n int, err error) {
	return c.reader.Read(p)
}

func (c *h2Conn) Write(p []byte) (n int, err error) {
	return c.writer.Write(p)
}

func (c *h2Conn) Close() error {
	// Close both directions
	err1 := c.reader.Close()
	err2 := c.writer.Close()
	c.cancel()
	if c.closer != nil {
		if err := c.closer.Close(); err2 == nil {
			err2 = err
		}
	}
	if err1 != nil {
		return err1
	}
	return err2
}
