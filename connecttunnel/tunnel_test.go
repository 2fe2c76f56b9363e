package connecttunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// startEcho starts a TCP server echoing everything it reads and returns its
// address.
func startEcho(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create echo server: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return listener.Addr().String()
}

// startH2CProxy serves handler with HTTP/1.1 and h2c on a local listener
// and returns its address.
func startH2CProxy(t *testing.T, handler http.Handler) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	srv := &http.Server{Handler: h2c.NewHandler(handler, &http2.Server{})}
	go srv.Serve(listener)
	t.Cleanup(func() { _ = srv.Close() })
	return listener.Addr().String()
}

// checkEcho writes a message through conn and expects it back.
func checkEcho(t *testing.T, conn net.Conn, message string) {
	t.Helper()
	if _, err := conn.Write([]byte(message)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(message))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if string(buf) != message {
		t.Errorf("Expected %q, got %q", message, buf)
	}
}

func logTunnels(t *testing.T) *ServerConfig {
	return &ServerConfig{
		OnTunnel: func(ctx context.Context, req *http.Request) error {
			t.Logf("Tunnel to: %s (proto: %s)", req.Host, req.Proto)
			return nil
		},
	}
}

// TestH1ServerClient tests HTTP/1.1 CONNECT tunnel.
func TestH1ServerClient(t *testing.T) {
	echoAddr := startEcho(t)

	proxyServer := httptest.NewServer(NewH1Handler(logTunnels(t)))
	defer proxyServer.Close()

	dialer := NewH1Dialer(&ClientConfig{
		ProxyURL: proxyServer.URL,
		HeadersForRequest: func(req *http.Request) (http.Header, error) {
			return http.Header{"Proxy-Authorization": []string{"Bearer test"}}, nil
		},
	})

	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	defer conn.Close()

	if conn.RemoteAddr().String() != echoAddr {
		t.Errorf("RemoteAddr = %v, want %s", conn.RemoteAddr(), echoAddr)
	}
	checkEcho(t, conn, "Hello, World!")
}

// TestH2ServerClient tests HTTP/2 CONNECT tunnel over TLS.
func TestH2ServerClient(t *testing.T) {
	echoAddr := startEcho(t)

	proxyServer := httptest.NewUnstartedServer(NewH2Handler(logTunnels(t)))
	proxyServer.EnableHTTP2 = true
	proxyServer.StartTLS()
	defer proxyServer.Close()

	dialer := NewH2Dialer(&ClientConfig{
		ProxyURL: proxyServer.URL,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	})

	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	defer conn.Close()

	checkEcho(t, conn, "Hello, HTTP/2!")
}

// TestH2CServerClient tests HTTP/2 cleartext (h2c) CONNECT tunnel.
func TestH2CServerClient(t *testing.T) {
	echoAddr := startEcho(t)
	proxyAddr := startH2CProxy(t, NewHandler(logTunnels(t)))

	dialer := NewH2CDialer(&ClientConfig{
		ProxyURL: "http://" + proxyAddr,
	})

	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	defer conn.Close()

	checkEcho(t, conn, "Hello, h2c!")
}

// TestUnifiedHandler tests the unified handler with both HTTP/1.1 and HTTP/2.
func TestUnifiedHandler(t *testing.T) {
	echoAddr := startEcho(t)
	proxyHandler := NewHandler(logTunnels(t))

	t.Run("HTTP1", func(t *testing.T) {
		proxyServer := httptest.NewServer(proxyHandler)
		defer proxyServer.Close()

		dialer := NewH1Dialer(&ClientConfig{
			ProxyURL: proxyServer.URL,
		})
		conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
		if err != nil {
			t.Fatalf("Failed to dial: %v", err)
		}
		defer conn.Close()
		checkEcho(t, conn, "Test HTTP/1.1")
	})

	t.Run("HTTP2", func(t *testing.T) {
		proxyServer := httptest.NewUnstartedServer(proxyHandler)
		proxyServer.EnableHTTP2 = true
		proxyServer.StartTLS()
		defer proxyServer.Close()

		dialer := NewH2Dialer(&ClientConfig{
			ProxyURL: proxyServer.URL,
			TLSConfig: &tls.Config{
				InsecureSkipVerify: true,
			},
		})
		conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
		if err != nil {
			t.Fatalf("Failed to dial: %v", err)
		}
		defer conn.Close()
		checkEcho(t, conn, "Test HTTP/2")
	})

	t.Run("NotConnect", func(t *testing.T) {
		proxyServer := httptest.NewServer(proxyHandler)
		defer proxyServer.Close()

		resp, err := http.Get(proxyServer.URL)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET status = %d", resp.StatusCode)
		}
	})
}

// TestTunnelRejection tests that OnTunnel callback can reject connections.
func TestTunnelRejection(t *testing.T) {
	proxyServer := httptest.NewServer(NewH1Handler(&ServerConfig{
		OnTunnel: func(ctx context.Context, req *http.Request) error {
			return fmt.Errorf("access denied")
		},
	}))
	defer proxyServer.Close()

	dialer := NewH1Dialer(&ClientConfig{
		ProxyURL: proxyServer.URL,
	})

	_, err := dialer.DialContext(context.Background(), "tcp", "example.com:80")
	if err == nil {
		t.Fatal("Expected connection to be rejected")
	}

	var proxyErr *ProxyError
	if !errors.As(err, &proxyErr) {
		t.Fatalf("Expected proxy error, got: %v", err)
	}
	if proxyErr.StatusCode != http.StatusForbidden || proxyErr.Target != "example.com:80" {
		t.Errorf("Unexpected proxy error: %+v", proxyErr)
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("Status missing from %q", err)
	}
}

// TestHandshakeChain walks two HTTP/1.1 proxies one CONNECT at a time.
func TestHandshakeChain(t *testing.T) {
	echoAddr := startEcho(t)

	var mu sync.Mutex
	var seen []string
	record := func(name string) *ServerConfig {
		return &ServerConfig{
			OnTunnel: func(ctx context.Context, req *http.Request) error {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, name+"->"+req.Host)
				return nil
			},
		}
	}
	proxy1 := httptest.NewServer(NewHandler(record("proxy1")))
	defer proxy1.Close()
	proxy2 := httptest.NewServer(NewHandler(record("proxy2")))
	defer proxy2.Close()
	proxy2Addr := strings.TrimPrefix(proxy2.URL, "http://")

	ctx := context.Background()
	conn, err := net.Dial("tcp", strings.TrimPrefix(proxy1.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hop, err := Handshake(ctx, conn, proxy2Addr, nil)
	if err != nil {
		t.Fatalf("CONNECT to second proxy: %v", err)
	}
	if hop.RemoteAddr().String() != proxy2Addr {
		t.Errorf("RemoteAddr = %v, want %s", hop.RemoteAddr(), proxy2Addr)
	}
	tunnel, err := Handshake(ctx, hop, echoAddr, http.Header{"X-Hop": []string{"2"}})
	if err != nil {
		t.Fatalf("CONNECT to target: %v", err)
	}
	checkEcho(t, tunnel, "through two proxies")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"proxy1->" + proxy2Addr, "proxy2->" + echoAddr}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("tunnels = %v, want %v", seen, want)
	}
}

// TestHandshakeH2 opens a CONNECT stream over a prior-knowledge h2c connection.
func TestHandshakeH2(t *testing.T) {
	echoAddr := startEcho(t)
	proxyAddr := startH2CProxy(t, NewHandler(logTunnels(t)))

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	tunnel, err := HandshakeH2(context.Background(), conn, echoAddr, nil)
	if err != nil {
		t.Fatalf("HandshakeH2: %v", err)
	}
	defer tunnel.Close()

	if tunnel.RemoteAddr().String() != echoAddr {
		t.Errorf("RemoteAddr = %v, want %s", tunnel.RemoteAddr(), echoAddr)
	}
	checkEcho(t, tunnel, "Hello over a dedicated h2 stream")
}

// TestHandshakeContext checks that a silent proxy does not block past the
// context deadline.
func TestHandshakeContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		c, err := listener.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(io.Discard, c)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Handshake(ctx, conn, "example.com:443", nil)
	if !errors.Is(err, ErrProxyConnect) {
		t.Fatalf("Expected ErrProxyConnect, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Handshake took %v", elapsed)
	}
}

// TestH2Multiplexing verifies that multiple concurrent tunnels
// can be established over a single HTTP/2 connection.
func TestH2Multiplexing(t *testing.T) {
	const numEchos = 5
	echoAddrs := make([]string, numEchos)
	for i := range echoAddrs {
		echoAddrs[i] = startEcho(t)
	}

	proxyServer := httptest.NewUnstartedServer(NewH2Handler(logTunnels(t)))
	proxyServer.EnableHTTP2 = true
	proxyServer.StartTLS()
	defer proxyServer.Close()

	// Create ONE dialer (should reuse connection)
	dialer := NewH2Dialer(&ClientConfig{
		ProxyURL: proxyServer.URL,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, numEchos)

	for i := 0; i < numEchos; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			conn, err := dialer.DialContext(ctx, "tcp", echoAddrs[idx])
			if err != nil {
				errs <- err
				return
			}
			defer func() { _ = conn.Close() }()

			message := []byte(fmt.Sprintf("test-%d", idx))
			if _, err := conn.Write(message); err != nil {
				errs <- err
				return
			}

			buf := make([]byte, len(message))
			if _, err := io.ReadFull(conn, buf); err != nil {
				errs <- err
				return
			}

			if string(buf) != string(message) {
				t.Errorf("Tunnel %d: expected %q, got %q", idx, message, buf)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Tunnel error: %v", err)
	}
}
