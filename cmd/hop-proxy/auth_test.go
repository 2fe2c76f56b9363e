package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"lds.li/netroute/connecttunnel"
	"lds.li/netroute/establish"
	"lds.li/netroute/route"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  http.Header
		want    string
		wantErr bool
	}{
		{"proxy authorization", http.Header{"Proxy-Authorization": {"Bearer abc"}}, "abc", false},
		{"authorization fallback", http.Header{"Authorization": {"Bearer def"}}, "def", false},
		{"proxy header wins", http.Header{"Proxy-Authorization": {"Bearer abc"}, "Authorization": {"Bearer def"}}, "abc", false},
		{"missing", http.Header{}, "", true},
		{"basic", http.Header{"Proxy-Authorization": {"Basic Zm9vOmJhcg=="}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractBearerToken(&http.Request{Header: tt.header})
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("extractBearerToken = %q, %v; want %q, wantErr %v", got, err, tt.want, tt.wantErr)
			}
		})
	}
}

func TestAuthenticatorToken(t *testing.T) {
	auth := &authenticator{token: "secret", logger: zaptest.NewLogger(t)}

	req := &http.Request{Host: "example.com:443", Header: http.Header{}}
	if err := auth.onTunnel(context.Background(), req); !errors.Is(err, connecttunnel.ErrTunnelRejected) {
		t.Errorf("without token: %v", err)
	}
	req.Header.Set("Proxy-Authorization", "Bearer wrong")
	if err := auth.onTunnel(context.Background(), req); !errors.Is(err, connecttunnel.ErrTunnelRejected) {
		t.Errorf("wrong token: %v", err)
	}
	req.Header.Set("Proxy-Authorization", "Bearer secret")
	if err := auth.onTunnel(context.Background(), req); err != nil {
		t.Errorf("right token: %v", err)
	}

	open := &authenticator{logger: zaptest.NewLogger(t)}
	if err := open.onTunnel(context.Background(), &http.Request{Header: http.Header{}}); err != nil {
		t.Errorf("no authentication configured: %v", err)
	}
}

// TestHopProxyRoute establishes a route through the proxy as served by
// hop-proxy, once over h2c and once over HTTP/1.1.
func TestHopProxyRoute(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	target, err := route.ParseHost(echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	auth := &authenticator{token: "secret", logger: zaptest.NewLogger(t)}
	srv := httptest.NewServer(h2c.NewHandler(connecttunnel.NewHandler(&connecttunnel.ServerConfig{
		OnTunnel: auth.onTunnel,
	}), &http2.Server{}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	e := establish.New(&establish.Config{
		HeadersForRequest: func(proxy route.Host, target string) (http.Header, error) {
			return http.Header{"Proxy-Authorization": []string{"Bearer secret"}}, nil
		},
	})

	for _, scheme := range []string{"h2c", "http"} {
		t.Run(scheme, func(t *testing.T) {
			proxy, err := route.ParseHost(scheme + "://" + u.Host)
			if err != nil {
				t.Fatal(err)
			}
			r, err := route.New(target, netip.Addr{}, []route.Host{proxy}, true, false, false)
			if err != nil {
				t.Fatal(err)
			}

			conn, err := e.Establish(context.Background(), r)
			if err != nil {
				t.Fatalf("Establish: %v", err)
			}
			defer conn.Close()

			msg := []byte("hop " + scheme)
			if _, err := conn.Write(msg); err != nil {
				t.Fatal(err)
			}
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			buf := make([]byte, len(msg))
			if _, err := io.ReadFull(conn, buf); err != nil {
				t.Fatal(err)
			}
			if string(buf) != string(msg) {
				t.Errorf("Expected %q, got %q", msg, buf)
			}
		})
	}
}
