// Package main implements a CONNECT proxy server meant to be one hop of a
// route.
//
// It accepts HTTP/1.1 CONNECT and HTTP/2 CONNECT with prior knowledge (h2c)
// on a plain TCP listener, or on a Tailscale tailnet using tsnet. With
// -funnel the tailnet listener is exposed through Tailscale Funnel, which
// terminates TLS in front of the proxy.
//
// Examples:
//
//	hop-proxy -listen :8080 -auth-token secret
//	hop-proxy -ts-hostname hop1 -funnel -secret-name netroute/hop1-state \
//	    -oidc-issuer https://accounts.example.com -oidc-audience hop1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"lds.li/oauth2ext/provider"
	"tailscale.com/ipn"
	"tailscale.com/tsnet"

	"lds.li/netroute/cmd/internal/cli"
	"lds.li/netroute/connecttunnel"
)

var (
	listen = flag.String("listen", ":8080", "TCP listen address, used when -ts-hostname is not set")

	// Tailscale options
	tsHostname  = flag.String("ts-hostname", "", "Serve on the tailnet with this Tailscale hostname")
	tsPort      = flag.String("ts-port", "443", "Tailnet port to listen on")
	authKey     = flag.String("authkey", "", "Tailscale auth key (optional, uses existing auth if not provided)")
	funnel      = flag.Bool("funnel", false, "Expose the tailnet listener through Tailscale Funnel")
	dialTailnet = flag.Bool("dial-tailnet", false, "Dial tunnel targets through the tailnet")
	stateDir    = flag.String("statedir", "", "Directory to store Tailscale state")
	kubeconfig  = flag.String("kubeconfig", "", "Path to kubeconfig file (optional, uses in-cluster config if not provided)")
	secretName  = flag.String("secret-name", "", "Store Tailscale state in this Kubernetes secret, namespace/name format")

	// Authentication options
	authToken    = flag.String("auth-token", "", "Require this bearer token in Proxy-Authorization")
	oidcIssuer   = flag.String("oidc-issuer", "", "OIDC issuer URL (e.g., https://accounts.google.com)")
	oidcAudience = flag.String("oidc-audience", "", "OIDC audience/client ID (required if -oidc-issuer is set)")

	logCfg = cli.DefaultLogConfig()
)

func init() {
	logCfg.RegisterFlags(flag.CommandLine)
}

func main() {
	flag.Parse()

	if err := validateFlags(); err != nil {
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

	if err := run(context.Background(), logger); err != nil {
		logger.Fatal("hop-proxy failed", zap.Error(err))
	}
}

func validateFlags() error {
	if *oidcIssuer != "" && *oidcAudience == "" {
		return errors.New("-oidc-audience is required when -oidc-issuer is set")
	}
	if *authToken != "" && *oidcIssuer != "" {
		return errors.New("cannot use both -auth-token and -oidc-issuer (choose one authentication method)")
	}
	if *tsHostname == "" && (*funnel || *dialTailnet || *secretName != "" || *stateDir != "") {
		return errors.New("-ts-hostname is required for tailnet options")
	}
	if *secretName != "" && *stateDir != "" {
		return errors.New("cannot use both -secret-name and -statedir")
	}
	return nil
}

func run(ctx context.Context, logger *zap.Logger) error {
	auth := &authenticator{
		token:    *authToken,
		audience: *oidcAudience,
		logger:   logger.Named("tunnel"),
	}
	if *oidcIssuer != "" {
		logger.Info("Initializing OIDC provider", zap.String("issuer", *oidcIssuer))
		p, err := provider.DiscoverOIDCProvider(ctx, *oidcIssuer)
		if err != nil {
			return fmt.Errorf("initializing OIDC provider: %w", err)
		}
		auth.provider = p
	}

	serverCfg := &connecttunnel.ServerConfig{
		OnTunnel: auth.onTunnel,
		ErrorLog: zap.NewStdLog(logger.Named("connecttunnel")),
	}

	var listener net.Listener
	if *tsHostname != "" {
		srv, err := newTailscaleServer(logger)
		if err != nil {
			return err
		}
		defer srv.Close()

		status, err := srv.Up(ctx)
		if err != nil {
			return fmt.Errorf("starting Tailscale: %w", err)
		}
		logger.Info("Tailscale node up",
			zap.String("dns_name", status.Self.DNSName),
			zap.Any("addresses", status.Self.TailscaleIPs))

		if *dialTailnet {
			serverCfg.Dial = srv.Dial
		}
		if *funnel {
			listener, err = srv.ListenFunnel("tcp", ":"+*tsPort)
		} else {
			listener, err = srv.Listen("tcp", ":"+*tsPort)
		}
		if err != nil {
			return fmt.Errorf("listening on tailnet port %s: %w", *tsPort, err)
		}
	} else {
		var err error
		listener, err = net.Listen("tcp", *listen)
		if err != nil {
			return err
		}
	}
	defer listener.Close()

	// h2c serves HTTP/2 without TLS, which Funnel terminates for us.
	httpServer := &http.Server{
		Handler:  h2c.NewHandler(connecttunnel.NewHandler(serverCfg), &http2.Server{}),
		ErrorLog: zap.NewStdLog(logger.Named("http")),
	}

	switch {
	case auth.provider != nil:
		logger.Info("Authentication: OIDC", zap.String("issuer", *oidcIssuer), zap.String("audience", *oidcAudience))
	case auth.token != "":
		logger.Info("Authentication: bearer token")
	default:
		logger.Warn("Authentication disabled (use -auth-token or -oidc-issuer to enable)")
	}
	logger.Info("CONNECT proxy listening", zap.Stringer("addr", listener.Addr()))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down gracefully")
		httpServer.Close()
	}()

	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func newTailscaleServer(logger *zap.Logger) (*tsnet.Server, error) {
	srv := &tsnet.Server{
		Hostname: *tsHostname,
		AuthKey:  *authKey,
		Dir:      *stateDir,
		Logf:     logger.Named("tsnet").Sugar().Debugf,
		UserLogf: logger.Named("tsnet").Sugar().Infof,
	}
	if *secretName != "" {
		ss, err := stateStore()
		if err != nil {
			return nil, fmt.Errorf("creating state store: %w", err)
		}
		srv.Store = ss
	}
	return srv, nil
}

func stateStore() (ipn.StateStore, error) {
	var kubeConfig *rest.Config
	if *kubeconfig != "" {
		c, err := clientcmd.BuildConfigFromFlags("", *kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubeconfig from %s: %w", *kubeconfig, err)
		}
		kubeConfig = c
	} else {
		c, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("building in-cluster kubeconfig: %w", err)
		}
		kubeConfig = c
	}
	cs, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}

	namespace, secret, ok := strings.Cut(*secretName, "/")
	if !ok || namespace == "" || secret == "" {
		return nil, fmt.Errorf("invalid secret name: %s", *secretName)
	}

	return &k8sStateStore{
		clientset: cs,
		namespace: namespace,
		secret:    secret,
		name:      *tsHostname,
	}, nil
}
