package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"go.uber.org/zap"
	"lds.li/oauth2ext/provider"

	"lds.li/netroute/connecttunnel"
)

// authenticator decides whether a CONNECT request may open a tunnel. With
// neither a token nor a provider every request is accepted.
type authenticator struct {
	// token is the expected static bearer token.
	token string

	// provider and audience validate OIDC ID tokens.
	provider *provider.Provider
	audience string

	logger *zap.Logger
}

// onTunnel implements connecttunnel.TunnelFunc.
func (a *authenticator) onTunnel(ctx context.Context, req *http.Request) error {
	target := req.Host
	if target == "" {
		target = req.RequestURI
	}
	log := a.logger.With(
		zap.String("client", req.RemoteAddr),
		zap.String("target", target),
		zap.String("proto", req.Proto),
	)

	switch {
	case a.provider != nil:
		user, err := a.verifyOIDC(ctx, req)
		if err != nil {
			log.Debug("OIDC authentication failed", zap.Error(err))
			return connecttunnel.ErrTunnelRejected
		}
		log = log.With(zap.String("user", user))

	case a.token != "":
		token, err := extractBearerToken(req)
		if err != nil || token != a.token {
			log.Debug("Authentication failed", zap.Error(err))
			return connecttunnel.ErrTunnelRejected
		}
	}

	log.Info("Tunnel")
	return nil
}

// verifyOIDC checks the request's ID token and returns the user it names.
func (a *authenticator) verifyOIDC(ctx context.Context, req *http.Request) (string, error) {
	token, err := extractBearerToken(req)
	if err != nil {
		return "", err
	}

	issuer := a.provider.Issuer()
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{
		ExpectedAudience: &a.audience,
		ExpectedIssuer:   &issuer,
	})
	if err != nil {
		return "", err
	}

	verified, err := a.provider.VerifyAndDecodeContext(ctx, token, validator)
	if err != nil {
		return "", err
	}

	if email, err := verified.StringClaim("email"); err == nil && email != "" {
		return email, nil
	}
	subject, _ := verified.Subject()
	return subject, nil
}

// extractBearerToken extracts a bearer token from Authorization or Proxy-Authorization headers.
func extractBearerToken(req *http.Request) (string, error) {
	// Try Proxy-Authorization first (standard for CONNECT)
	auth := req.Header.Get("Proxy-Authorization")
	if auth == "" {
		auth = req.Header.Get("Authorization")
	}
	if auth == "" {
		return "", errors.New("no authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("not a bearer token")
	}
	return strings.TrimPrefix(auth, prefix), nil
}
