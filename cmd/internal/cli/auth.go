package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"lds.li/oauth2ext/clitoken"
	"lds.li/oauth2ext/provider"
	"lds.li/oauth2ext/tokencache"

	"lds.li/netroute/route"
)

// ProxyAuth configures the credentials sent to proxies with each CONNECT.
type ProxyAuth struct {
	// Header is a static Proxy-Authorization value, e.g. "Bearer token".
	Header string

	// OIDC settings for automatic ID token acquisition.
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       string
}

// RegisterFlags adds -auth and the -oidc-* client flags to fs.
func (a *ProxyAuth) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&a.Header, "auth", "", "Proxy authentication header value (e.g., 'Bearer token')")
	fs.StringVar(&a.Issuer, "oidc-issuer", "", "OIDC issuer URL for automatic token acquisition")
	fs.StringVar(&a.ClientID, "oidc-client-id", "", "OIDC client ID (required if -oidc-issuer is set)")
	fs.StringVar(&a.ClientSecret, "oidc-client-secret", "", "OIDC client secret")
	fs.StringVar(&a.Scopes, "oidc-scopes", "openid", "OIDC scopes (comma-separated)")
}

// Validate checks the flag combination.
func (a *ProxyAuth) Validate() error {
	if a.Issuer != "" && a.ClientID == "" {
		return errors.New("-oidc-client-id is required when -oidc-issuer is set")
	}
	if a.Header != "" && a.Issuer != "" {
		return errors.New("cannot use both -auth and -oidc-issuer (choose one)")
	}
	return nil
}

// HeadersFunc returns the function producing CONNECT headers for each proxy
// hop, or nil when no authentication is configured. With OIDC, the ID token
// is obtained through the browser flow on first use and cached.
func (a *ProxyAuth) HeadersFunc(ctx context.Context) (func(proxy route.Host, target string) (http.Header, error), error) {
	switch {
	case a.Issuer != "":
		ts, err := a.tokenSource(ctx)
		if err != nil {
			return nil, err
		}
		return func(proxy route.Host, target string) (http.Header, error) {
			token, err := ts.Token()
			if err != nil {
				return nil, fmt.Errorf("failed to get token: %w", err)
			}
			idToken, ok := token.Extra("id_token").(string)
			if !ok {
				return nil, errors.New("no id_token in response")
			}
			return http.Header{"Proxy-Authorization": []string{"Bearer " + idToken}}, nil
		}, nil
	case a.Header != "":
		return func(proxy route.Host, target string) (http.Header, error) {
			return http.Header{"Proxy-Authorization": []string{a.Header}}, nil
		}, nil
	}
	return nil, nil
}

func (a *ProxyAuth) scopes() []string {
	scopes := strings.Split(a.Scopes, ",")
	for i := range scopes {
		scopes[i] = strings.TrimSpace(scopes[i])
	}
	return scopes
}

// tokenSource creates an OAuth2 token source for OIDC authentication.
func (a *ProxyAuth) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	p, err := provider.DiscoverOIDCProvider(ctx, a.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	oauth2Config := oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Endpoint:     p.Endpoint(),
		Scopes:       a.scopes(),
	}

	cliConfig := &clitoken.Config{
		OAuth2Config: oauth2Config,
	}
	clitsrc, err := cliConfig.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}

	ccfg := tokencache.Config{
		Issuer: a.Issuer,
		CacheKey: tokencache.IDTokenCacheKey{
			ClientID: a.ClientID,
			Scopes:   a.scopes(),
		}.Key(),
		WrappedSource: clitsrc,
		OAuth2Config:  &oauth2Config,
		Cache:         clitoken.BestCredentialCache(),
	}
	return ccfg.TokenSource(ctx)
}
