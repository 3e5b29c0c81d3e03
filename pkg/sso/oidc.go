package sso

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/gantry-ai/gantry/pkg/config"
)

// OIDCProvider implements generic OpenID Connect SSO via issuer discovery
type OIDCProvider struct {
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

// NewOIDCProvider discovers the issuer and builds the OAuth2 flow.
// Returns a ConfigError naming the first missing required variable.
func NewOIDCProvider(ctx context.Context, baseURL string) (*OIDCProvider, error) {
	issuerURL := os.Getenv(EnvOIDCIssuerURL)
	if issuerURL == "" {
		return nil, config.MissingEnv(EnvOIDCIssuerURL)
	}
	clientID := os.Getenv(EnvOIDCClientID)
	if clientID == "" {
		return nil, config.MissingEnv(EnvOIDCClientID)
	}
	clientSecret := os.Getenv(EnvOIDCClientSecret)
	if clientSecret == "" {
		return nil, config.MissingEnv(EnvOIDCClientSecret)
	}

	scopes := []string{oidc.ScopeOpenID, "email", "profile"}
	if v := os.Getenv(EnvOIDCScopes); v != "" {
		scopes = strings.Fields(v)
	}

	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	oauth2Config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  baseURL + "/sso/oidc/callback",
		Scopes:       scopes,
	}

	return &OIDCProvider{
		provider:     provider,
		verifier:     verifier,
		oauth2Config: oauth2Config,
	}, nil
}

// Name returns the provider identifier
func (p *OIDCProvider) Name() string { return "oidc" }

// LoginURL builds the authorization redirect carrying the state
func (p *OIDCProvider) LoginURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// HandleCallback exchanges the code, verifies the ID token, and extracts
// the identity from its claims.
func (p *OIDCProvider) HandleCallback(ctx context.Context, r *http.Request) (*Identity, error) {
	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, fmt.Errorf("missing authorization code")
	}

	oauth2Token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims struct {
		Subject    string `json:"sub"`
		Email      string `json:"email"`
		Name       string `json:"name"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	identity := &Identity{
		Provider:    "oidc",
		ExternalID:  claims.Subject,
		Email:       claims.Email,
		FirstName:   claims.GivenName,
		LastName:    claims.FamilyName,
		DisplayName: claims.Name,
	}

	if identity.ExternalID == "" {
		return nil, fmt.Errorf("missing subject in ID token")
	}
	if identity.Email == "" {
		return nil, fmt.Errorf("missing email claim in ID token")
	}

	return identity, nil
}
