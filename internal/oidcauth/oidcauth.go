// Package oidcauth authenticates index-CRUD requests in multi-tenant mode by
// validating OIDC bearer tokens against the configured issuer and extracting
// the subject used as the index owner id. Token validation itself is
// delegated entirely to go-oidc; this package only maps its failures onto
// the gateway's error taxonomy.
package oidcauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/cosmian/findex-cloud/internal/apierr"
)

// Authenticator validates OIDC bearer tokens and yields the token subject.
type Authenticator struct {
	verifier *oidc.IDTokenVerifier
}

// New performs OIDC discovery against the Auth0 domain and builds a verifier
// with a long-lived JWKS cache (go-oidc keeps and refreshes the remote key
// set internally).
func New(ctx context.Context, auth0Domain, clientID string) (*Authenticator, error) {
	issuer := "https://" + auth0Domain + "/"
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuer, err)
	}

	return &Authenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// Authenticate extracts and validates the bearer token on r, returning the
// token's subject. Expired tokens map to KindTokenExpired (403); every other
// validation failure maps to KindAuthFailure (500) per the status policy.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	if raw == "" {
		return "", apierr.New(apierr.KindAuthFailure, "missing bearer token")
	}

	token, err := a.verifier.Verify(r.Context(), raw)
	if err != nil {
		var expiredErr *oidc.TokenExpiredError
		if errors.As(err, &expiredErr) {
			return "", apierr.Wrap(apierr.KindTokenExpired, "token expired", err)
		}
		return "", apierr.Wrap(apierr.KindAuthFailure, "token validation failed", err)
	}

	var claims struct {
		Subject string `json:"sub"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", apierr.Wrap(apierr.KindAuthFailure, "extracting claims", err)
	}
	if claims.Subject == "" {
		return "", apierr.New(apierr.KindAuthFailure, "token missing sub claim")
	}

	return claims.Subject, nil
}
