// Package auth implements bearer authentication, scope authorization, and
// the HTTP guard middleware for the MCP endpoints.
//
// Three modes are resolved in order: JWT verified against a remote JWKS,
// a static API key compared byte-for-byte, and an explicit open mode that
// must be opted into with ALLOW_NO_API_KEY.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
)

// Method identifies how a principal was authenticated.
const (
	MethodJWT       = "jwt"
	MethodAPIKey    = "api_key"
	MethodAnonymous = "anonymous"
)

var (
	// ErrNoToken means no bearer token was presented.
	ErrNoToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken means the token failed JWT or key verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Principal is the authenticated caller attached to request contexts.
type Principal struct {
	Subject string
	Method  string
	// Scopes granted by the token. Nil means unrestricted, which is the
	// case for the static key and open modes where no scope model exists.
	Scopes []string
}

// Unrestricted reports whether scope checks are bypassed for this principal.
func (p *Principal) Unrestricted() bool {
	return p != nil && p.Method != MethodJWT
}

// HasScope reports whether the principal carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	if p.Unrestricted() {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey string

const principalContextKey contextKey = "principal"

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext retrieves the authenticated principal, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}

// Authenticator resolves bearer tokens to principals.
type Authenticator struct {
	cfg      config.AuthConfig
	verifier *gooidc.IDTokenVerifier
	logger   *zap.Logger
}

// NewAuthenticator builds the token resolver. When a JWKS URL is configured
// the remote key set is fetched lazily on first verification, so startup
// does not depend on the identity provider being reachable.
func NewAuthenticator(ctx context.Context, cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{cfg: cfg, logger: logger.Named("auth")}

	if cfg.JWKSURL != "" {
		keySet := gooidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		a.verifier = gooidc.NewVerifier(cfg.Issuer, keySet, &gooidc.Config{
			ClientID:          cfg.Audience,
			SkipClientIDCheck: cfg.Audience == "",
			SkipIssuerCheck:   cfg.Issuer == "",
		})
	}

	if !a.Enabled() {
		if cfg.AllowNoAPIKey {
			a.logger.Warn("authentication disabled: ALLOW_NO_API_KEY is set, all callers are trusted")
		} else {
			a.logger.Warn("no API key or JWKS URL configured: all network requests will be rejected")
		}
	}
	return a
}

// Enabled reports whether any credential check is configured.
func (a *Authenticator) Enabled() bool {
	return a.cfg.JWKSURL != "" || a.cfg.APIKey != ""
}

// Open reports whether the explicit no-auth mode is active.
func (a *Authenticator) Open() bool {
	return !a.Enabled() && a.cfg.AllowNoAPIKey
}

// Authenticate resolves a raw bearer token. The empty token is only
// accepted in open mode.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)

	if a.verifier != nil {
		if token == "" {
			return nil, ErrNoToken
		}
		idToken, err := a.verifier.Verify(ctx, token)
		if err != nil {
			// A static key may coexist with JWKS for service accounts.
			if a.cfg.APIKey != "" && constantTimeEqual(token, a.cfg.APIKey) {
				return &Principal{Subject: "api-key", Method: MethodAPIKey}, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return principalFromIDToken(idToken)
	}

	if a.cfg.APIKey != "" {
		if token == "" {
			return nil, ErrNoToken
		}
		if !constantTimeEqual(token, a.cfg.APIKey) {
			return nil, ErrInvalidToken
		}
		return &Principal{Subject: "api-key", Method: MethodAPIKey}, nil
	}

	if a.cfg.AllowNoAPIKey {
		return &Principal{Subject: "anonymous", Method: MethodAnonymous}, nil
	}
	if token == "" {
		return nil, ErrNoToken
	}
	return nil, ErrInvalidToken
}

func principalFromIDToken(idToken *gooidc.IDToken) (*Principal, error) {
	var claims struct {
		Scope any `json:"scope"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}
	p := &Principal{
		Subject: idToken.Subject,
		Method:  MethodJWT,
		Scopes:  parseScopeClaim(claims.Scope),
	}
	if p.Scopes == nil {
		// JWT principals without a scope claim still carry an empty,
		// enforced scope set rather than unrestricted access.
		p.Scopes = []string{}
	}
	return p, nil
}

// parseScopeClaim accepts the two common scope encodings: a single
// space-separated string and a JSON array of strings.
func parseScopeClaim(v any) []string {
	switch typed := v.(type) {
	case string:
		fields := strings.Fields(typed)
		if len(fields) == 0 {
			return nil
		}
		return fields
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []string:
		if len(typed) == 0 {
			return nil
		}
		return typed
	default:
		return nil
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
