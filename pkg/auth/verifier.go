package auth

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/strandlabs/strand/pkg/config"
)

// DefaultJWKSRefreshInterval bounds how often the remote key set is
// re-fetched; handles provider key rotation.
const DefaultJWKSRefreshInterval = 15 * time.Minute

// Verifier turns a bearer token into an identity.
type Verifier interface {
	// Enabled reports whether requests must carry a token.
	Enabled() bool

	// Verify validates the token and resolves the identity claim.
	Verify(ctx context.Context, token string) (*Identity, error)
}

// NewVerifier builds the verifier for the configured auth mode. The jwks
// mode fetches the key set once up front so misconfiguration fails at
// startup, not on the first request.
func NewVerifier(ctx context.Context, cfg config.AuthConfig) (Verifier, error) {
	switch cfg.Mode {
	case config.AuthDisabled, "":
		return disabledVerifier{}, nil
	case config.AuthJWKS:
		return newJWKSVerifier(ctx, cfg)
	case config.AuthSecret:
		return newSecretVerifier(cfg)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// disabledVerifier resolves every request to the anonymous identity.
type disabledVerifier struct{}

func (disabledVerifier) Enabled() bool { return false }

func (disabledVerifier) Verify(_ context.Context, _ string) (*Identity, error) {
	return Anonymous(), nil
}

// jwksVerifier validates tokens against a remote JWKS endpoint with a
// cached, auto-refreshing key set.
type jwksVerifier struct {
	jwksURL string
	cache   *jwk.Cache
	cfg     config.AuthConfig
}

func newJWKSVerifier(ctx context.Context, cfg config.AuthConfig) (*jwksVerifier, error) {
	refresh := cfg.JWKSRefreshInterval
	if refresh <= 0 {
		refresh = DefaultJWKSRefreshInterval
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Initial fetch validates the configuration.
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &jwksVerifier{jwksURL: cfg.JWKSURL, cache: cache, cfg: cfg}, nil
}

func (v *jwksVerifier) Enabled() bool { return true }

func (v *jwksVerifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	token, err := jwt.Parse([]byte(tokenString),
		append([]jwt.ParseOption{jwt.WithKeySet(keyset)}, validateOptions(v.cfg)...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identityFromToken(token, v.cfg.IdentityClaim)
}

// secretVerifier validates HS256 tokens signed with a shared secret.
type secretVerifier struct {
	secret []byte
	cfg    config.AuthConfig
}

func newSecretVerifier(cfg config.AuthConfig) (*secretVerifier, error) {
	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("auth secret environment variable %s is not set", cfg.SecretEnv)
	}
	return &secretVerifier{secret: []byte(secret), cfg: cfg}, nil
}

func (v *secretVerifier) Enabled() bool { return true }

func (v *secretVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.Parse([]byte(tokenString),
		append([]jwt.ParseOption{jwt.WithKey(jwa.HS256, v.secret)}, validateOptions(v.cfg)...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identityFromToken(token, v.cfg.IdentityClaim)
}

// validateOptions builds the shared validation options. Issuer and audience
// are enforced only when configured.
func validateOptions(cfg config.AuthConfig) []jwt.ParseOption {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

// identityFromToken resolves the identity claim and collects private claims.
func identityFromToken(token jwt.Token, claim string) (*Identity, error) {
	subject := token.Subject()
	if claim != "" && claim != "sub" {
		raw, ok := token.Get(claim)
		if !ok {
			return nil, ErrMissingIdentity
		}
		s, ok := raw.(string)
		if !ok || s == "" {
			return nil, ErrMissingIdentity
		}
		subject = s
	}
	if subject == "" {
		return nil, ErrMissingIdentity
	}

	identity := &Identity{Subject: subject, Claims: token.PrivateClaims()}
	if email, ok := identity.Claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}
