// Package tokenauth validates bearer tokens carried by inbound requests.
package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
)

// Common errors returned by the validator.
var (
	ErrNoToken          = errors.New("no token provided")
	ErrMissingScope     = errors.New("missing required scope")
	ErrNoKeySource      = errors.New("either a signing secret or a JWKS URL is required")
	ErrUnexpectedMethod = errors.New("unexpected signing method")
)

// Disabled accepts every call as anonymous.
type Disabled struct{}

var _ usecase.Authenticator = Disabled{}

// Enabled implements usecase.Authenticator.
func (Disabled) Enabled() bool { return false }

// Validate implements usecase.Authenticator.
func (Disabled) Validate(context.Context, string) (domain.AuthContext, error) {
	return domain.AuthContext{Anonymous: true}, nil
}

// Config configures a Validator. Exactly one of Secret and JWKSURL is used;
// Secret wins when both are set.
type Config struct {
	Secret         string
	JWKSURL        string
	Issuer         string
	Audience       string
	Leeway         time.Duration
	RequiredScopes []string
}

// Validator checks signed JWTs. It keeps no per-call state; the JWKS cache
// refreshes keys in the background.
type Validator struct {
	cfg    Config
	parser *jwt.Parser
	secret []byte

	jwks               *jwk.Cache
	jwksRegistrationMu sync.Mutex
	jwksRegistered     bool

	logger *slog.Logger
}

var _ usecase.Authenticator = (*Validator)(nil)

// Option customizes a Validator.
type Option func(*validatorOptions)

type validatorOptions struct {
	httpClient *http.Client
	now        func() time.Time
}

// WithHTTPClient sets the client used to fetch the JWKS.
func WithHTTPClient(c *http.Client) Option {
	return func(o *validatorOptions) { o.httpClient = c }
}

// WithClock overrides the time used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *validatorOptions) { o.now = now }
}

// New creates a Validator.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Validator, error) {
	o := validatorOptions{httpClient: &http.Client{Timeout: 10 * time.Second}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(o.now),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	v := &Validator{cfg: cfg, logger: logger.With("component", "tokenauth")}
	switch {
	case cfg.Secret != "":
		v.secret = []byte(cfg.Secret)
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	case cfg.JWKSURL != "":
		cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(o.httpClient)))
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
		}
		v.jwks = cache
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
	default:
		return nil, ErrNoKeySource
	}
	v.parser = jwt.NewParser(parserOpts...)
	return v, nil
}

// Enabled implements usecase.Authenticator.
func (v *Validator) Enabled() bool { return true }

// Validate parses and verifies credential, accepting a raw token or "Bearer <token>".
func (v *Validator) Validate(ctx context.Context, credential string) (domain.AuthContext, error) {
	tokenString := strings.TrimSpace(credential)
	if len(tokenString) > 7 && strings.EqualFold(tokenString[:7], "bearer ") {
		tokenString = strings.TrimSpace(tokenString[7:])
	}
	if tokenString == "" {
		return domain.AuthContext{}, domain.NewAuthError("missing credential", ErrNoToken)
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return v.key(ctx, t)
	})
	if err != nil {
		return domain.AuthContext{}, domain.NewAuthError(describe(err), err)
	}
	if !token.Valid {
		return domain.AuthContext{}, domain.NewAuthError("invalid token", nil)
	}

	ac := domain.AuthContext{Scopes: scopesOf(claims)}
	ac.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ac.ExpiresAt = exp.Time
	}
	for _, required := range v.cfg.RequiredScopes {
		if !ac.HasScope(required) {
			return domain.AuthContext{}, domain.NewAuthError(fmt.Sprintf("missing required scope %q", required), ErrMissingScope)
		}
	}
	return ac, nil
}

func (v *Validator) key(ctx context.Context, t *jwt.Token) (any, error) {
	if v.secret != nil {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedMethod, t.Header["alg"])
		}
		return v.secret, nil
	}
	return v.keyFromJWKS(ctx, t)
}

// ensureJWKSRegistered registers the JWKS URL on first use so startup never
// blocks on the key server.
func (v *Validator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()
	if v.jwksRegistered {
		return nil
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := v.jwks.Register(registrationCtx, v.cfg.JWKSURL); err != nil {
		// A failed registration is retried on the next call.
		v.logger.Warn("Failed to register JWKS URL", slog.String("url", v.cfg.JWKSURL), slog.Any("error", err))
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.jwksRegistered = true
	return nil
}

func (v *Validator) keyFromJWKS(ctx context.Context, t *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}
	kid, ok := t.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}
	keySet, err := v.jwks.Lookup(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token has expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid token signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid audience"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token is not valid yet"
	default:
		return "invalid token"
	}
}

// scopesOf reads the space separated "scope" claim or the "scp" claim.
func scopesOf(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	switch scp := claims["scp"].(type) {
	case string:
		return strings.Fields(scp)
	case []any:
		out := make([]string, 0, len(scp))
		for _, v := range scp {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
