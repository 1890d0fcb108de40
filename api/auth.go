package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

// Supported authentication modes.
const (
	AuthModeNone  = "none"
	AuthModeHS256 = "hs256"
	AuthModeAuth0 = "auth0"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	anonymousUserID     = "anonymous"

	// clockSkew is the leeway in seconds allowed on the token time claims.
	clockSkew = 60
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// AuthOptions configures NewAuth.
type AuthOptions struct {
	Mode     string
	Secret   string
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string
	// KeyCacheTTL caches resolved signing keys per kid. Zero uses the default.
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth returns the authenticator for the configured mode.
func NewAuth(opts AuthOptions) (Authenticator, error) {
	switch strings.ToLower(opts.Mode) {
	case "", AuthModeNone:
		return Anonymous{}, nil
	case AuthModeHS256:
		if opts.Secret == "" {
			return nil, errors.New("a shared secret is required for hs256 auth")
		}
		return &Auth{
			audience: opts.Audience,
			issuer:   opts.Issuer,
			secret:   []byte(opts.Secret),
			parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
		}, nil
	case AuthModeAuth0:
		if opts.JWKS == nil {
			return nil, errors.New("jwks is required for auth0 auth")
		}
		ttl := opts.KeyCacheTTL
		if ttl == 0 {
			ttl = defaultJWKSCacheTTL
		}
		return &Auth{
			jwks:        opts.JWKS,
			audience:    opts.Audience,
			issuer:      opts.Issuer,
			parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation()),
			keyCacheTTL: ttl,
		}, nil
	}
	return nil, fmt.Errorf("unsupported auth mode %q", opts.Mode)
}

// Anonymous accepts every request as the same user.
type Anonymous struct{}

func (Anonymous) UserIDFromAuthHeader(string) (string, error) { return anonymousUserID, nil }

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.userIDFromToken(token)
}

// bearerToken returns the compact JWT carried by a "Bearer" header value.
func bearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

func (a *Auth) userIDFromToken(token string) (string, error) {
	parsed, err := a.parser.Parse(token, a.keyFunc)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// The parser skips claim validation; time claims are checked here with
	// clockSkew either way.
	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now-clockSkew, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyIssuedAt(now+clockSkew, false) {
		return "", errors.New("token used before issued")
	}
	if !claims.VerifyNotBefore(now+clockSkew, false) {
		return "", errors.New("token not valid yet")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyFunc(token *jwt.Token) (any, error) {
	if a.secret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
