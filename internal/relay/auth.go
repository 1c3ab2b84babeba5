package relay

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"

	"github.com/lvonguyen/gti-relay/internal/config"
)

// Reasons for rejecting a bearer token.
const (
	reasonNoAuthHeader    = "Authorization header is missing"
	reasonWrongAuthType   = "Wrong authorization type"
	reasonWrongPayload    = "Wrong JWT payload structure"
	reasonWrongStructure  = "Wrong JWT structure"
	reasonWrongAudience   = "Wrong configuration-token-audience"
	reasonKIDNotFound     = "kid from JWT header not found in API response"
	reasonWrongKey        = "Failed to decode JWT with provided key. Make sure domain in custom_jwks_host corresponds to your SecureX instance region."
	reasonJWKSHostMissing = "jwks_host is missing in JWT payload. Make sure custom_jwks_host field is present in module_type"
	reasonWrongJWKSHost   = "Wrong jwks_host in JWT payload. Make sure domain follows the visibility.<region>.cisco.com structure"
)

const (
	maxJWKSBody      = 1 << 20
	jwksFetchTimeout = 10 * time.Second
)

// Credential is what a verified bearer token grants for one request.
type Credential struct {
	// Key is the ThreatINSIGHT API token.
	Key               string
	EntitiesLimit     int
	AllowTestAccounts bool
}

// Authenticator verifies bearer tokens against the signing keys published by
// the token's jwks_host.
type Authenticator struct {
	relay      config.RelayConfig
	hostSuffix string
	httpClient *http.Client
	keys       *expirable.LRU[string, jwk.Set]
	jwksURL    func(host string) string
	logger     *zap.Logger
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithJWKSClient sets the HTTP client used to fetch signing keys.
func WithJWKSClient(hc *http.Client) AuthOption {
	return func(a *Authenticator) { a.httpClient = hc }
}

// WithJWKSURL overrides how the key set URL is derived from jwks_host.
func WithJWKSURL(f func(host string) string) AuthOption {
	return func(a *Authenticator) { a.jwksURL = f }
}

// WithAuthLogger sets the logger.
func WithAuthLogger(l *zap.Logger) AuthOption {
	return func(a *Authenticator) { a.logger = l }
}

// NewAuthenticator creates an Authenticator. Fetched key sets are cached per
// host for cfg.JWKSCacheTTL.
func NewAuthenticator(cfg config.AuthConfig, relay config.RelayConfig, opts ...AuthOption) *Authenticator {
	size := cfg.JWKSCacheSize
	if size <= 0 {
		size = 16
	}
	a := &Authenticator{
		relay:      relay,
		hostSuffix: cfg.JWKSHostSuffix,
		httpClient: &http.Client{Timeout: jwksFetchTimeout},
		keys:       expirable.NewLRU[string, jwk.Set](size, nil, cfg.JWKSCacheTTL),
		jwksURL: func(host string) string {
			return "https://" + host + "/.well-known/jwks"
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate verifies the request's bearer token and extracts the
// credential it carries.
func (a *Authenticator) Authenticate(r *http.Request) (*Credential, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser()
	unverified := jwt.MapClaims{}
	parsed, _, err := parser.ParseUnverified(token, unverified)
	if err != nil {
		return nil, authError(reasonWrongStructure)
	}

	host, _ := unverified["jwks_host"].(string)
	if host == "" {
		return nil, authError(reasonJWKSHostMissing)
	}
	if a.hostSuffix != "" && !strings.HasSuffix(host, a.hostSuffix) {
		return nil, authError(reasonWrongJWKSHost)
	}

	kid, _ := parsed.Header["kid"].(string)
	key, err := a.publicKey(r.Context(), host, kid)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(audience(r)),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, authError(reasonWrongAudience)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, authError(reasonWrongStructure)
	default:
		a.logger.Debug("Token verification failed", zap.Error(err))
		return nil, authError(reasonWrongKey)
	}

	apiKey, ok := claims["key"].(string)
	if !ok {
		return nil, authError(reasonWrongPayload)
	}

	return &Credential{
		Key:               apiKey,
		EntitiesLimit:     a.entitiesLimit(claims),
		AllowTestAccounts: a.allowTestAccounts(claims),
	}, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", authError(reasonNoAuthHeader)
	}
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "bearer") {
		return "", authError(reasonWrongAuthType)
	}
	return fields[1], nil
}

// audience is the root URL the relay was reached at, without a trailing slash.
func audience(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

// publicKey resolves kid on host. A cached key set missing kid is refreshed
// once to pick up rotated keys.
func (a *Authenticator) publicKey(ctx context.Context, host, kid string) (*rsa.PublicKey, error) {
	set, cached := a.keys.Get(host)
	if !cached {
		var err error
		if set, err = a.fetchKeys(ctx, host); err != nil {
			return nil, err
		}
	}

	key, ok := set.LookupKeyID(kid)
	if !ok && cached {
		var err error
		if set, err = a.fetchKeys(ctx, host); err != nil {
			return nil, err
		}
		key, ok = set.LookupKeyID(kid)
	}
	if !ok {
		return nil, authError(reasonKIDNotFound)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, authError(reasonKIDNotFound)
	}
	switch pub := raw.(type) {
	case *rsa.PublicKey:
		return pub, nil
	case rsa.PublicKey:
		return &pub, nil
	}
	return nil, authError(reasonKIDNotFound)
}

func (a *Authenticator) fetchKeys(ctx context.Context, host string) (jwk.Set, error) {
	set, err := a.downloadKeys(ctx, host)
	if err != nil {
		a.logger.Warn("Failed to fetch signing keys",
			zap.String("jwks_host", host),
			zap.Error(err))
		return nil, authError(reasonWrongJWKSHost)
	}
	a.keys.Add(host, set)
	return set, nil
}

func (a *Authenticator) downloadKeys(ctx context.Context, host string) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.jwksURL(host), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return nil, err
	}
	return jwk.Parse(body)
}

// entitiesLimit reads CTR_ENTITIES_LIMIT. A missing claim keeps the
// configured limit; an invalid one falls back to the default.
func (a *Authenticator) entitiesLimit(claims jwt.MapClaims) int {
	v, ok := claims["CTR_ENTITIES_LIMIT"]
	if !ok {
		return a.relay.ClampLimit(a.relay.EntitiesLimit)
	}
	n, ok := claimInt(v)
	if !ok {
		return a.relay.EntitiesLimitDefault
	}
	return a.relay.ClampLimit(n)
}

// allowTestAccounts reads GTI_ALLOW_TEST_ACCOUNTS, accepting booleans and 0/1.
func (a *Authenticator) allowTestAccounts(claims jwt.MapClaims) bool {
	v, ok := claims["GTI_ALLOW_TEST_ACCOUNTS"]
	if !ok {
		return a.relay.AllowTestAccountsDefault
	}
	if b, ok := v.(bool); ok {
		return b
	}
	if s, ok := v.(string); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
	}
	if n, ok := claimInt(v); ok && (n == 0 || n == 1) {
		return n == 1
	}
	return a.relay.AllowTestAccountsDefault
}

func claimInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}
