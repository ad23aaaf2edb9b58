package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL      = 30 * time.Minute
	defaultSignedInRole  = "authenticated"
	anonymousRole        = "anon"
	tokenRefreshHeadroom = time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")
	errMissingRoleClaim     = errors.New("role claim must be provided")
)

// GatewayClaims is the payload of bearer tokens presented to the REST gateway.
type GatewayClaims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the gateway JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Role          string
	TokenTTL      time.Duration
	Clock         func() time.Time
	// Sessions, when set, lets Token mint tokens for the current user.
	Sessions SessionProvider
}

// TokenIssuer mints short-lived HS256 tokens carrying the database role and
// the user id as subject.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time

	mu        sync.Mutex
	cached    string
	cachedFor string
	expiresAt time.Time
}

// NewTokenIssuer validates cfg and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	if ttl < 0 {
		return nil, errNonPositiveTTL
	}
	role := strings.TrimSpace(cfg.Role)
	if role == "" {
		role = defaultSignedInRole
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        strings.TrimSpace(cfg.Issuer),
			Audience:      strings.TrimSpace(cfg.Audience),
			Role:          role,
			TokenTTL:      ttl,
			Clock:         clock,
			Sessions:      cfg.Sessions,
		},
		clock: clock,
	}, nil
}

// IssueGatewayToken produces a signed JWT and its expiry (seconds). A nil
// session yields an anonymous-role token without a subject.
func (i *TokenIssuer) IssueGatewayToken(_ context.Context, session *Session) (string, int64, error) {
	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := GatewayClaims{
		Role: anonymousRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if session != nil && strings.TrimSpace(session.UserID) != "" {
		claims.Role = i.config.Role
		claims.Subject = strings.TrimSpace(session.UserID)
		claims.Email = session.Email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Token returns a gateway token for the current session, reusing the previous
// one until it nears expiry or the user changes.
func (i *TokenIssuer) Token(ctx context.Context) (string, error) {
	var session *Session
	if i.config.Sessions != nil {
		current, err := i.config.Sessions.GetSession(ctx)
		if err != nil {
			return "", err
		}
		session = current
	}
	subject := ""
	if session != nil {
		subject = strings.TrimSpace(session.UserID)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.clock()
	if i.cached != "" && i.cachedFor == subject && now.Add(tokenRefreshHeadroom).Before(i.expiresAt) {
		return i.cached, nil
	}
	signed, expiresIn, err := i.IssueGatewayToken(ctx, session)
	if err != nil {
		return "", err
	}
	i.cached = signed
	i.cachedFor = subject
	i.expiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	return signed, nil
}

// ValidateToken ensures the gateway JWT is well formed and returns its claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (GatewayClaims, error) {
	claims := &GatewayClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return GatewayClaims{}, err
	}
	if claims.Role == "" {
		return GatewayClaims{}, errMissingRoleClaim
	}
	return *claims, nil
}
