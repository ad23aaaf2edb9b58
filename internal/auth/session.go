package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Session is the signed-in identity.
type Session struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// SessionProvider reports the current session. A nil session with a nil error
// means nobody is signed in.
type SessionProvider interface {
	GetSession(ctx context.Context) (*Session, error)
}

// StaticSessionProvider always reports the same session.
type StaticSessionProvider struct {
	session *Session
}

// NewStaticSessionProvider returns a provider for session; nil or a blank user
// id yields a signed-out provider.
func NewStaticSessionProvider(session *Session) *StaticSessionProvider {
	if session == nil || strings.TrimSpace(session.UserID) == "" {
		return &StaticSessionProvider{}
	}
	copied := *session
	return &StaticSessionProvider{session: &copied}
}

// GetSession implements SessionProvider.
func (p *StaticSessionProvider) GetSession(context.Context) (*Session, error) {
	if p.session == nil {
		return nil, nil
	}
	copied := *p.session
	return &copied, nil
}

// TokenSupplier yields the raw session token currently held by the client.
type TokenSupplier func(ctx context.Context) (string, error)

// TokenSessionProvider validates a held session token on every lookup.
type TokenSessionProvider struct {
	validator *SessionValidator
	supplier  TokenSupplier
	logger    *zap.Logger
}

// NewTokenSessionProvider builds a provider from a validator and a token supplier.
func NewTokenSessionProvider(validator *SessionValidator, supplier TokenSupplier, logger *zap.Logger) (*TokenSessionProvider, error) {
	if validator == nil {
		return nil, errors.New("session provider: validator required")
	}
	if supplier == nil {
		return nil, errors.New("session provider: token supplier required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenSessionProvider{validator: validator, supplier: supplier, logger: logger}, nil
}

// GetSession implements SessionProvider. Missing, expired or invalid tokens
// are reported as signed out.
func (p *TokenSessionProvider) GetSession(ctx context.Context) (*Session, error) {
	token, err := p.supplier(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	session, err := p.validator.ValidateToken(token)
	if err != nil {
		p.logger.Info("session token rejected", zap.Error(err))
		return nil, nil
	}
	return &session, nil
}

// MutableTokenHolder is a TokenSupplier whose token can be replaced, for a
// client that receives new tokens after sign-in or refresh.
type MutableTokenHolder struct {
	mu    sync.RWMutex
	token string
}

// Set replaces the held token; an empty token signs out.
func (h *MutableTokenHolder) Set(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = strings.TrimSpace(token)
}

// Supply implements TokenSupplier.
func (h *MutableTokenHolder) Supply(context.Context) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token, nil
}
