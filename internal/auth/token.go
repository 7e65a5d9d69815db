package auth

import (
	"errors"
	"slices"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Scope grants access to one group of internal operations.
type Scope string

const (
	ScopeManagersRead       Scope = "managers:read"
	ScopeConsultationsRead  Scope = "consultations:read"
	ScopeConsultationsWrite Scope = "consultations:write"
	ScopeAgentsWrite        Scope = "agents:write"
	ScopeSyncRun            Scope = "sync:run"
)

// AllScopes lists every scope a service token may carry.
var AllScopes = []Scope{ScopeManagersRead, ScopeConsultationsRead, ScopeConsultationsWrite, ScopeAgentsWrite, ScopeSyncRun}

const issuer = "consultation-sync"

// TokenManager handles issuing and validating service tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager builds a new manager.
func NewTokenManager(secret string, ttlMinutes int) *TokenManager {
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	return &TokenManager{secret: []byte(secret), ttl: time.Duration(ttlMinutes) * time.Minute, now: time.Now}
}

// Claims describes the JWT payload of a calling service.
type Claims struct {
	Service string  `json:"svc"`
	Scopes  []Scope `json:"scopes"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims carry scope.
func (c *Claims) Allows(scope Scope) bool {
	return slices.Contains(c.Scopes, scope)
}

// GenerateToken signs a token for service with the given scopes.
func (tm *TokenManager) GenerateToken(service string, scopes []Scope) (string, time.Time, error) {
	if service == "" {
		return "", time.Time{}, errors.New("service name required")
	}
	now := tm.now()
	expiresAt := now.Add(tm.ttl)
	claims := &Claims{
		Service: service,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   service,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// ParseToken validates and returns claims.
func (tm *TokenManager) ParseToken(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(tm.now))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Service == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
