package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dh2ocol/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSignatureMismatch  = errors.New("signature does not match")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrMissingSecret      = errors.New("JWT secret key is not configured")
)

// TokenType separates access tokens from refresh tokens. Each is only
// accepted where its type is expected.
type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
)

const (
	BearerPrefix = "Bearer "

	// AccessTokenCookie is read when no Authorization header is sent, so
	// the HTML views work from a browser session.
	AccessTokenCookie = "access_token"
)

type Claims struct {
	Type TokenType `json:"type"`
	jwt.RegisteredClaims
}

// TokenPair is the JSON body returned on login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type TokenManager struct {
	secret     []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

type TokenOption func(*TokenManager)

// WithClock replaces the time source used to issue and check tokens.
func WithClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) {
		m.now = now
	}
}

// NewTokenManager signs tokens with the HMAC algorithm and secret of cfg.
func NewTokenManager(cfg config.Auth, opts ...TokenOption) (*TokenManager, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingSecret
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported JWT algorithm %q", alg)
	}

	m := &TokenManager{
		secret:     []byte(cfg.SecretKey),
		method:     method,
		accessTTL:  cfg.AccessTokenTTL(),
		refreshTTL: cfg.RefreshTokenTTL(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *TokenManager) sign(subject string, typ TokenType, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

// Issue returns a new access and refresh token for subject.
func (m *TokenManager) Issue(subject string) (TokenPair, error) {
	access, err := m.sign(subject, AccessToken, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(subject, RefreshToken, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    strings.TrimSpace(BearerPrefix),
		ExpiresIn:    int64(m.accessTTL.Seconds()),
	}, nil
}

// Refresh exchanges a valid refresh token for a new access token.
func (m *TokenManager) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := m.Verify(refreshToken, RefreshToken)
	if err != nil {
		return TokenPair{}, err
	}

	access, err := m.sign(claims.Subject, AccessToken, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken: access,
		TokenType:   strings.TrimSpace(BearerPrefix),
		ExpiresIn:   int64(m.accessTTL.Seconds()),
	}, nil
}

// Verify parses token and checks its signature, expiry and type.
func (m *TokenManager) Verify(token string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Type != want {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, want)
	}
	return claims, nil
}

// AuthenticateRequest accepts an access token from a Bearer Authorization
// header or, failing that, from the access token cookie.
func (m *TokenManager) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, BearerPrefix) {
		token = strings.TrimSpace(h[len(BearerPrefix):])
	} else if c, err := r.Cookie(AccessTokenCookie); err == nil {
		token = c.Value
	}
	if token == "" {
		return nil, nil
	}

	claims, err := m.Verify(token, AccessToken)
	if err != nil {
		return nil, err
	}
	return &User{Name: claims.Subject, Method: MethodToken}, nil
}
