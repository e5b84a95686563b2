package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

type BasicAuthEngine struct {
	Username string
	Password string
}

const (
	BasicAuthPrefix = "Basic "
)

// NewBasicAuthEngine creates a BasicAuthEngine for a single admin account.
// An empty password disables it.
func NewBasicAuthEngine(username string, password string) *BasicAuthEngine {
	return &BasicAuthEngine{
		Username: username,
		Password: password,
	}
}

// Check compares username and password against the configured account in
// constant time.
func (e *BasicAuthEngine) Check(username string, password string) bool {
	if e.Password == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(e.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(e.Password)) == 1
	return userOK && passOK
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. Headers of other schemes are ignored.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, BasicAuthPrefix) {
		return nil, nil
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(BasicAuthPrefix):]))
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	username, password, ok := strings.Cut(string(payload), ":")
	if !ok || !e.Check(username, password) {
		return nil, ErrInvalidCredentials
	}

	return &User{Name: username, Method: MethodBasic}, nil
}
