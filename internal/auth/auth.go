// Package auth manages the OAuth token lifecycle for the companion API.
//
// Tokens are persisted in the local store so the agent stays logged in across
// restarts. Valid returns a usable token, transparently refreshing it when it
// is close to expiry; the refresh happens under a mutex so concurrent callers
// trigger at most one network request.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/esobuild/companion/internal/store"
)

// ErrNotAuthenticated is returned when no token is stored. The user must run
// login before sync can proceed.
var ErrNotAuthenticated = errors.New("not authenticated: login required")

// Error is an authentication failure that requires user action, as opposed
// to a transient network problem.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Manager loads, refreshes, and persists the API token.
type Manager struct {
	store         *store.Store
	client        *http.Client
	baseURL       string
	refreshBuffer time.Duration
	logger        *log.Logger

	mu    sync.Mutex
	token *store.Token
}

// New creates a token manager backed by st. baseURL is the API root without
// a trailing slash. refreshBuffer is how long before expiry a token is
// refreshed proactively. A nil client gets a default with a 30s timeout; a
// nil logger logs to stderr.
func New(st *store.Store, baseURL string, refreshBuffer time.Duration, client *http.Client, logger *log.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &Manager{
		store:         st,
		client:        client,
		baseURL:       baseURL,
		refreshBuffer: refreshBuffer,
		logger:        logger,
	}
}

// tokenResponse is the wire shape of login and refresh responses.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Valid returns a token guaranteed to be usable for at least the refresh
// buffer, refreshing over the network if needed. Returns
// ErrNotAuthenticated when no token is stored.
//
// The mutex is held across the expiry check and the refresh, so when many
// goroutines race on an expiring token exactly one performs the refresh and
// the rest observe the new token.
func (m *Manager) Valid(ctx context.Context) (*store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, ErrNotAuthenticated
	}

	if token.NeedsRefresh(m.refreshBuffer) {
		token, err = m.refreshLocked(ctx, token)
		if err != nil {
			return nil, err
		}
	}

	return token, nil
}

// ForceRefresh refreshes immediately regardless of expiry. Used when the
// server rejects an access token that looks valid locally.
func (m *Manager) ForceRefresh(ctx context.Context) (*store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, ErrNotAuthenticated
	}
	return m.refreshLocked(ctx, token)
}

// Header returns the Authorization header value for token.
func Header(token *store.Token) string {
	typ := token.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + token.AccessToken
}

// loadLocked returns the cached token, falling back to the store.
// Caller holds m.mu.
func (m *Manager) loadLocked(ctx context.Context) (*store.Token, error) {
	if m.token != nil {
		return m.token, nil
	}
	token, err := m.store.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	m.token = token
	return token, nil
}

// refreshLocked exchanges the refresh token for a new access token.
// Caller holds m.mu.
func (m *Manager) refreshLocked(ctx context.Context, token *store.Token) (*store.Token, error) {
	m.logger.Printf("refreshing authentication token")

	body, resp, err := m.post(ctx, "/auth/refresh", map[string]string{
		"refresh_token": token.RefreshToken,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("token refresh request: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// The refresh token itself is dead; force a fresh login.
		m.token = nil
		if err := m.store.ClearToken(ctx); err != nil {
			m.logger.Printf("failed to clear rejected token: %v", err)
		}
		return nil, &Error{Reason: "refresh token expired, login required"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Reason: fmt.Sprintf("token refresh failed with status %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}

	newToken := &store.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Scope:        tr.Scope,
	}
	// Servers may rotate only the access token.
	if newToken.RefreshToken == "" {
		newToken.RefreshToken = token.RefreshToken
	}
	if newToken.TokenType == "" {
		newToken.TokenType = "Bearer"
	}

	if err := m.store.SaveToken(ctx, newToken); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	m.token = newToken
	m.logger.Printf("token refreshed, valid until %s", newToken.ExpiresAt.Format(time.RFC3339))

	return newToken, nil
}

// Login authenticates with username and password and persists the resulting
// token.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	m.logger.Printf("logging in user %s", username)

	body, resp, err := m.post(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &Error{Reason: "invalid username or password"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Reason: fmt.Sprintf("login failed with status %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}

	token := &store.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Scope:        tr.Scope,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveToken(ctx, token); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	m.token = token
	m.logger.Printf("login successful")

	return nil
}

// Logout tells the server to revoke the session, then clears the stored
// token. Revocation failures are logged and ignored; local state is always
// cleared.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.loadLocked(ctx)
	if err != nil {
		return err
	}

	if token != nil {
		if _, resp, err := m.post(ctx, "/auth/logout", nil, Header(token)); err != nil {
			m.logger.Printf("logout request failed: %v", err)
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			m.logger.Printf("logout returned status %d", resp.StatusCode)
		}
	}

	m.token = nil
	if err := m.store.ClearToken(ctx); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	m.logger.Printf("logged out")

	return nil
}

// post sends a JSON POST and returns the fully-read body and response.
func (m *Manager) post(ctx context.Context, path string, payload any, authHeader string) ([]byte, *http.Response, error) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, &buf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return body, resp, nil
}
