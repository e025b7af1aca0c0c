// Package session owns the credential lifecycle for the gateway: the token
// pair obtained from the records backend, the authenticated user's profile,
// and their persistence across restarts. A single Manager instance is shared
// by the transport layer and every workflow; it is the only mutable state
// touched by concurrent in-flight requests.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/docere/gateway/internal/platform/apierr"
)

// Role is the user's role in the records system.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleAdmin:
		return true
	}
	return false
}

// User is the backend's user profile object.
type User struct {
	ID         int64   `json:"id"`
	Username   string  `json:"username"`
	FirstName  string  `json:"first_name"`
	LastName   string  `json:"last_name"`
	MiddleName *string `json:"middle_name"`
	Email      string  `json:"email"`
	Phone      *string `json:"phone"`
	Birthday   *string `json:"birthday"`
	Photo      *string `json:"photo"`
	Role       Role    `json:"role"`
}

// FullName assembles "last first middle", skipping empty parts.
func (u *User) FullName() string {
	parts := []string{u.LastName, u.FirstName}
	if u.MiddleName != nil {
		parts = append(parts, *u.MiddleName)
	}
	var out []byte
	for _, p := range parts {
		if p == "" {
			continue
		}
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, p...)
	}
	return string(out)
}

// TokenPair is the backend's /token/ response.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// persisted is the on-disk session shape.
type persisted struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    *User  `json:"user,omitempty"`
}

// Manager holds the process-wide session singleton.
type Manager struct {
	baseURL string
	path    string
	http    *http.Client
	logger  zerolog.Logger

	mu      sync.RWMutex
	access  string
	refresh string
	user    *User

	refreshGroup singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for the token endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.http = c }
}

// NewManager creates a session manager. baseURL is the upstream API root
// (no trailing slash); path is the session file location.
func NewManager(baseURL, path string, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		baseURL: baseURL,
		path:    path,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "session").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AccessToken returns the current access token, empty when logged out.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access
}

// RefreshToken returns the current refresh token.
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refresh
}

// User returns the stored profile, nil when none has been fetched.
func (m *Manager) User() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user
}

// IsAuthenticated reports whether a non-empty access token is held.
func (m *Manager) IsAuthenticated() bool {
	return m.AccessToken() != ""
}

// SetUser stores the profile and persists the session.
func (m *Manager) SetUser(u *User) error {
	m.mu.Lock()
	m.user = u
	m.mu.Unlock()
	return m.persist()
}

// Exchange trades credentials for a token pair via POST /token/ and stores it.
// The profile is not fetched here; callers follow up with an authenticated
// GET /user/me/ once the pair is in place.
func (m *Manager) Exchange(ctx context.Context, identifier, password string) error {
	var pair TokenPair
	if err := m.postJSON(ctx, "/token/", map[string]string{
		"username": identifier,
		"password": password,
	}, &pair); err != nil {
		if apierr.IsAuth(err) || apierr.IsValidation(err) {
			return apierr.Wrap(apierr.KindAuth, err, "invalid credentials")
		}
		return err
	}

	m.mu.Lock()
	m.access = pair.Access
	m.refresh = pair.Refresh
	m.mu.Unlock()
	return m.persist()
}

// RefreshAccessToken exchanges the stored refresh token for a new access
// token. Concurrent callers share a single in-flight refresh: the first one
// hits the backend and everyone else receives its result. A refresh failure
// clears the whole session before propagating, so every awaiting request
// observes the logout.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	refresh := m.RefreshToken()
	if refresh == "" {
		return "", apierr.New(apierr.KindAuth, "no refresh token")
	}

	v, err, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		var out struct {
			Access string `json:"access"`
		}
		if err := m.postJSON(ctx, "/token/refresh/", map[string]string{"refresh": refresh}, &out); err != nil {
			m.logger.Warn().Err(err).Msg("token refresh failed, clearing session")
			m.Logout()
			if apierr.IsAuth(err) || apierr.IsValidation(err) {
				return nil, apierr.Wrap(apierr.KindAuth, err, "refresh token rejected")
			}
			return nil, err
		}

		m.mu.Lock()
		m.access = out.Access
		m.mu.Unlock()
		if err := m.persist(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to persist refreshed session")
		}
		return out.Access, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Logout clears all session state and removes the persisted file. Safe to
// call repeatedly and while logged out.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.access = ""
	m.refresh = ""
	m.user = nil
	m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("path", m.path).Msg("failed to remove session file")
	}
}

// Restore rehydrates the session from disk. A missing file leaves the
// manager unauthenticated and is not an error.
func (m *Manager) Restore() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session file: %w", err)
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode session file: %w", err)
	}

	m.mu.Lock()
	m.access = p.Access
	m.refresh = p.Refresh
	m.user = p.User
	m.mu.Unlock()
	return nil
}

// TokenExpiry returns the access token's exp claim without verifying the
// signature (the backend is the verifier; the gateway only needs the
// timestamp for proactive refresh decisions). Returns zero time when no
// token is held or the claim is absent.
func (m *Manager) TokenExpiry() time.Time {
	access := m.AccessToken()
	if access == "" {
		return time.Time{}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(access, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// NeedsRefresh reports whether the access token expires within leeway.
// An unparsable or claim-less token reports false; the 401-driven refresh
// path in the transport covers that case.
func (m *Manager) NeedsRefresh(leeway time.Duration) bool {
	exp := m.TokenExpiry()
	if exp.IsZero() {
		return false
	}
	return time.Until(exp) < leeway
}

func (m *Manager) persist() error {
	m.mu.RLock()
	p := persisted{Access: m.access, Refresh: m.refresh, User: m.user}
	m.mu.RUnlock()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// postJSON issues an unauthenticated POST to a token endpoint. The token
// endpoints live outside the bearer-authenticated transport on purpose:
// routing a refresh through the 401-retrying client would recurse.
func (m *Manager) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apierr.Wrap(apierr.KindTransport, err, "build request %s", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindTransport, err, "POST %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierr.FromResponse(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apierr.Wrap(apierr.KindTransport, err, "decode response from %s", path)
		}
	}
	return nil
}
