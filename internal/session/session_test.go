package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/docere/gateway/internal/platform/apierr"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestManager(t *testing.T, baseURL string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	return NewManager(baseURL, path, testLogger())
}

// tokenBackend is a minimal stand-in for the upstream token endpoints.
type tokenBackend struct {
	mu           sync.Mutex
	refreshCalls int32
	password     string
	refreshOK    bool
}

func (b *tokenBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != b.password {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "No active account found with the given credentials"})
			return
		}
		json.NewEncoder(w).Encode(TokenPair{Access: "access-1", Refresh: "refresh-1"})
	})
	mux.HandleFunc("/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.refreshCalls, 1)
		if !b.refreshOK {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Token is invalid or expired"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access": "access-2"})
	})
	return mux
}

func TestExchange_StoresAndPersists(t *testing.T) {
	backend := &tokenBackend{password: "secret", refreshOK: true}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	if err := m.Exchange(context.Background(), "a@b.com", "secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.AccessToken() != "access-1" || m.RefreshToken() != "refresh-1" {
		t.Errorf("token pair not stored: %q %q", m.AccessToken(), m.RefreshToken())
	}
	if !m.IsAuthenticated() {
		t.Error("expected authenticated state after exchange")
	}

	// A fresh manager over the same file restores the pair.
	m2 := NewManager(srv.URL, m.path, testLogger())
	if err := m2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if m2.AccessToken() != "access-1" {
		t.Errorf("restored access = %q", m2.AccessToken())
	}
}

func TestExchange_BadCredentials(t *testing.T) {
	backend := &tokenBackend{password: "secret"}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	err := m.Exchange(context.Background(), "a@b.com", "wrong")
	if !apierr.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if m.IsAuthenticated() {
		t.Error("should remain unauthenticated after failed login")
	}
}

func TestRefresh_ReplacesAccessKeepsRefresh(t *testing.T) {
	backend := &tokenBackend{password: "secret", refreshOK: true}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	if err := m.Exchange(context.Background(), "a@b.com", "secret"); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	access, err := m.RefreshAccessToken(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if access != "access-2" {
		t.Errorf("expected new access token, got %q", access)
	}
	if m.RefreshToken() != "refresh-1" {
		t.Error("refresh token must not rotate")
	}
}

func TestRefresh_FailureLogsOut(t *testing.T) {
	backend := &tokenBackend{password: "secret", refreshOK: false}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	if err := m.Exchange(context.Background(), "a@b.com", "secret"); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	_, err := m.RefreshAccessToken(context.Background())
	if !apierr.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if m.IsAuthenticated() {
		t.Error("session must be cleared after refresh failure")
	}
	if _, err := os.Stat(m.path); !os.IsNotExist(err) {
		t.Error("session file must be removed on logout")
	}
}

func TestRefresh_ConcurrentCallersDeduplicated(t *testing.T) {
	backend := &tokenBackend{password: "secret", refreshOK: true}

	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backend.refreshCalls, 1)
		<-release
		json.NewEncoder(w).Encode(map[string]string{"access": "access-2"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.mu.Lock()
	m.access = "stale"
	m.refresh = "refresh-1"
	m.mu.Unlock()

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			access, err := m.RefreshAccessToken(context.Background())
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = access
		}(i)
	}

	// Give all callers time to join the in-flight refresh, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&backend.refreshCalls); n != 1 {
		t.Errorf("expected exactly 1 refresh call, got %d", n)
	}
	for i, r := range results {
		if r != "access-2" {
			t.Errorf("caller %d got %q", i, r)
		}
	}
}

func TestRefresh_WithoutRefreshToken(t *testing.T) {
	m := newTestManager(t, "http://unused")
	_, err := m.RefreshAccessToken(context.Background())
	if !apierr.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	m := newTestManager(t, "http://unused")
	m.mu.Lock()
	m.access = "a"
	m.refresh = "r"
	m.user = &User{ID: 1}
	m.mu.Unlock()

	m.Logout()
	m.Logout()

	if m.IsAuthenticated() || m.User() != nil || m.RefreshToken() != "" {
		t.Error("logout must clear all state")
	}
}

func TestRestore_MissingFile(t *testing.T) {
	m := newTestManager(t, "http://unused")
	if err := m.Restore(); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if m.IsAuthenticated() {
		t.Error("expected unauthenticated state")
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(2 * time.Minute).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	m := newTestManager(t, "http://unused")
	m.mu.Lock()
	m.access = signed
	m.mu.Unlock()

	if got := m.TokenExpiry(); !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}
	if !m.NeedsRefresh(5 * time.Minute) {
		t.Error("token expiring in 2m should need refresh with 5m leeway")
	}
	if m.NeedsRefresh(time.Minute) {
		t.Error("token expiring in 2m should not need refresh with 1m leeway")
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleDoctor, RolePatient, RoleAdmin} {
		if !r.Valid() {
			t.Errorf("expected %q to be valid", r)
		}
	}
	if Role("nurse").Valid() {
		t.Error("unknown role must be invalid")
	}
}

func TestUser_FullName(t *testing.T) {
	mid := "Ivanovich"
	u := &User{FirstName: "Ivan", LastName: "Ivanov", MiddleName: &mid}
	if got := u.FullName(); got != "Ivanov Ivan Ivanovich" {
		t.Errorf("FullName() = %q", got)
	}

	u = &User{FirstName: "Ivan"}
	if got := u.FullName(); got != "Ivan" {
		t.Errorf("FullName() = %q", got)
	}
}
