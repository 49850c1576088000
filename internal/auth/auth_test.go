package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/bid-forge/internal/apperr"
	"github.com/yourusername/bid-forge/internal/logger"
)

type memoryUserStore struct {
	mu    sync.Mutex
	users map[string]*User
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{users: make(map[string]*User)}
}

func (s *memoryUserStore) CreateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return ErrEmailTaken
		}
	}
	user.ID = uuid.NewString()
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	s.users[user.ID] = &copied
	return nil
}

func (s *memoryUserStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, ErrUserNotFound
}

func (s *memoryUserStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, ErrUserNotFound
}

type testClient struct {
	t       *testing.T
	router  *gin.Engine
	cookies []*http.Cookie
	csrf    string
}

func newTestClient(t *testing.T) (*testClient, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := NewManager(newMemoryUserStore(), logger.Test(t))
	m.cost = bcrypt.MinCost

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret-test-secret-test-sec"))))
	api := router.Group("/api")
	api.POST("/auth/register", m.Register)
	api.POST("/auth/login", m.Login)
	protected := api.Group("")
	protected.Use(m.RequireLogin(), m.VerifyCSRF())
	protected.POST("/auth/logout", m.Logout)
	protected.GET("/auth/me", m.Me)

	return &testClient{t: t, router: router}, m
}

func (tc *testClient) do(method, path string, body any) *httptest.ResponseRecorder {
	tc.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			tc.t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tc.csrf != "" {
		req.Header.Set(csrfHeader, tc.csrf)
	}
	for _, ck := range tc.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	tc.router.ServeHTTP(rec, req)

	tc.storeCookies(rec.Result().Cookies())
	if token := rec.Header().Get(csrfHeader); token != "" {
		tc.csrf = token
	}
	return rec
}

// storeCookies はブラウザと同じく名前ごとに最後の Set-Cookie だけを保持します。
func (tc *testClient) storeCookies(received []*http.Cookie) {
	for _, ck := range received {
		kept := tc.cookies[:0]
		for _, existing := range tc.cookies {
			if existing.Name != ck.Name {
				kept = append(kept, existing)
			}
		}
		tc.cookies = kept
		if ck.MaxAge >= 0 {
			tc.cookies = append(tc.cookies, ck)
		}
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestRegisterStartsSession(t *testing.T) {
	tc, _ := newTestClient(t)

	rec := tc.do(http.MethodPost, "/api/auth/register", gin.H{
		"email": "Owner@Example.com", "name": "Owner", "password": "correct-horse",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if tc.csrf == "" {
		t.Fatal("expected CSRF token header")
	}
	payload := decode(t, rec)
	if payload["email"] != "owner@example.com" {
		t.Fatalf("email was not normalized: %v", payload["email"])
	}
	if _, leaked := payload["passwordHash"]; leaked {
		t.Fatal("password hash leaked in response")
	}

	me := tc.do(http.MethodGet, "/api/auth/me", nil)
	if me.Code != http.StatusOK {
		t.Fatalf("unexpected status for /me: %d", me.Code)
	}
}

func TestRegisterRejectsDuplicateAndWeakPassword(t *testing.T) {
	tc, _ := newTestClient(t)
	body := gin.H{"email": "a@example.com", "name": "A", "password": "password123"}
	if rec := tc.do(http.MethodPost, "/api/auth/register", body); rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec := tc.do(http.MethodPost, "/api/auth/register", body); rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", rec.Code)
	}

	weak := tc.do(http.MethodPost, "/api/auth/register", gin.H{"email": "b@example.com", "name": "B", "password": "short"})
	if weak.Code != http.StatusBadRequest || decode(t, weak)["code"] != "WEAK_PASSWORD" {
		t.Fatalf("unexpected response: %d %s", weak.Code, weak.Body.String())
	}

	invalid := tc.do(http.MethodPost, "/api/auth/register", gin.H{"email": "not-an-email", "name": "C", "password": "password123"})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for invalid email, got %d", invalid.Code)
	}
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	tc, _ := newTestClient(t)
	tc.do(http.MethodPost, "/api/auth/register", gin.H{"email": "a@example.com", "name": "A", "password": "password123"})

	for i := 0; i < maxLoginAttempts; i++ {
		rec := tc.do(http.MethodPost, "/api/auth/login", gin.H{"email": "a@example.com", "password": "wrong-password"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: unexpected status %d", i, rec.Code)
		}
		want := float64(maxLoginAttempts - i - 1)
		if got := decode(t, rec)["remainingAttempts"]; got != want {
			t.Fatalf("attempt %d: remainingAttempts = %v, want %v", i, got, want)
		}
	}

	locked := tc.do(http.MethodPost, "/api/auth/login", gin.H{"email": "a@example.com", "password": "password123"})
	if locked.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout, got %d", locked.Code)
	}
	if locked.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestLoginUnknownUserCountsAsFailure(t *testing.T) {
	tc, m := newTestClient(t)
	rec := tc.do(http.MethodPost, "/api/auth/login", gin.H{"email": "ghost@example.com", "password": "whatever1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if state := m.attempts["192.0.2.1"]; state == nil || state.count != 1 {
		t.Fatalf("expected one recorded failure, got %+v", state)
	}
}

func TestLogoutRequiresCSRF(t *testing.T) {
	tc, _ := newTestClient(t)
	tc.do(http.MethodPost, "/api/auth/register", gin.H{"email": "a@example.com", "name": "A", "password": "password123"})

	token := tc.csrf
	tc.csrf = "forged"
	if rec := tc.do(http.MethodPost, "/api/auth/logout", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", rec.Code)
	}

	tc.csrf = token
	if rec := tc.do(http.MethodPost, "/api/auth/logout", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected logout success, got %d", rec.Code)
	}
	if rec := tc.do(http.MethodGet, "/api/auth/me", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized after logout, got %d", rec.Code)
	}
}

func TestRequireLoginIdleTimeout(t *testing.T) {
	tc, m := newTestClient(t)
	now := time.Now()
	m.now = func() time.Time { return now }
	tc.do(http.MethodPost, "/api/auth/register", gin.H{"email": "a@example.com", "name": "A", "password": "password123"})

	now = now.Add(idleTimeout + time.Minute)
	rec := tc.do(http.MethodGet, "/api/auth/me", nil)
	if rec.Code != http.StatusUnauthorized || decode(t, rec)["code"] != "SESSION_IDLE_TIMEOUT" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReadUnix(t *testing.T) {
	if readUnix(int64(10)).Unix() != 10 || readUnix(10).Unix() != 10 || readUnix(float64(10)).Unix() != 10 {
		t.Fatal("readUnix did not convert numeric values")
	}
	if !readUnix("10").IsZero() {
		t.Fatal("expected zero time for unsupported type")
	}
}

func TestRequireLoginAbsoluteLifetime(t *testing.T) {
	tc, m := newTestClient(t)
	now := time.Now()
	m.now = func() time.Time { return now }
	tc.do(http.MethodPost, "/api/auth/register", gin.H{"email": "a@example.com", "name": "A", "password": "password123"})

	// アイドル期限内に操作を続けても絶対期限で切れる
	for elapsed := time.Duration(0); elapsed <= maxSessionLifetime; elapsed += idleTimeout / 2 {
		now = now.Add(idleTimeout / 2)
		rec := tc.do(http.MethodGet, "/api/auth/me", nil)
		if rec.Code == http.StatusUnauthorized {
			if code := decode(t, rec)["code"]; code != "SESSION_EXPIRED" {
				t.Fatalf("unexpected code: %v", code)
			}
			return
		}
	}
	t.Fatal("expected session to expire")
}

func TestPruneAttempts(t *testing.T) {
	_, m := newTestClient(t)
	start := time.Now()
	now := start
	m.now = func() time.Time { return now }

	m.recordFailure("198.51.100.1")
	now = start.Add(loginWindow - time.Minute)
	for i := 0; i < maxLoginAttempts; i++ {
		m.recordFailure("198.51.100.2")
	}

	now = start.Add(loginWindow + time.Second)
	if removed := m.PruneAttempts(); removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	if _, ok := m.attempts["198.51.100.2"]; !ok {
		t.Fatal("recent entry must survive")
	}

	now = now.Add(loginWindow + lockDuration)
	if removed := m.PruneAttempts(); removed != 1 || len(m.attempts) != 0 {
		t.Fatalf("expected all entries pruned, removed=%d left=%d", removed, len(m.attempts))
	}
}

func TestCheckLockDropsExpiredEntry(t *testing.T) {
	_, m := newTestClient(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < maxLoginAttempts; i++ {
		m.recordFailure("203.0.113.9")
	}
	if m.checkLock("203.0.113.9") <= 0 {
		t.Fatal("expected lock after max attempts")
	}

	now = now.Add(loginWindow + lockDuration)
	if wait := m.checkLock("203.0.113.9"); wait != 0 {
		t.Fatalf("expected no lock, got %v", wait)
	}
	if _, ok := m.attempts["203.0.113.9"]; ok {
		t.Fatal("expected expired entry to be removed")
	}
}

func TestMiddlewareErrorBody(t *testing.T) {
	tc, _ := newTestClient(t)

	rec := tc.do(http.MethodGet, "/api/auth/me", nil)
	if rec.Code != http.StatusUnauthorized || decode(t, rec)["code"] != apperr.CodeUnauthorized {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}

	tc.do(http.MethodPost, "/api/auth/register", gin.H{"email": "a@example.com", "name": "A", "password": "password123"})
	tc.csrf = "forged"
	rec = tc.do(http.MethodPost, "/api/auth/logout", nil)
	body := decode(t, rec)
	if rec.Code != http.StatusForbidden || body["code"] != "CSRF_INVALID" || body["message"] == "" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}
