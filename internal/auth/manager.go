// Package auth は認証・認可機能を提供します。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookieName    = "bf_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"

	minPasswordLength = 8
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザーIDを共有するためのキーです。
const ContextUserKey = "auth.user"

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	users  UserStore
	logger *zap.SugaredLogger

	lock     sync.Mutex
	attempts map[string]*attemptState

	cost      int
	dummyHash []byte
	now       func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(users UserStore, logger *zap.SugaredLogger) *Manager {
	m := &Manager{
		users:    users,
		logger:   logger,
		attempts: make(map[string]*attemptState),
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
	}
	// 存在しないユーザーでも照合時間が変わらないようにダミーのハッシュを用意する
	m.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("bid-forge-dummy-password"), m.cost)
	return m
}

func (m *Manager) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (m *Manager) verifyPassword(user *User, password string) bool {
	if user == nil {
		_ = bcrypt.CompareHashAndPassword(m.dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// expired は試行ウィンドウとロックの両方が過ぎているかを返します。
func (a *attemptState) expired(now time.Time) bool {
	return now.Sub(a.firstAttempt) > loginWindow && !now.Before(a.lockedUntil)
}

// checkLock は ip がロック中なら残り時間を返します。期限切れの記録はここで破棄します。
func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if state.expired(now) {
		delete(m.attempts, ip)
		return 0
	}
	if now.Before(state.lockedUntil) {
		return state.lockedUntil.Sub(now)
	}
	return 0
}

// recordFailure はログイン失敗を記録し、ロックまでの残り回数を返します。
func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}
	if state.count < maxLoginAttempts {
		state.count++
	}
	if state.count == maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
	}
	return maxLoginAttempts - state.count
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

// PruneAttempts は期限切れの失敗記録を削除し、削除件数を返します。
func (m *Manager) PruneAttempts() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	removed := 0
	for ip, state := range m.attempts {
		if state.expired(now) {
			delete(m.attempts, ip)
			removed++
		}
	}
	return removed
}

// StartCleanup は ctx が終了するまで定期的に PruneAttempts を実行します。
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.PruneAttempts(); n > 0 {
					m.logger.Debugw("pruned login attempts", "count", n)
				}
			}
		}
	}()
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// readUnix はセッションに保存した UNIX 秒を読み出します。
// securecookie の gob 変換で int64 以外になることがあるため数値型を広く受け付けます。
func readUnix(v any) time.Time {
	var sec int64
	switch t := v.(type) {
	case int64:
		sec = t
	case int:
		sec = int64(t)
	case float64:
		sec = int64(t)
	default:
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
