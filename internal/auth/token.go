// Package auth は API トークンによる認証ミドルウェアを提供します。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	attemptWindow  = 15 * time.Minute
	lockDuration   = 10 * time.Minute
	maxAttempts    = 5
	pruneInterval  = time.Minute
	bearerScheme   = "Bearer "
	tokenHeaderAlt = "X-API-Token"
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// expired は失敗の記録もロックも効力を失ったかを返します。
func (s *attemptState) expired(now time.Time) bool {
	return now.Sub(s.firstAttempt) > attemptWindow && !now.Before(s.lockedUntil)
}

// Guard は bcrypt ハッシュと照合して API トークンを検証します。
// 失敗が続いたクライアントIPは一定時間ロックします。
type Guard struct {
	tokenHash []byte
	logger    *zap.Logger
	now       func() time.Time

	lock     sync.Mutex
	attempts map[string]*attemptState
	pruned   time.Time
	verified [sha256.Size]byte
	hasCache bool
}

// NewGuard は Guard を作成します。tokenHash が空の場合は認証を行いません。
func NewGuard(tokenHash string, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		tokenHash: []byte(strings.TrimSpace(tokenHash)),
		logger:    logger.Named("auth"),
		now:       time.Now,
		attempts:  make(map[string]*attemptState),
	}
}

// Enabled はトークン認証が有効かを返します。
func (g *Guard) Enabled() bool {
	return len(g.tokenHash) > 0
}

// RequireToken は Authorization: Bearer <token> を検証するミドルウェアを返します。
func (g *Guard) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Enabled() {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if retryAfter := g.checkLock(ip); retryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		token := extractToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "API トークンを指定してください",
			})
			return
		}

		if !g.verify(token) {
			remaining := g.recordFailure(ip)
			g.logger.Warn("rejected api token", zap.String("client_ip", ip), zap.Int("remaining_attempts", remaining))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":              "INVALID_TOKEN",
				"message":           "API トークンが正しくありません",
				"remainingAttempts": remaining,
			})
			return
		}

		g.resetAttempts(ip)
		c.Next()
	}
}

func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerScheme) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerScheme))
	}
	return strings.TrimSpace(r.Header.Get(tokenHeaderAlt))
}

// verify は直近に検証済みのトークンであれば bcrypt の照合を省略します。
func (g *Guard) verify(token string) bool {
	sum := sha256.Sum256([]byte(token))

	g.lock.Lock()
	cached := g.hasCache && subtle.ConstantTimeCompare(sum[:], g.verified[:]) == 1
	g.lock.Unlock()
	if cached {
		return true
	}

	if bcrypt.CompareHashAndPassword(g.tokenHash, []byte(token)) != nil {
		return false
	}

	g.lock.Lock()
	g.verified = sum
	g.hasCache = true
	g.lock.Unlock()
	return true
}

func (g *Guard) checkLock(ip string) time.Duration {
	g.lock.Lock()
	defer g.lock.Unlock()

	state, ok := g.attempts[ip]
	if !ok {
		return 0
	}
	now := g.now()
	if state.expired(now) {
		delete(g.attempts, ip)
		return 0
	}
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (g *Guard) recordFailure(ip string) int {
	g.lock.Lock()
	defer g.lock.Unlock()

	now := g.now()
	g.pruneLocked(now)
	state, ok := g.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > attemptWindow {
		state = &attemptState{firstAttempt: now}
		g.attempts[ip] = state
	}

	state.count++
	if state.count >= maxAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxAttempts
	}

	remaining := maxAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// pruneLocked は期限切れの記録を削除します。g.lock を保持して呼びます。
func (g *Guard) pruneLocked(now time.Time) {
	if now.Sub(g.pruned) < pruneInterval {
		return
	}
	g.pruned = now
	for ip, state := range g.attempts {
		if state.expired(now) {
			delete(g.attempts, ip)
		}
	}
}

func (g *Guard) resetAttempts(ip string) {
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.attempts, ip)
}
