package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// KeyFunc はレート制限のキーをリクエストから組み立てる関数。
type KeyFunc func(c *gin.Context) string

// KeyByIP はクライアントIPのみでレート制限するキー関数を返す。
func KeyByIP() KeyFunc {
	return func(c *gin.Context) string {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		return "rl:ip:" + ip
	}
}

// KeyByIPAndPrefix はクライアントIPと一致したパスプレフィックスの組で
// レート制限するキー関数を返す。gatewayで振り分け先サービスごとに
// 独立した制限をかけるために使用する。どのプレフィックスにも一致しない
// パスはIPごとの単一キーにまとめる。
func KeyByIPAndPrefix(prefixes []string) KeyFunc {
	return func(c *gin.Context) string {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		path := c.Request.URL.Path
		matched := ""
		for _, p := range prefixes {
			if len(p) <= len(matched) {
				continue
			}
			if path == p || strings.HasPrefix(path, p+"/") {
				matched = p
			}
		}
		if matched == "" {
			matched = "-"
		}
		return "rl:prefix:" + matched + ":ip:" + ip
	}
}

// rateWindow は1キーあたりの固定ウィンドウの状態。
type rateWindow struct {
	// start はウィンドウの開始時刻。
	start time.Time
	// count はウィンドウ内のリクエスト数。
	count int
}

// rateLimiter は固定ウィンドウ方式のインメモリレート制限器。
// プロセスローカルであり、複数インスタンス構成では共有されない。
type rateLimiter struct {
	// max はウィンドウあたりの最大リクエスト数。
	max int
	// window はウィンドウの長さ。
	window time.Duration
	// windows はキーごとのウィンドウ状態。
	windows map[string]*rateWindow
	// mu はwindowsへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// allow はキーに対するリクエストを数え、許可するかどうかと
// 残り許容数・ウィンドウリセットまでの秒数を返す。
func (l *rateLimiter) allow(key string) (allowed bool, remaining, resetSec int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// 期限切れウィンドウの掃除。マップが育ちすぎたときだけ行う。
	if len(l.windows) > 4096 {
		for k, w := range l.windows {
			if now.Sub(w.start) >= l.window {
				delete(l.windows, k)
			}
		}
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &rateWindow{start: now}
		l.windows[key] = w
	}

	resetSec = int((l.window - now.Sub(w.start)).Seconds()) + 1
	if w.count >= l.max {
		return false, 0, resetSec
	}

	w.count++
	return true, l.max - w.count, resetSec
}

// RateLimit は固定ウィンドウ方式のレート制限を行うGinミドルウェアを返す。
// maxはウィンドウあたりの最大リクエスト数、windowはウィンドウの長さ。
// 制限超過時は429と Retry-After ヘッダーを返す。
func RateLimit(max int, window time.Duration, keyFn KeyFunc) gin.HandlerFunc {
	if max <= 0 || window <= 0 || keyFn == nil {
		return func(c *gin.Context) { c.Next() }
	}

	limiter := &rateLimiter{
		max:     max,
		window:  window,
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}

	return func(c *gin.Context) {
		// CORSプリフライトは制限対象外
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		allowed, remaining, resetSec := limiter.allow(keyFn(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(max))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(resetSec))

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(resetSec))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "リクエスト数が制限を超えました",
			})
			return
		}
		c.Next()
	}
}
