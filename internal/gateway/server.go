package gateway

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/minimart/pkg/breaker"
	"github.com/nao1215/minimart/pkg/middleware"
)

// Server はAPIゲートウェイのHTTPサーバー。
// 外部からの全リクエストを受け、プレフィックスで内部サービスに振り分ける。
// 状態を持たず、データベースにも接続しない。
// レート制限・認証チェック・バックエンドごとのサーキットブレーカーを担当する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// jwtSecret はJWT検証用の秘密鍵。
	jwtSecret string
	// routes はプレフィックスのルーティングテーブル。
	routes []route
	// backends はサービス名からバックエンド情報への索引。
	backends map[string]*backend
	// httpClient はプロキシ用HTTPクライアント。
	httpClient *http.Client
}

// route はパスプレフィックスとバックエンドの対応。
type route struct {
	// prefix はマッチするパスプレフィックス。
	prefix string
	// backend は振り分け先のサービス名。
	backend string
}

// backend は内部サービスの接続情報。
type backend struct {
	// name はサービス名。
	name string
	// baseURL はサービスのベースURL。
	baseURL string
	// breaker はこのサービス専用のサーキットブレーカー。
	breaker *breaker.Breaker
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(port string) (*Server, error) {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	threshold := getEnvInt("GATEWAY_BREAKER_THRESHOLD", 3)
	recovery := time.Duration(getEnvInt("GATEWAY_BREAKER_RECOVERY_SECONDS", 60)) * time.Second

	backends := map[string]*backend{
		"auth": {
			name:    "auth",
			baseURL: getEnvOr("AUTH_URL", "http://localhost:8081"),
			breaker: breaker.New("auth", threshold, recovery),
		},
		"product": {
			name:    "product",
			baseURL: getEnvOr("PRODUCT_URL", "http://localhost:8082"),
			breaker: breaker.New("product", threshold, recovery),
		},
		"cart": {
			name:    "cart",
			baseURL: getEnvOr("CART_URL", "http://localhost:8083"),
			breaker: breaker.New("cart", threshold, recovery),
		},
		"order": {
			name:    "order",
			baseURL: getEnvOr("ORDER_URL", "http://localhost:8084"),
			breaker: breaker.New("order", threshold, recovery),
		},
	}

	frontendURL := getEnvOr("FRONTEND_URL", "http://localhost:3000")
	rateLimit := getEnvInt("GATEWAY_RATE_LIMIT", 100)
	rateWindow := time.Duration(getEnvInt("GATEWAY_RATE_WINDOW_SECONDS", 60)) * time.Second

	routes := []route{
		{prefix: "/api/v1/cart", backend: "cart"},
		{prefix: "/api/v1/wishlist", backend: "cart"},
		{prefix: "/api/v1/orders", backend: "order"},
		{prefix: "/api/products", backend: "product"},
		{prefix: "/api/categories", backend: "product"},
		{prefix: "/auth", backend: "auth"},
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{frontendURL}))
	// レート制限は振り分け先サービス単位（プレフィックス単位）で数える
	router.Use(middleware.RateLimit(rateLimit, rateWindow, middleware.KeyByIPAndPrefix(routePrefixes(routes))))

	s := &Server{
		router:     router,
		port:       port,
		jwtSecret:  jwtSecret,
		routes:     routes,
		backends:   backends,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はルーティングを設定する。
// プロキシ対象はプレフィックスマッチのためNoRouteで一括処理する。
func (s *Server) setupRoutes() {
	// ヘルスチェック（全バックエンドの状態を集約）
	s.router.GET("/health", s.handleHealth())

	s.router.NoRoute(s.handleProxy())
}

// routePrefixes はルーティングテーブルからプレフィックスの一覧を取り出す。
func routePrefixes(routes []route) []string {
	prefixes := make([]string, 0, len(routes))
	for _, r := range routes {
		prefixes = append(prefixes, r.prefix)
	}
	return prefixes
}

// matchRoute はリクエストパスにマッチするルートを返す。
// 最長プレフィックス優先。マッチしない場合はnilを返す。
func (s *Server) matchRoute(path string) *backend {
	var matched *route
	for i := range s.routes {
		r := &s.routes[i]
		if path == r.prefix || strings.HasPrefix(path, r.prefix+"/") {
			if matched == nil || len(r.prefix) > len(matched.prefix) {
				matched = r
			}
		}
	}
	if matched == nil {
		return nil
	}
	return s.backends[matched.backend]
}

// requiresAuth はリクエストがゲートウェイでのJWT検証を必要とするか判定する。
// 商品・カテゴリの参照と認証エンドポイント（/auth/meを除く）は公開。
// それ以外は全てトークン必須。各サービスも自身でトークンを再検証するため、
// ここでの検証は不正リクエストの早期遮断が目的。
func requiresAuth(method, path string) bool {
	if strings.HasPrefix(path, "/api/products") || strings.HasPrefix(path, "/api/categories") {
		return method != http.MethodGet
	}
	if strings.HasPrefix(path, "/auth") {
		return path == "/auth/me"
	}
	return true
}

// handleProxy はプロキシ処理のハンドラを返す。
// ルートにマッチしないパスと内部エンドポイントは404を返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		// 内部エンドポイントは外部に公開しない
		if strings.HasPrefix(path, "/internal/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "指定されたパスが見つかりません"})
			return
		}

		b := s.matchRoute(path)
		if b == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "指定されたパスが見つかりません"})
			return
		}

		userID := ""
		if requiresAuth(c.Request.Method, path) {
			claims, err := s.authenticate(c)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "認証が必要です"})
				return
			}
			userID = claims.UserID
		}

		if !b.breaker.Allow() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": fmt.Sprintf("%sサービスは一時的に利用できません", b.name)})
			return
		}

		s.doProxy(c, b, userID)
	}
}

// authenticate はAuthorizationヘッダーのJWTトークンを検証する。
func (s *Server) authenticate(c *gin.Context) (*middleware.JWTClaims, error) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, fmt.Errorf("Authorizationヘッダーがありません")
	}
	return middleware.ParseJWT(s.jwtSecret, token)
}

// doProxy はリクエストをバックエンドにプロキシする。
// 通信エラーと5xx応答はブレーカーの失敗として数える。
func (s *Server) doProxy(c *gin.Context, b *backend, userID string) {
	proxyURL := b.baseURL + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		proxyURL += "?" + c.Request.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, proxyURL, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return
	}

	// 元のリクエストヘッダーを転送
	req.Header.Set("Content-Type", c.GetHeader("Content-Type"))
	req.Header.Set("Authorization", c.GetHeader("Authorization"))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		b.breaker.Failure()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "内部サービスとの通信に失敗しました"})
		log.Printf("プロキシエラー: url=%s, error=%v", proxyURL, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		b.breaker.Failure()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "レスポンスの読み取りに失敗しました"})
		return
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		b.breaker.Failure()
	} else {
		b.breaker.Success()
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}

// handleHealth は全バックエンドの状態を集約するハンドラを返す。
// 全サービスが正常ならhealthy、1つでも異常があればdegradedを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		services := gin.H{}
		for name, b := range s.backends {
			serviceStatus := s.checkBackend(c, b)
			services[name] = gin.H{
				"status":  serviceStatus,
				"breaker": string(b.breaker.State()),
			}
			if serviceStatus != "ok" {
				status = "degraded"
			}
		}

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":   status,
			"service":  "gateway",
			"services": services,
		})
	}
}

// checkBackend はバックエンドのヘルスチェックエンドポイントを呼び出す。
func (s *Server) checkBackend(c *gin.Context, b *backend) string {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return "error"
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "unreachable"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "unhealthy"
	}
	return "ok"
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvInt は整数の環境変数を取得し、未設定や不正値の場合はデフォルト値を返す。
func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
