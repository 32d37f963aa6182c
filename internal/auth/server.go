package auth

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/nao1215/minimart/pkg/middleware"
)

// Server は認証サービスのHTTPサーバー。
// ユーザー登録・ログイン・JWT発行を担当する。minimartで唯一
// ユーザーテーブルを所有するサービスであり、他サービスはユーザーを
// IDでのみ参照する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// queries はクエリ実行オブジェクト。
	queries *Queries
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// jwtSecret はJWT署名用の秘密鍵。
	jwtSecret string
	// rateLimit は認証エンドポイントのIPあたり最大リクエスト数。
	// 総当たり攻撃対策。0以下の場合は制限なし。
	rateLimit int
	// rateWindow はレート制限のウィンドウ長。
	rateWindow time.Duration
}

// NewServer は新しい認証サーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(port string) (*Server, error) {
	dsn := getEnvOr("AUTH_DB_PATH", "/data/auth.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:     router,
		port:       port,
		queries:    NewQueries(db),
		db:         db,
		jwtSecret:  jwtSecret,
		rateLimit:  getEnvInt("AUTH_RATE_LIMIT", 30),
		rateWindow: time.Duration(getEnvInt("AUTH_RATE_WINDOW_SECONDS", 60)) * time.Second,
	}
	s.setupRoutes()

	if err := s.seedAdmin(); err != nil {
		return nil, fmt.Errorf("管理者ユーザーの初期化に失敗: %w", err)
	}

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
// 認証エンドポイントはIP単位でレート制限する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth", middleware.RateLimit(s.rateLimit, s.rateWindow, middleware.KeyByIP()))
	{
		// ユーザー登録
		auth.POST("/register", s.handleRegister())
		// ログイン
		auth.POST("/login", s.handleLogin())
		// ログアウト（トークンはステートレスなのでサーバー側の処理はない）
		auth.POST("/logout", s.handleLogout())
		// 認証済みユーザー情報
		auth.GET("/me", middleware.JWTAuth(s.jwtSecret), s.handleMe())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth"})
	})
}

// seedAdmin は環境変数で指定された管理者ユーザーを作成する。
// ADMIN_EMAILとADMIN_PASSWORDが未設定の場合は何もしない。冪等。
func (s *Server) seedAdmin() error {
	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return nil
	}

	ctx := context.Background()
	if _, err := s.queries.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("管理者ユーザーの取得に失敗: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	if err := s.queries.CreateUser(ctx, CreateUserParams{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  "管理者",
		Role:         middleware.RoleAdmin,
	}); err != nil {
		return fmt.Errorf("管理者ユーザーの作成に失敗: %w", err)
	}

	log.Printf("管理者ユーザーを作成しました: %s", email)
	return nil
}

// registerRequest はユーザー登録リクエストのJSON構造。
type registerRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password はパスワード。8文字以上。
	Password string `json:"password" binding:"required,min=8"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name" binding:"required"`
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required"`
	// Password はパスワード。
	Password string `json:"password" binding:"required"`
}

// userResponse はユーザー情報のJSONレスポンス構造。
type userResponse struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
	// Role は役割。
	Role string `json:"role"`
}

// toUserResponse はDB行をJSONレスポンスに変換する。
func toUserResponse(u User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
	}
}

// handleRegister はユーザー登録を処理するハンドラを返す。
// 登録に成功した場合、JWTトークンとユーザー情報を返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		// メールアドレスの重複確認
		if _, err := s.queries.GetUserByEmail(c.Request.Context(), req.Email); err == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "このメールアドレスは既に登録されています"})
			return
		} else if err != sql.ErrNoRows {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの確認に失敗しました"})
			log.Printf("ユーザー確認エラー: %v", err)
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "パスワードの処理に失敗しました"})
			log.Printf("パスワードハッシュ化エラー: %v", err)
			return
		}

		userID := uuid.New().String()
		if err := s.queries.CreateUser(c.Request.Context(), CreateUserParams{
			ID:           userID,
			Email:        req.Email,
			PasswordHash: string(hash),
			DisplayName:  req.DisplayName,
			Role:         middleware.RoleCustomer,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの作成に失敗しました"})
			log.Printf("ユーザー作成エラー: %v", err)
			return
		}

		token, err := middleware.GenerateJWT(s.jwtSecret, userID, req.Email, middleware.RoleCustomer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"token": token,
			"user": userResponse{
				ID:          userID,
				Email:       req.Email,
				DisplayName: req.DisplayName,
				Role:        middleware.RoleCustomer,
			},
		})
	}
}

// handleLogin はログインを処理するハンドラを返す。
// 認証に成功した場合、JWTトークンとユーザー情報を返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		user, err := s.queries.GetUserByEmail(c.Request.Context(), req.Email)
		if err == sql.ErrNoRows {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスまたはパスワードが違います"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスまたはパスワードが違います"})
			return
		}

		token, err := middleware.GenerateJWT(s.jwtSecret, user.ID, user.Email, user.Role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token": token,
			"user":  toUserResponse(user),
		})
	}
}

// handleLogout はログアウトを処理するハンドラを返す。
// トークンはステートレスなので、クライアント側での破棄を促すだけ。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ログアウトしました"})
	}
}

// handleMe は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		user, err := s.queries.GetUserByID(c.Request.Context(), userID)
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toUserResponse(user))
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvInt は整数の環境変数を取得し、未設定または不正な場合はデフォルト値を返す。
func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("環境変数 %s の値が不正です: %s", key, v)
		return defaultValue
	}
	return n
}
