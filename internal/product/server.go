package product

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/minimart/pkg/event"
	"github.com/nao1215/minimart/pkg/middleware"
)

// Server は商品サービスのHTTPサーバー。
// 商品とカテゴリのCRUDを担当する。商品名・価格の変更は
// product.updatedイベントとしてcartサービスに通知し、カート内の
// 非正規化スナップショットを更新させる。
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
	// events は購読サービスへのイベント配送器。
	events *event.Publisher
}

// NewServer は新しい商品サーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(port string) (*Server, error) {
	dsn := getEnvOr("PRODUCT_DB_PATH", "/data/product.db") + "?_journal_mode=WAL&_busy_timeout=5000"
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

	cartURL := getEnvOr("CART_URL", "http://localhost:8083")

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:    router,
		port:      port,
		queries:   NewQueries(db),
		db:        db,
		jwtSecret: jwtSecret,
		events:    event.NewPublisher(cartURL),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
// 参照系は認証不要、更新系は管理者のみ。
func (s *Server) setupRoutes() {
	products := s.router.Group("/api/products")
	{
		// 商品一覧取得（limit/offsetページング、category_id絞り込み）
		products.GET("", s.handleListProducts())
		// 商品詳細取得
		products.GET("/:id", s.handleGetProduct())
	}

	categories := s.router.Group("/api/categories")
	{
		// カテゴリ一覧取得
		categories.GET("", s.handleListCategories())
		// カテゴリ詳細取得
		categories.GET("/:id", s.handleGetCategory())
	}

	admin := s.router.Group("/api")
	admin.Use(middleware.JWTAuth(s.jwtSecret), middleware.RequireAdmin())
	{
		// 商品作成
		admin.POST("/products", s.handleCreateProduct())
		// 商品更新
		admin.PUT("/products/:id", s.handleUpdateProduct())
		// 商品削除（論理削除）
		admin.DELETE("/products/:id", s.handleDeleteProduct())
		// カテゴリ作成
		admin.POST("/categories", s.handleCreateCategory())
		// カテゴリ更新
		admin.PUT("/categories/:id", s.handleUpdateCategory())
	}

	// サービス間イベント受信
	s.router.POST("/internal/events", s.handleInternalEvent())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "product"})
	})
}

// productRequest は商品作成・更新リクエストのJSON構造。
type productRequest struct {
	// Name は商品名。
	Name string `json:"name" binding:"required"`
	// Description は商品説明。
	Description string `json:"description"`
	// Price は価格。正の値のみ。
	Price float64 `json:"price" binding:"required,gt=0"`
	// CategoryID はカテゴリID。
	CategoryID string `json:"category_id"`
	// ImageURL は商品画像URL。
	ImageURL string `json:"image_url"`
	// StockQuantity は在庫数。
	StockQuantity int `json:"stock_quantity" binding:"gte=0"`
}

// categoryRequest はカテゴリ作成・更新リクエストのJSON構造。
type categoryRequest struct {
	// Name はカテゴリ名。
	Name string `json:"name" binding:"required"`
}

// productResponse は商品のJSONレスポンス構造。
type productResponse struct {
	// ID は商品の一意識別子。
	ID string `json:"id"`
	// Name は商品名。
	Name string `json:"name"`
	// Description は商品説明。
	Description string `json:"description"`
	// Price は価格。
	Price float64 `json:"price"`
	// CategoryID はカテゴリID。
	CategoryID string `json:"category_id"`
	// CategoryName はカテゴリ名の非正規化コピー。
	CategoryName string `json:"category_name"`
	// ImageURL は商品画像URL。
	ImageURL string `json:"image_url"`
	// StockQuantity は在庫数。
	StockQuantity int `json:"stock_quantity"`
	// IsActive は有効フラグ。
	IsActive bool `json:"is_active"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// categoryResponse はカテゴリのJSONレスポンス構造。
type categoryResponse struct {
	// ID はカテゴリの一意識別子。
	ID string `json:"id"`
	// Name はカテゴリ名。
	Name string `json:"name"`
	// IsActive は有効フラグ。
	IsActive bool `json:"is_active"`
}

// toProductResponse はDB行をJSONレスポンスに変換する。
func toProductResponse(p Product) productResponse {
	return productResponse{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Price:         p.Price,
		CategoryID:    p.CategoryID,
		CategoryName:  p.CategoryName,
		ImageURL:      p.ImageURL,
		StockQuantity: p.StockQuantity,
		IsActive:      p.IsActive,
		CreatedAt:     p.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt:     p.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// toCategoryResponse はDB行をJSONレスポンスに変換する。
func toCategoryResponse(cat Category) categoryResponse {
	return categoryResponse{
		ID:       cat.ID,
		Name:     cat.Name,
		IsActive: cat.IsActive,
	}
}

// paginationParams はlimit/offsetクエリパラメータを解析する。
// limitは1〜100の範囲に丸める。デフォルトは20件。
func paginationParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// handleListProducts は商品一覧取得を処理するハンドラを返す。
func (s *Server) handleListProducts() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := paginationParams(c)

		products, err := s.queries.ListProducts(c.Request.Context(), ListProductsParams{
			CategoryID: c.Query("category_id"),
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品一覧の取得に失敗しました"})
			log.Printf("商品一覧取得エラー: %v", err)
			return
		}

		responses := make([]productResponse, 0, len(products))
		for _, p := range products {
			responses = append(responses, toProductResponse(p))
		}

		c.JSON(http.StatusOK, responses)
	}
}

// handleGetProduct は商品詳細取得を処理するハンドラを返す。
func (s *Server) handleGetProduct() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.queries.GetProductByID(c.Request.Context(), c.Param("id"))
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の取得に失敗しました"})
			log.Printf("商品取得エラー: %v", err)
			return
		}
		if !p.IsActive {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		}

		c.JSON(http.StatusOK, toProductResponse(p))
	}
}

// handleCreateProduct は商品作成を処理するハンドラを返す。
// カテゴリ名のスナップショットは作成時点のものを保存する。
func (s *Server) handleCreateProduct() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req productRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		categoryName, err := s.lookupCategoryName(c, req.CategoryID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "指定されたカテゴリが存在しません"})
			return
		}

		productID := uuid.New().String()
		if err := s.queries.CreateProduct(c.Request.Context(), CreateProductParams{
			ID:            productID,
			Name:          req.Name,
			Description:   req.Description,
			Price:         req.Price,
			CategoryID:    req.CategoryID,
			CategoryName:  categoryName,
			ImageURL:      req.ImageURL,
			StockQuantity: req.StockQuantity,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の作成に失敗しました"})
			log.Printf("商品作成エラー: %v", err)
			return
		}

		created, err := s.queries.GetProductByID(c.Request.Context(), productID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "作成した商品の取得に失敗しました"})
			log.Printf("商品取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toProductResponse(created))
	}
}

// handleUpdateProduct は商品更新を処理するハンドラを返す。
// 更新後、product.updatedイベントをcartサービスに配送する。
func (s *Server) handleUpdateProduct() gin.HandlerFunc {
	return func(c *gin.Context) {
		productID := c.Param("id")

		if _, err := s.queries.GetProductByID(c.Request.Context(), productID); err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の取得に失敗しました"})
			log.Printf("商品取得エラー: %v", err)
			return
		}

		var req productRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		categoryName, err := s.lookupCategoryName(c, req.CategoryID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "指定されたカテゴリが存在しません"})
			return
		}

		if err := s.queries.UpdateProduct(c.Request.Context(), UpdateProductParams{
			ID:            productID,
			Name:          req.Name,
			Description:   req.Description,
			Price:         req.Price,
			CategoryID:    req.CategoryID,
			CategoryName:  categoryName,
			ImageURL:      req.ImageURL,
			StockQuantity: req.StockQuantity,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の更新に失敗しました"})
			log.Printf("商品更新エラー: %v", err)
			return
		}

		// カート内の非正規化スナップショットを更新させるイベントを配送する。
		// 配送はベストエフォートであり、リトライの完了を待たずに応答する
		go s.events.Publish(context.Background(), event.TypeProductUpdated, event.ProductUpdatedPayload{
			ProductID:  productID,
			Name:       req.Name,
			Price:      req.Price,
			ImageURL:   req.ImageURL,
			CategoryID: req.CategoryID,
		})

		updated, err := s.queries.GetProductByID(c.Request.Context(), productID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "更新後の商品の取得に失敗しました"})
			log.Printf("商品取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toProductResponse(updated))
	}
}

// handleDeleteProduct は商品の論理削除を処理するハンドラを返す。
func (s *Server) handleDeleteProduct() gin.HandlerFunc {
	return func(c *gin.Context) {
		productID := c.Param("id")

		if _, err := s.queries.GetProductByID(c.Request.Context(), productID); err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の取得に失敗しました"})
			log.Printf("商品取得エラー: %v", err)
			return
		}

		if err := s.queries.DeactivateProduct(c.Request.Context(), productID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の削除に失敗しました"})
			log.Printf("商品削除エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "商品を削除しました"})
	}
}

// handleListCategories はカテゴリ一覧取得を処理するハンドラを返す。
func (s *Server) handleListCategories() gin.HandlerFunc {
	return func(c *gin.Context) {
		cats, err := s.queries.ListCategories(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カテゴリ一覧の取得に失敗しました"})
			log.Printf("カテゴリ一覧取得エラー: %v", err)
			return
		}

		responses := make([]categoryResponse, 0, len(cats))
		for _, cat := range cats {
			responses = append(responses, toCategoryResponse(cat))
		}

		c.JSON(http.StatusOK, responses)
	}
}

// handleGetCategory はカテゴリ詳細取得を処理するハンドラを返す。
func (s *Server) handleGetCategory() gin.HandlerFunc {
	return func(c *gin.Context) {
		cat, err := s.queries.GetCategoryByID(c.Request.Context(), c.Param("id"))
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "カテゴリが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カテゴリの取得に失敗しました"})
			log.Printf("カテゴリ取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toCategoryResponse(cat))
	}
}

// handleCreateCategory はカテゴリ作成を処理するハンドラを返す。
func (s *Server) handleCreateCategory() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req categoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		categoryID := uuid.New().String()
		if err := s.queries.CreateCategory(c.Request.Context(), CreateCategoryParams{
			ID:   categoryID,
			Name: req.Name,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カテゴリの作成に失敗しました"})
			log.Printf("カテゴリ作成エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, categoryResponse{ID: categoryID, Name: req.Name, IsActive: true})
	}
}

// handleUpdateCategory はカテゴリ更新を処理するハンドラを返す。
// 自DB内の商品の非正規化カテゴリ名を直接更新し、さらに
// category.updatedイベントをcartサービスに配送する。
func (s *Server) handleUpdateCategory() gin.HandlerFunc {
	return func(c *gin.Context) {
		categoryID := c.Param("id")

		if _, err := s.queries.GetCategoryByID(c.Request.Context(), categoryID); err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "カテゴリが見つかりません"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カテゴリの取得に失敗しました"})
			log.Printf("カテゴリ取得エラー: %v", err)
			return
		}

		var req categoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := s.queries.UpdateCategory(c.Request.Context(), UpdateCategoryParams{
			ID:   categoryID,
			Name: req.Name,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カテゴリの更新に失敗しました"})
			log.Printf("カテゴリ更新エラー: %v", err)
			return
		}

		// 自DB内の非正規化コピーを更新する
		updatedCount, err := s.queries.UpdateProductsCategoryName(c.Request.Context(), categoryID, req.Name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品のカテゴリ名更新に失敗しました"})
			log.Printf("カテゴリ名同期エラー: %v", err)
			return
		}
		log.Printf("カテゴリ %s の商品 %d 件のカテゴリ名を更新しました", categoryID, updatedCount)

		// 他サービスへ同期イベントを配送する。配送の完了は待たない
		go s.events.Publish(context.Background(), event.TypeCategoryUpdated, event.CategoryUpdatedPayload{
			CategoryID: categoryID,
			Name:       req.Name,
		})

		c.JSON(http.StatusOK, categoryResponse{ID: categoryID, Name: req.Name, IsActive: true})
	}
}

// handleInternalEvent はサービス間イベント受信を処理するハンドラを返す。
// category.updatedは自DB内の商品カテゴリ名を更新する。
// 未知のイベントは受理して無視する。
func (s *Server) handleInternalEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var env event.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("イベント形式が不正です: %v", err)})
			return
		}

		switch env.EventType {
		case event.TypeCategoryUpdated:
			payload, err := event.DecodePayload[event.CategoryUpdatedPayload](&env)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "イベントデータが不正です"})
				return
			}
			updatedCount, err := s.queries.UpdateProductsCategoryName(c.Request.Context(), payload.CategoryID, payload.Name)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの処理に失敗しました"})
				log.Printf("イベント処理エラー: %v", err)
				return
			}
			log.Printf("category.updatedイベントで商品 %d 件を更新しました", updatedCount)
		default:
			log.Printf("未対応のイベントを無視します: %s", env.EventType)
		}

		c.JSON(http.StatusOK, gin.H{"message": "イベントを処理しました"})
	}
}

// lookupCategoryName はカテゴリIDからカテゴリ名を取得する。
// 空のカテゴリIDは未分類として空文字列を返す。
func (s *Server) lookupCategoryName(c *gin.Context, categoryID string) (string, error) {
	if categoryID == "" {
		return "", nil
	}
	cat, err := s.queries.GetCategoryByID(c.Request.Context(), categoryID)
	if err != nil {
		return "", err
	}
	return cat.Name, nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
