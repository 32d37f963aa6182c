package order

import (
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

	"github.com/nao1215/minimart/pkg/middleware"
)

// 注文ステータス
const (
	// StatusPending は支払い待ち。
	StatusPending = "pending"
	// StatusConfirmed は確定済み。
	StatusConfirmed = "confirmed"
	// StatusDelivered は配達完了。
	StatusDelivered = "delivered"
	// StatusCancelled はキャンセル済み。
	StatusCancelled = "cancelled"
)

// statusTransitions は許可される注文ステータス遷移。
// delivered と cancelled は終端状態で、そこからの遷移はない。
var statusTransitions = map[string][]string{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusDelivered, StatusCancelled},
}

// canTransition はfromからtoへのステータス遷移が許可されるか判定する。
func canTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Server は注文サービスのHTTPサーバー。
// チェックアウト時にカートサービスからカート内容を取得し、
// スナップショットを注文明細として凍結する。
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
	// carts はカートサービスへの問い合わせクライアント。
	carts *cartClient
}

// NewServer は新しい注文サーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(port string) (*Server, error) {
	dsn := getEnvOr("ORDER_DB_PATH", "/data/order.db") + "?_journal_mode=WAL&_busy_timeout=5000"
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
		carts:     newCartClient(cartURL),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。全操作が認証必須。
func (s *Server) setupRoutes() {
	orders := s.router.Group("/api/v1/orders")
	orders.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// チェックアウト（カート内容から注文を作成）
		orders.POST("", s.handleCheckout())
		// 注文一覧取得（all=trueは管理者のみ全件）
		orders.GET("", s.handleListOrders())
		// 注文詳細取得（本人または管理者）
		orders.GET("/:id", s.handleGetOrder())
		// ステータス更新（管理者のみ）
		orders.PUT("/:id/status", s.handleUpdateStatus())
		// 注文キャンセル（本人）
		orders.POST("/:id/cancel", s.handleCancelOrder())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "order"})
	})
}

// statusRequest はステータス更新リクエストのJSON構造。
type statusRequest struct {
	// Status は更新後のステータス。
	Status string `json:"status" binding:"required,oneof=pending confirmed delivered cancelled"`
}

// orderItemResponse は注文明細のJSONレスポンス構造。
type orderItemResponse struct {
	// ProductID は商品ID。
	ProductID string `json:"product_id"`
	// Quantity は数量。
	Quantity int `json:"quantity"`
	// ProductName は確定時点の商品名。
	ProductName string `json:"product_name"`
	// ProductPrice は確定時点の価格。
	ProductPrice float64 `json:"product_price"`
	// ProductImage は確定時点の商品画像URL。
	ProductImage string `json:"product_image"`
	// LineTotal は行合計（価格×数量）。
	LineTotal float64 `json:"line_total"`
}

// orderResponse は注文のJSONレスポンス構造。
type orderResponse struct {
	// ID は注文の一意識別子。
	ID string `json:"id"`
	// UserID は注文したユーザーのID。
	UserID string `json:"user_id"`
	// Status は注文ステータス。
	Status string `json:"status"`
	// Items は注文明細一覧。
	Items []orderItemResponse `json:"items"`
	// Subtotal は割引前の合計。
	Subtotal float64 `json:"subtotal"`
	// Discount は割引額。
	Discount float64 `json:"discount"`
	// Total は割引後の合計。
	Total float64 `json:"total"`
	// PromoCode は適用されたプロモーションコード。
	PromoCode string `json:"promo_code"`
	// CreatedAt は注文日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// toOrderResponse はDB行をJSONレスポンスに変換する。
func toOrderResponse(o Order, items []OrderItem) orderResponse {
	resp := orderResponse{
		ID:        o.ID,
		UserID:    o.UserID,
		Status:    o.Status,
		Items:     make([]orderItemResponse, 0, len(items)),
		Subtotal:  o.Subtotal,
		Discount:  o.Discount,
		Total:     o.Total,
		PromoCode: o.PromoCode,
		CreatedAt: o.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt: o.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
	for _, item := range items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			ProductName:  item.ProductName,
			ProductPrice: item.ProductPrice,
			ProductImage: item.ProductImage,
			LineTotal:    item.ProductPrice * float64(item.Quantity),
		})
	}
	return resp
}

// handleCheckout はチェックアウトを処理するハンドラを返す。
// カートのスナップショットと合計をそのまま注文として凍結する。
// 注文作成後のカートクリアはベストエフォートで、失敗しても注文は成立する。
func (s *Server) handleCheckout() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		view, err := s.carts.getCart(c.Request.Context(), userID)
		if err == ErrCartNotFound {
			c.JSON(http.StatusBadRequest, gin.H{"error": "カートが空です"})
			return
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "カートサービスが利用できません"})
			log.Printf("カート取得エラー: %v", err)
			return
		}
		if len(view.Items) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "カートが空です"})
			return
		}

		promoCode := ""
		if view.Promo != nil {
			promoCode = view.Promo.Code
		}

		orderID := uuid.New().String()
		if err := s.queries.CreateOrder(c.Request.Context(), CreateOrderParams{
			ID:        orderID,
			UserID:    userID,
			Subtotal:  view.Subtotal,
			Discount:  view.Discount,
			Total:     view.Total,
			PromoCode: promoCode,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文の作成に失敗しました"})
			log.Printf("注文作成エラー: %v", err)
			return
		}

		for _, item := range view.Items {
			if err := s.queries.CreateOrderItem(c.Request.Context(), CreateOrderItemParams{
				OrderID:      orderID,
				ProductID:    item.ProductID,
				Quantity:     item.Quantity,
				ProductName:  item.ProductName,
				ProductPrice: item.ProductPrice,
				ProductImage: item.ProductImage,
			}); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "注文明細の作成に失敗しました"})
				log.Printf("注文明細作成エラー: %v", err)
				return
			}
		}

		// カートのクリアはベストエフォート。失敗は記録するだけ。
		if err := s.carts.clearCart(c.Request.Context(), userID); err != nil {
			log.Printf("注文後のカートクリアに失敗: user=%s err=%v", userID, err)
		}

		created, err := s.queries.GetOrderByID(c.Request.Context(), orderID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "作成した注文の取得に失敗しました"})
			log.Printf("注文取得エラー: %v", err)
			return
		}
		items, err := s.queries.ListOrderItems(c.Request.Context(), orderID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文明細の取得に失敗しました"})
			log.Printf("注文明細取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toOrderResponse(created, items))
	}
}

// handleListOrders は注文一覧取得を処理するハンドラを返す。
// all=true指定時は管理者に限り全ユーザーの注文を返す。
func (s *Server) handleListOrders() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := paginationParams(c)

		var (
			orders []Order
			err    error
		)
		if c.Query("all") == "true" {
			if middleware.GetRole(c) != middleware.RoleAdmin {
				c.JSON(http.StatusForbidden, gin.H{"error": "管理者権限が必要です"})
				return
			}
			orders, err = s.queries.ListAllOrders(c.Request.Context(), limit, offset)
		} else {
			orders, err = s.queries.ListOrdersByUser(c.Request.Context(), ListOrdersByUserParams{
				UserID: middleware.GetUserID(c),
				Limit:  limit,
				Offset: offset,
			})
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文一覧の取得に失敗しました"})
			log.Printf("注文一覧取得エラー: %v", err)
			return
		}

		responses := make([]orderResponse, 0, len(orders))
		for _, o := range orders {
			items, err := s.queries.ListOrderItems(c.Request.Context(), o.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "注文明細の取得に失敗しました"})
				log.Printf("注文明細取得エラー: %v", err)
				return
			}
			responses = append(responses, toOrderResponse(o, items))
		}

		c.JSON(http.StatusOK, responses)
	}
}

// handleGetOrder は注文詳細取得を処理するハンドラを返す。
// 本人の注文または管理者のみ参照できる。
func (s *Server) handleGetOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := s.queries.GetOrderByID(c.Request.Context(), c.Param("id"))
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "注文が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文の取得に失敗しました"})
			log.Printf("注文取得エラー: %v", err)
			return
		}

		if o.UserID != middleware.GetUserID(c) && middleware.GetRole(c) != middleware.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "この注文を参照する権限がありません"})
			return
		}

		items, err := s.queries.ListOrderItems(c.Request.Context(), o.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文明細の取得に失敗しました"})
			log.Printf("注文明細取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toOrderResponse(o, items))
	}
}

// handleUpdateStatus は注文ステータス更新を処理するハンドラを返す。
// 管理者のみ。許可されない遷移は409を返す。
func (s *Server) handleUpdateStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		if middleware.GetRole(c) != middleware.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "管理者権限が必要です"})
			return
		}

		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		o, err := s.queries.GetOrderByID(c.Request.Context(), c.Param("id"))
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "注文が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文の取得に失敗しました"})
			log.Printf("注文取得エラー: %v", err)
			return
		}

		if !canTransition(o.Status, req.Status) {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("ステータスを %s から %s に変更できません", o.Status, req.Status)})
			return
		}

		if err := s.queries.UpdateOrderStatus(c.Request.Context(), o.ID, req.Status); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ステータスの更新に失敗しました"})
			log.Printf("ステータス更新エラー: %v", err)
			return
		}

		updated, err := s.queries.GetOrderByID(c.Request.Context(), o.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "更新後の注文の取得に失敗しました"})
			log.Printf("注文取得エラー: %v", err)
			return
		}
		items, err := s.queries.ListOrderItems(c.Request.Context(), o.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文明細の取得に失敗しました"})
			log.Printf("注文明細取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toOrderResponse(updated, items))
	}
}

// handleCancelOrder は注文キャンセルを処理するハンドラを返す。
// 本人の注文のみ。配達完了済みやキャンセル済みの注文は409を返す。
func (s *Server) handleCancelOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := s.queries.GetOrderByID(c.Request.Context(), c.Param("id"))
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "注文が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文の取得に失敗しました"})
			log.Printf("注文取得エラー: %v", err)
			return
		}

		if o.UserID != middleware.GetUserID(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "この注文をキャンセルする権限がありません"})
			return
		}

		if !canTransition(o.Status, StatusCancelled) {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("ステータス %s の注文はキャンセルできません", o.Status)})
			return
		}

		if err := s.queries.UpdateOrderStatus(c.Request.Context(), o.ID, StatusCancelled); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文のキャンセルに失敗しました"})
			log.Printf("キャンセルエラー: %v", err)
			return
		}

		cancelled, err := s.queries.GetOrderByID(c.Request.Context(), o.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "キャンセル後の注文の取得に失敗しました"})
			log.Printf("注文取得エラー: %v", err)
			return
		}
		items, err := s.queries.ListOrderItems(c.Request.Context(), o.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文明細の取得に失敗しました"})
			log.Printf("注文明細取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toOrderResponse(cancelled, items))
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

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
