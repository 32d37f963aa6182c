package cart

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/minimart/pkg/event"
	"github.com/nao1215/minimart/pkg/middleware"
)

// Server はカートサービスのHTTPサーバー。
// カート・ウィッシュリスト・プロモーションコードを担当する。
// 商品情報は追加時に商品サービスから取得してスナップショットとして保存し、
// 以後はproduct.updatedイベントでのみ更新する。
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
	// products は商品サービスへの問い合わせクライアント。
	products *productClient
	// events は受信イベントの処理オブジェクト。
	events *eventProcessor
}

// NewServer は新しいカートサーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(port string) (*Server, error) {
	dsn := getEnvOr("CART_DB_PATH", "/data/cart.db") + "?_journal_mode=WAL&_busy_timeout=5000"
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

	productURL := getEnvOr("PRODUCT_URL", "http://localhost:8082")

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:    router,
		port:      port,
		queries:   NewQueries(db),
		db:        db,
		jwtSecret: jwtSecret,
		products:  newProductClient(productURL),
		events:    newEventProcessor(),
	}
	s.setupRoutes()

	if err := s.seedPromoCodes(context.Background()); err != nil {
		return nil, fmt.Errorf("プロモーションコード初期化に失敗: %w", err)
	}

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。全操作が認証必須。
func (s *Server) setupRoutes() {
	cart := s.router.Group("/api/v1/cart")
	cart.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// カート内容取得（合計・割引込み）
		cart.GET("", s.handleGetCart())
		// 商品追加
		cart.POST("/add", s.handleAddToCart())
		// 商品削除
		cart.POST("/remove", s.handleRemoveFromCart())
		// カートを空にする
		cart.DELETE("/clear", s.handleClearCart())
		// プロモーションコード適用
		cart.POST("/promo/apply", s.handleApplyPromo())
		// プロモーションコード解除
		cart.DELETE("/promo/remove", s.handleRemovePromo())
	}

	wishlist := s.router.Group("/api/v1/wishlist")
	wishlist.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// ウィッシュリスト取得
		wishlist.GET("", s.handleGetWishlist())
		// 商品追加
		wishlist.POST("/add", s.handleAddToWishlist())
		// 商品削除
		wishlist.POST("/remove", s.handleRemoveFromWishlist())
		// カートへ移動
		wishlist.POST("/move-to-cart", s.handleMoveToCart())
		// ウィッシュリストを空にする
		wishlist.DELETE("/clear", s.handleClearWishlist())
	}

	internal := s.router.Group("/internal")
	{
		// サービス間イベント受信
		internal.POST("/events", s.handleInternalEvent())
		// デッドレター一覧（運用確認用）
		internal.GET("/events/dead-letters", s.handleListDeadLetters())
		// 注文サービス向けカート参照
		internal.GET("/cart/:user_id", s.handleInternalGetCart())
		// 注文サービス向けカートクリア
		internal.DELETE("/cart/:user_id", s.handleInternalClearCart())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "cart"})
	})
}

// seedPromoCodes は開発用のプロモーションコードを投入する。
// 既にコードが存在する場合は何もしない。
func (s *Server) seedPromoCodes(ctx context.Context) error {
	count, err := s.queries.CountPromoCodes(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	seeds := []CreatePromoCodeParams{
		{
			ID:            uuid.New().String(),
			Code:          "WELCOME10",
			DiscountType:  discountTypePercentage,
			DiscountValue: 10,
		},
		{
			ID:                uuid.New().String(),
			Code:              "SAVE5",
			DiscountType:      discountTypeFixedAmount,
			DiscountValue:     5,
			MinimumOrderValue: 25,
		},
	}
	for _, seed := range seeds {
		if err := s.queries.CreatePromoCode(ctx, seed); err != nil {
			return err
		}
	}
	log.Printf("プロモーションコード %d 件を投入しました", len(seeds))
	return nil
}

// 割引種別
const (
	discountTypePercentage  = "percentage"
	discountTypeFixedAmount = "fixed_amount"
)

// itemRequest はカート・ウィッシュリスト操作リクエストのJSON構造。
type itemRequest struct {
	// ProductID は対象の商品ID。
	ProductID string `json:"product_id" binding:"required"`
	// Quantity は数量。カート追加時のみ使用し、省略時は1。
	Quantity int `json:"quantity" binding:"gte=0"`
}

// promoRequest はプロモーションコード適用リクエストのJSON構造。
type promoRequest struct {
	// Code はコード文字列。
	Code string `json:"code" binding:"required"`
}

// cartItemResponse はカート内商品のJSONレスポンス構造。
type cartItemResponse struct {
	// ProductID は商品ID。
	ProductID string `json:"product_id"`
	// Quantity は数量。
	Quantity int `json:"quantity"`
	// ProductName は商品名のスナップショット。
	ProductName string `json:"product_name"`
	// ProductPrice は価格のスナップショット。
	ProductPrice float64 `json:"product_price"`
	// ProductImage は商品画像URLのスナップショット。
	ProductImage string `json:"product_image"`
	// LineTotal は行合計（価格×数量）。
	LineTotal float64 `json:"line_total"`
}

// promoResponse は適用中プロモーションコードのJSONレスポンス構造。
type promoResponse struct {
	// Code はコード文字列。
	Code string `json:"code"`
	// DiscountType は割引種別。
	DiscountType string `json:"discount_type"`
	// DiscountValue は割引値。
	DiscountValue float64 `json:"discount_value"`
}

// cartResponse はカートのJSONレスポンス構造。
type cartResponse struct {
	// ID はカートID。
	ID string `json:"id"`
	// UserID はユーザーID。
	UserID string `json:"user_id"`
	// Items はカート内商品一覧。
	Items []cartItemResponse `json:"items"`
	// Subtotal は割引前の合計。
	Subtotal float64 `json:"subtotal"`
	// Discount は割引額。
	Discount float64 `json:"discount"`
	// Total は割引後の合計。
	Total float64 `json:"total"`
	// Promo は適用中のプロモーションコード。未適用時はnull。
	Promo *promoResponse `json:"promo"`
}

// wishlistItemResponse はウィッシュリスト内商品のJSONレスポンス構造。
type wishlistItemResponse struct {
	// ProductID は商品ID。
	ProductID string `json:"product_id"`
	// ProductName は商品名のスナップショット。
	ProductName string `json:"product_name"`
	// ProductPrice は価格のスナップショット。
	ProductPrice float64 `json:"product_price"`
	// ProductImage は商品画像URLのスナップショット。
	ProductImage string `json:"product_image"`
}

// wishlistResponse はウィッシュリストのJSONレスポンス構造。
type wishlistResponse struct {
	// ID はウィッシュリストID。
	ID string `json:"id"`
	// UserID はユーザーID。
	UserID string `json:"user_id"`
	// Items はウィッシュリスト内商品一覧。
	Items []wishlistItemResponse `json:"items"`
}

// getOrCreateCart はユーザーのカートを取得し、なければ作成する。
func (s *Server) getOrCreateCart(ctx context.Context, userID string) (Cart, error) {
	cart, err := s.queries.GetCartByUserID(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if err != sql.ErrNoRows {
		return Cart{}, err
	}

	cartID := uuid.New().String()
	if err := s.queries.CreateCart(ctx, cartID, userID); err != nil {
		return Cart{}, err
	}
	return s.queries.GetCartByUserID(ctx, userID)
}

// getOrCreateWishlist はユーザーのウィッシュリストを取得し、なければ作成する。
func (s *Server) getOrCreateWishlist(ctx context.Context, userID string) (Wishlist, error) {
	w, err := s.queries.GetWishlistByUserID(ctx, userID)
	if err == nil {
		return w, nil
	}
	if err != sql.ErrNoRows {
		return Wishlist{}, err
	}

	wishlistID := uuid.New().String()
	if err := s.queries.CreateWishlist(ctx, wishlistID, userID); err != nil {
		return Wishlist{}, err
	}
	return s.queries.GetWishlistByUserID(ctx, userID)
}

// buildCartResponse はカートの内容・合計・割引を組み立てる。
// 適用中のプロモーションコードが現在無効になっている場合は割引0として扱う。
func (s *Server) buildCartResponse(ctx context.Context, cart Cart) (cartResponse, error) {
	items, err := s.queries.ListCartItems(ctx, cart.ID)
	if err != nil {
		return cartResponse{}, err
	}

	resp := cartResponse{
		ID:     cart.ID,
		UserID: cart.UserID,
		Items:  make([]cartItemResponse, 0, len(items)),
	}
	for _, item := range items {
		lineTotal := item.ProductPrice * float64(item.Quantity)
		resp.Items = append(resp.Items, cartItemResponse{
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			ProductName:  item.ProductName,
			ProductPrice: item.ProductPrice,
			ProductImage: item.ProductImage,
			LineTotal:    lineTotal,
		})
		resp.Subtotal += lineTotal
	}

	promo, err := s.queries.GetCartPromoCode(ctx, cart.ID)
	if err == nil {
		resp.Promo = &promoResponse{
			Code:          promo.Code,
			DiscountType:  promo.DiscountType,
			DiscountValue: promo.DiscountValue,
		}
		if promoStillValid(promo, time.Now()) {
			resp.Discount = calcDiscount(promo, resp.Subtotal)
		}
	} else if err != sql.ErrNoRows {
		return cartResponse{}, err
	}

	resp.Total = resp.Subtotal - resp.Discount
	if resp.Total < 0 {
		resp.Total = 0
	}
	return resp, nil
}

// promoStillValid は適用済みのプロモーションコードが現在も有効かを返す。
// 適用後に無効化・期限切れになったコードの割引を打ち切るために使う。
// 使用回数は適用時に消費済みのため再検証しない。
func promoStillValid(promo PromoCode, now time.Time) bool {
	if !promo.IsActive {
		return false
	}
	if promo.ValidFrom.Valid && now.Before(promo.ValidFrom.Time) {
		return false
	}
	if promo.ValidUntil.Valid && now.After(promo.ValidUntil.Time) {
		return false
	}
	return true
}

// calcDiscount はプロモーションコードによる割引額を計算する。
// 最低注文金額を満たさない場合は0を返す。割引は小計を超えない。
func calcDiscount(promo PromoCode, subtotal float64) float64 {
	if subtotal < promo.MinimumOrderValue {
		return 0
	}

	var discount float64
	switch promo.DiscountType {
	case discountTypePercentage:
		discount = subtotal * promo.DiscountValue / 100
	case discountTypeFixedAmount:
		discount = promo.DiscountValue
	}
	if discount > subtotal {
		discount = subtotal
	}
	return discount
}

// handleGetCart はカート内容取得を処理するハンドラを返す。
func (s *Server) handleGetCart() gin.HandlerFunc {
	return func(c *gin.Context) {
		cart, err := s.getOrCreateCart(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート取得エラー: %v", err)
			return
		}

		resp, err := s.buildCartResponse(c.Request.Context(), cart)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// handleAddToCart はカートへの商品追加を処理するハンドラを返す。
// 商品サービスから現在の商品情報を取得してスナップショットとして保存する。
func (s *Server) handleAddToCart() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req itemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.Quantity == 0 {
			req.Quantity = 1
		}

		info, err := s.products.getProduct(c.Request.Context(), req.ProductID)
		if err == ErrProductNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "商品サービスが利用できません"})
			log.Printf("商品情報取得エラー: %v", err)
			return
		}

		cart, err := s.getOrCreateCart(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート取得エラー: %v", err)
			return
		}

		if err := s.queries.UpsertCartItem(c.Request.Context(), UpsertCartItemParams{
			CartID:       cart.ID,
			ProductID:    info.ID,
			Quantity:     req.Quantity,
			ProductName:  info.Name,
			ProductPrice: info.Price,
			ProductImage: info.ImageURL,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートへの追加に失敗しました"})
			log.Printf("カート追加エラー: %v", err)
			return
		}

		resp, err := s.buildCartResponse(c.Request.Context(), cart)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// handleRemoveFromCart はカートからの商品削除を処理するハンドラを返す。
func (s *Server) handleRemoveFromCart() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req itemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		cart, err := s.getOrCreateCart(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート取得エラー: %v", err)
			return
		}

		removed, err := s.queries.RemoveCartItem(c.Request.Context(), cart.ID, req.ProductID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートからの削除に失敗しました"})
			log.Printf("カート削除エラー: %v", err)
			return
		}
		if removed == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "カートに該当する商品がありません"})
			return
		}

		resp, err := s.buildCartResponse(c.Request.Context(), cart)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// handleClearCart はカートを空にする処理のハンドラを返す。
func (s *Server) handleClearCart() gin.HandlerFunc {
	return func(c *gin.Context) {
		cart, err := s.getOrCreateCart(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート取得エラー: %v", err)
			return
		}

		if err := s.queries.ClearCart(c.Request.Context(), cart.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートのクリアに失敗しました"})
			log.Printf("カートクリアエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "カートを空にしました"})
	}
}

// handleApplyPromo はプロモーションコード適用を処理するハンドラを返す。
// 無効なコード・期間外・使用回数超過・最低注文金額未満は400を返す。
func (s *Server) handleApplyPromo() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req promoRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		promo, err := s.queries.GetPromoCodeByCode(c.Request.Context(), req.Code)
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "プロモーションコードが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロモーションコードの取得に失敗しました"})
			log.Printf("プロモーションコード取得エラー: %v", err)
			return
		}

		cart, err := s.getOrCreateCart(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート取得エラー: %v", err)
			return
		}

		resp, err := s.buildCartResponse(c.Request.Context(), cart)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート組み立てエラー: %v", err)
			return
		}

		if reason := validatePromo(promo, resp.Subtotal, time.Now()); reason != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": reason})
			return
		}

		if err := s.queries.AttachPromoCode(c.Request.Context(), cart.ID, promo.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロモーションコードの適用に失敗しました"})
			log.Printf("プロモーションコード適用エラー: %v", err)
			return
		}

		resp, err = s.buildCartResponse(c.Request.Context(), cart)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// validatePromo はプロモーションコードの適用可否を検証する。
// 適用できない場合はその理由を返し、適用できる場合は空文字列を返す。
func validatePromo(promo PromoCode, subtotal float64, now time.Time) string {
	if !promo.IsActive {
		return "このプロモーションコードは無効です"
	}
	if promo.ValidFrom.Valid && now.Before(promo.ValidFrom.Time) {
		return "このプロモーションコードはまだ利用できません"
	}
	if promo.ValidUntil.Valid && now.After(promo.ValidUntil.Time) {
		return "このプロモーションコードは期限切れです"
	}
	if promo.MaxUses.Valid && int64(promo.UsedCount) >= promo.MaxUses.Int64 {
		return "このプロモーションコードは使用回数の上限に達しました"
	}
	if subtotal < promo.MinimumOrderValue {
		return fmt.Sprintf("このプロモーションコードの利用には%.2f以上の注文が必要です", promo.MinimumOrderValue)
	}
	return ""
}

// handleRemovePromo はプロモーションコード解除を処理するハンドラを返す。
func (s *Server) handleRemovePromo() gin.HandlerFunc {
	return func(c *gin.Context) {
		cart, err := s.getOrCreateCart(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート取得エラー: %v", err)
			return
		}

		if err := s.queries.DetachPromoCode(c.Request.Context(), cart.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロモーションコードの解除に失敗しました"})
			log.Printf("プロモーションコード解除エラー: %v", err)
			return
		}

		resp, err := s.buildCartResponse(c.Request.Context(), cart)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// handleGetWishlist はウィッシュリスト取得を処理するハンドラを返す。
func (s *Server) handleGetWishlist() gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := s.getOrCreateWishlist(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストの取得に失敗しました"})
			log.Printf("ウィッシュリスト取得エラー: %v", err)
			return
		}

		resp, err := s.buildWishlistResponse(c.Request.Context(), w)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストの取得に失敗しました"})
			log.Printf("ウィッシュリスト組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// buildWishlistResponse はウィッシュリストの内容を組み立てる。
func (s *Server) buildWishlistResponse(ctx context.Context, w Wishlist) (wishlistResponse, error) {
	items, err := s.queries.ListWishlistItems(ctx, w.ID)
	if err != nil {
		return wishlistResponse{}, err
	}

	resp := wishlistResponse{
		ID:     w.ID,
		UserID: w.UserID,
		Items:  make([]wishlistItemResponse, 0, len(items)),
	}
	for _, item := range items {
		resp.Items = append(resp.Items, wishlistItemResponse{
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			ProductPrice: item.ProductPrice,
			ProductImage: item.ProductImage,
		})
	}
	return resp, nil
}

// handleAddToWishlist はウィッシュリストへの商品追加を処理するハンドラを返す。
func (s *Server) handleAddToWishlist() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req itemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		info, err := s.products.getProduct(c.Request.Context(), req.ProductID)
		if err == ErrProductNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "商品サービスが利用できません"})
			log.Printf("商品情報取得エラー: %v", err)
			return
		}

		w, err := s.getOrCreateWishlist(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストの取得に失敗しました"})
			log.Printf("ウィッシュリスト取得エラー: %v", err)
			return
		}

		if err := s.queries.UpsertWishlistItem(c.Request.Context(), UpsertWishlistItemParams{
			WishlistID:   w.ID,
			ProductID:    info.ID,
			ProductName:  info.Name,
			ProductPrice: info.Price,
			ProductImage: info.ImageURL,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストへの追加に失敗しました"})
			log.Printf("ウィッシュリスト追加エラー: %v", err)
			return
		}

		resp, err := s.buildWishlistResponse(c.Request.Context(), w)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストの取得に失敗しました"})
			log.Printf("ウィッシュリスト組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// handleRemoveFromWishlist はウィッシュリストからの商品削除を処理するハンドラを返す。
func (s *Server) handleRemoveFromWishlist() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req itemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		w, err := s.getOrCreateWishlist(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストの取得に失敗しました"})
			log.Printf("ウィッシュリスト取得エラー: %v", err)
			return
		}

		removed, err := s.queries.RemoveWishlistItem(c.Request.Context(), w.ID, req.ProductID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストからの削除に失敗しました"})
			log.Printf("ウィッシュリスト削除エラー: %v", err)
			return
		}
		if removed == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "ウィッシュリストに該当する商品がありません"})
			return
		}

		resp, err := s.buildWishlistResponse(c.Request.Context(), w)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストの取得に失敗しました"})
			log.Printf("ウィッシュリスト組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// handleMoveToCart はウィッシュリストの商品をカートへ移動する処理のハンドラを返す。
// スナップショットはウィッシュリストのものをそのまま引き継ぎ、
// 商品サービスへの問い合わせは行わない。
func (s *Server) handleMoveToCart() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req itemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		userID := middleware.GetUserID(c)
		w, err := s.getOrCreateWishlist(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストの取得に失敗しました"})
			log.Printf("ウィッシュリスト取得エラー: %v", err)
			return
		}

		item, err := s.queries.GetWishlistItem(c.Request.Context(), w.ID, req.ProductID)
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "ウィッシュリストに該当する商品がありません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストの取得に失敗しました"})
			log.Printf("ウィッシュリスト取得エラー: %v", err)
			return
		}

		cart, err := s.getOrCreateCart(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート取得エラー: %v", err)
			return
		}

		if err := s.queries.UpsertCartItem(c.Request.Context(), UpsertCartItemParams{
			CartID:       cart.ID,
			ProductID:    item.ProductID,
			Quantity:     1,
			ProductName:  item.ProductName,
			ProductPrice: item.ProductPrice,
			ProductImage: item.ProductImage,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートへの追加に失敗しました"})
			log.Printf("カート追加エラー: %v", err)
			return
		}

		if _, err := s.queries.RemoveWishlistItem(c.Request.Context(), w.ID, req.ProductID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストからの削除に失敗しました"})
			log.Printf("ウィッシュリスト削除エラー: %v", err)
			return
		}

		resp, err := s.buildCartResponse(c.Request.Context(), cart)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// handleClearWishlist はウィッシュリストを空にする処理のハンドラを返す。
func (s *Server) handleClearWishlist() gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := s.getOrCreateWishlist(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストの取得に失敗しました"})
			log.Printf("ウィッシュリスト取得エラー: %v", err)
			return
		}

		if err := s.queries.ClearWishlist(c.Request.Context(), w.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウィッシュリストのクリアに失敗しました"})
			log.Printf("ウィッシュリストクリアエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "ウィッシュリストを空にしました"})
	}
}

// handleInternalEvent はサービス間イベント受信を処理するハンドラを返す。
// product.updatedはカート・ウィッシュリスト内のスナップショットと
// 商品キャッシュを更新する。未知のイベントは受理して無視する。
func (s *Server) handleInternalEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var env event.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("イベント形式が不正です: %v", err)})
			return
		}

		switch env.EventType {
		case event.TypeProductUpdated:
			payload, err := event.DecodePayload[event.ProductUpdatedPayload](&env)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "イベントデータが不正です"})
				return
			}
			if err := s.applyProductUpdate(c.Request.Context(), &env, payload); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの処理に失敗しました"})
				return
			}
		default:
			log.Printf("未対応のイベントを無視します: %s", env.EventType)
		}

		c.JSON(http.StatusOK, gin.H{"message": "イベントを処理しました"})
	}
}

// applyProductUpdate はproduct.updatedイベントをリトライ付きで反映する。
func (s *Server) applyProductUpdate(ctx context.Context, env *event.Envelope, payload *event.ProductUpdatedPayload) error {
	s.products.invalidate(payload.ProductID)

	return s.events.process(ctx, env, func(ctx context.Context) error {
		cartCount, err := s.queries.UpdateCartItemSnapshots(ctx, payload.ProductID, payload.Name, payload.Price, payload.ImageURL)
		if err != nil {
			return err
		}
		wishlistCount, err := s.queries.UpdateWishlistItemSnapshots(ctx, payload.ProductID, payload.Name, payload.Price, payload.ImageURL)
		if err != nil {
			return err
		}
		log.Printf("product.updatedイベントでカート %d 件・ウィッシュリスト %d 件を更新しました", cartCount, wishlistCount)
		return nil
	})
}

// handleListDeadLetters はデッドレター一覧取得を処理するハンドラを返す。
func (s *Server) handleListDeadLetters() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"dead_letters": s.events.list()})
	}
}

// handleInternalGetCart は注文サービス向けのカート参照を処理するハンドラを返す。
// ゲートウェイには公開されない内部エンドポイント。
func (s *Server) handleInternalGetCart() gin.HandlerFunc {
	return func(c *gin.Context) {
		cart, err := s.queries.GetCartByUserID(c.Request.Context(), c.Param("user_id"))
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "カートが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート取得エラー: %v", err)
			return
		}

		resp, err := s.buildCartResponse(c.Request.Context(), cart)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート組み立てエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// handleInternalClearCart は注文サービス向けのカートクリアを処理するハンドラを返す。
// 注文確定後にカートを空にするために呼ばれる。
func (s *Server) handleInternalClearCart() gin.HandlerFunc {
	return func(c *gin.Context) {
		cart, err := s.queries.GetCartByUserID(c.Request.Context(), c.Param("user_id"))
		if err == sql.ErrNoRows {
			c.JSON(http.StatusOK, gin.H{"message": "カートは存在しません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートの取得に失敗しました"})
			log.Printf("カート取得エラー: %v", err)
			return
		}

		if err := s.queries.ClearCart(c.Request.Context(), cart.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "カートのクリアに失敗しました"})
			log.Printf("カートクリアエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "カートを空にしました"})
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
