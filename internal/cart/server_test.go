package cart

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/minimart/pkg/breaker"
	"github.com/nao1215/minimart/pkg/event"
	"github.com/nao1215/minimart/pkg/httpclient"
	"github.com/nao1215/minimart/pkg/middleware"
	"github.com/nao1215/minimart/pkg/ttlcache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret"

// productStore は商品サービスのモックが返す商品の保管庫。
// テスト中に商品を書き換えてスナップショットの鮮度を検証する。
type productStore struct {
	mu       sync.Mutex
	products map[string]productInfo
}

// set は商品を登録または上書きする。
func (ps *productStore) set(info productInfo) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.products[info.ID] = info
}

// setupTestServer はテスト用のカートサーバーをインメモリSQLiteで構築する。
// 商品サービスのモックも生成する。キャッシュは無効化し、
// モックの書き換えが即座に見えるようにする。
func setupTestServer(t *testing.T) (*Server, *gin.Engine, *productStore) {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := initSchema(db); err != nil {
		t.Fatalf("スキーマ初期化に失敗: %v", err)
	}

	store := &productStore{products: map[string]productInfo{}}
	productSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Path, "/api/products/")
		store.mu.Lock()
		info, ok := store.products[id]
		store.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
			return
		}
		json.NewEncoder(w).Encode(info)
	}))
	t.Cleanup(productSvc.Close)

	router := gin.New()
	s := &Server{
		router:    router,
		port:      "0",
		queries:   NewQueries(db),
		db:        db,
		jwtSecret: testSecret,
		products: &productClient{
			client:  httpclient.New(productSvc.URL),
			cache:   ttlcache.New[productInfo](time.Nanosecond, 0),
			breaker: breaker.New("product", 3, 60*time.Second),
		},
		events: &eventProcessor{retryDelay: time.Millisecond},
	}
	s.setupRoutes()

	if err := s.seedPromoCodes(context.Background()); err != nil {
		t.Fatalf("プロモーションコード初期化に失敗: %v", err)
	}

	return s, router, store
}

// userToken はテスト用のユーザートークンを発行するヘルパー関数。
func userToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testSecret, userID, userID+"@example.com", middleware.RoleCustomer)
	if err != nil {
		t.Fatalf("トークン生成に失敗: %v", err)
	}
	return token
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// addToCart はテスト用にカートへ商品を追加するヘルパー関数。
func addToCart(t *testing.T, router *gin.Engine, token, productID string, quantity int) map[string]any {
	t.Helper()
	w := doRequest(router, http.MethodPost, "/api/v1/cart/add", token, map[string]any{
		"product_id": productID,
		"quantity":   quantity,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("カート追加に失敗: code=%d, body=%s", w.Code, w.Body.String())
	}
	return parseJSON(t, w)
}

// cartItems はカートレスポンスから商品一覧を取り出すヘルパー関数。
func cartItems(t *testing.T, result map[string]any) []map[string]any {
	t.Helper()
	raw, ok := result["items"].([]any)
	if !ok {
		t.Fatalf("itemsフィールドがありません: %v", result)
	}
	items := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		items = append(items, r.(map[string]any))
	}
	return items
}

// TestHandleAddToCart はカート追加ハンドラのテスト。
func TestHandleAddToCart(t *testing.T) {
	t.Parallel()

	t.Run("商品を追加するとスナップショットが保存される", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 1.5, ImageURL: "http://img/p1.png"})

		result := addToCart(t, router, userToken(t, "user-1"), "p1", 2)

		items := cartItems(t, result)
		if len(items) != 1 {
			t.Fatalf("件数: got %d, want 1", len(items))
		}
		if items[0]["product_name"] != "緑茶" {
			t.Errorf("product_name: got %v, want 緑茶", items[0]["product_name"])
		}
		if items[0]["quantity"].(float64) != 2 {
			t.Errorf("quantity: got %v, want 2", items[0]["quantity"])
		}
		if result["subtotal"].(float64) != 3.0 {
			t.Errorf("subtotal: got %v, want 3.0", result["subtotal"])
		}
	})

	t.Run("同じ商品の追加は数量を加算する", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 1.5})

		token := userToken(t, "user-1")
		addToCart(t, router, token, "p1", 1)
		result := addToCart(t, router, token, "p1", 2)

		items := cartItems(t, result)
		if items[0]["quantity"].(float64) != 3 {
			t.Errorf("quantity: got %v, want 3", items[0]["quantity"])
		}
	})

	t.Run("存在しない商品はNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/cart/add", userToken(t, "user-1"), map[string]any{
			"product_id": "no-such-product",
		})

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("トークンなしはUnauthorized", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/cart/add", "", map[string]any{
			"product_id": "p1",
		})

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestCartSnapshotStaleness はスナップショットがイベントによってのみ
// 更新されることを検証する。商品サービス側の変更は、イベントが届くまで
// カートには反映されない。
func TestCartSnapshotStaleness(t *testing.T) {
	t.Parallel()

	_, router, store := setupTestServer(t)
	store.set(productInfo{ID: "p1", Name: "緑茶", Price: 1.5})

	token := userToken(t, "user-1")
	addToCart(t, router, token, "p1", 1)

	// 商品サービス側で値上げしてもカートのスナップショットは変わらない
	store.set(productInfo{ID: "p1", Name: "緑茶", Price: 9.9})

	w := doRequest(router, http.MethodGet, "/api/v1/cart", token, nil)
	result := parseJSON(t, w)
	items := cartItems(t, result)
	if items[0]["product_price"].(float64) != 1.5 {
		t.Errorf("product_price: got %v, want 1.5（イベント前は旧価格のまま）", items[0]["product_price"])
	}

	// product.updatedイベントが届くとスナップショットが更新される
	env, err := event.NewEnvelope(event.TypeProductUpdated, event.ProductUpdatedPayload{
		ProductID: "p1",
		Name:      "緑茶",
		Price:     9.9,
	})
	if err != nil {
		t.Fatalf("イベント作成に失敗: %v", err)
	}
	w = doRequest(router, http.MethodPost, "/internal/events", "", env)
	if w.Code != http.StatusOK {
		t.Fatalf("イベント送信に失敗: code=%d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(router, http.MethodGet, "/api/v1/cart", token, nil)
	result = parseJSON(t, w)
	items = cartItems(t, result)
	if items[0]["product_price"].(float64) != 9.9 {
		t.Errorf("product_price: got %v, want 9.9（イベント後は新価格）", items[0]["product_price"])
	}
}

// TestHandleRemoveFromCart はカート削除ハンドラのテスト。
func TestHandleRemoveFromCart(t *testing.T) {
	t.Parallel()

	t.Run("商品を削除できる", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 1.5})

		token := userToken(t, "user-1")
		addToCart(t, router, token, "p1", 1)

		w := doRequest(router, http.MethodPost, "/api/v1/cart/remove", token, map[string]any{
			"product_id": "p1",
		})

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		result := parseJSON(t, w)
		if len(cartItems(t, result)) != 0 {
			t.Error("カートが空になっていません")
		}
	})

	t.Run("カートにない商品の削除はNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/cart/remove", userToken(t, "user-1"), map[string]any{
			"product_id": "p1",
		})

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleApplyPromo はプロモーションコード適用ハンドラのテスト。
func TestHandleApplyPromo(t *testing.T) {
	t.Parallel()

	t.Run("パーセント割引が合計に反映される", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 10.0})

		token := userToken(t, "user-1")
		addToCart(t, router, token, "p1", 2)

		w := doRequest(router, http.MethodPost, "/api/v1/cart/promo/apply", token, map[string]string{
			"code": "WELCOME10",
		})

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		result := parseJSON(t, w)
		if result["subtotal"].(float64) != 20.0 {
			t.Errorf("subtotal: got %v, want 20.0", result["subtotal"])
		}
		if result["discount"].(float64) != 2.0 {
			t.Errorf("discount: got %v, want 2.0", result["discount"])
		}
		if result["total"].(float64) != 18.0 {
			t.Errorf("total: got %v, want 18.0", result["total"])
		}
	})

	t.Run("最低注文金額未満はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 10.0})

		token := userToken(t, "user-1")
		addToCart(t, router, token, "p1", 1)

		// SAVE5は25以上の注文が必要
		w := doRequest(router, http.MethodPost, "/api/v1/cart/promo/apply", token, map[string]string{
			"code": "SAVE5",
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusBadRequest, w.Body.String())
		}
	})

	t.Run("固定額割引が合計に反映される", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 10.0})

		token := userToken(t, "user-1")
		addToCart(t, router, token, "p1", 3)

		w := doRequest(router, http.MethodPost, "/api/v1/cart/promo/apply", token, map[string]string{
			"code": "SAVE5",
		})

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		result := parseJSON(t, w)
		if result["total"].(float64) != 25.0 {
			t.Errorf("total: got %v, want 25.0", result["total"])
		}
	})

	t.Run("存在しないコードはNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/cart/promo/apply", userToken(t, "user-1"), map[string]string{
			"code": "NO-SUCH-CODE",
		})

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("適用後に無効化されたコードは割引されない", func(t *testing.T) {
		t.Parallel()
		s, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 10.0})

		token := userToken(t, "user-1")
		addToCart(t, router, token, "p1", 2)
		doRequest(router, http.MethodPost, "/api/v1/cart/promo/apply", token, map[string]string{"code": "WELCOME10"})

		if _, err := s.db.Exec(`UPDATE promo_codes SET is_active = 0 WHERE code = 'WELCOME10'`); err != nil {
			t.Fatalf("コードの無効化に失敗: %v", err)
		}

		w := doRequest(router, http.MethodGet, "/api/v1/cart", token, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSON(t, w)
		if result["discount"].(float64) != 0 {
			t.Errorf("discount: got %v, want 0", result["discount"])
		}
		if result["total"].(float64) != 20.0 {
			t.Errorf("total: got %v, want 20.0", result["total"])
		}
	})

	t.Run("コードを解除すると割引がなくなる", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 10.0})

		token := userToken(t, "user-1")
		addToCart(t, router, token, "p1", 2)
		doRequest(router, http.MethodPost, "/api/v1/cart/promo/apply", token, map[string]string{"code": "WELCOME10"})

		w := doRequest(router, http.MethodDelete, "/api/v1/cart/promo/remove", token, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSON(t, w)
		if result["discount"].(float64) != 0 {
			t.Errorf("discount: got %v, want 0", result["discount"])
		}
		if result["promo"] != nil {
			t.Errorf("promo: got %v, want nil", result["promo"])
		}
	})
}

// TestValidatePromo はプロモーションコード検証のテスト。
func TestValidatePromo(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("無効化されたコードは使えない", func(t *testing.T) {
		t.Parallel()
		promo := PromoCode{Code: "X", DiscountType: discountTypePercentage, DiscountValue: 10, IsActive: false}
		if reason := validatePromo(promo, 100, now); reason == "" {
			t.Error("無効なコードが通ってしまいました")
		}
	})

	t.Run("期限切れのコードは使えない", func(t *testing.T) {
		t.Parallel()
		promo := PromoCode{
			Code: "X", DiscountType: discountTypePercentage, DiscountValue: 10, IsActive: true,
			ValidUntil: nullTime(now.Add(-time.Hour)),
		}
		if reason := validatePromo(promo, 100, now); reason == "" {
			t.Error("期限切れのコードが通ってしまいました")
		}
	})

	t.Run("開始前のコードは使えない", func(t *testing.T) {
		t.Parallel()
		promo := PromoCode{
			Code: "X", DiscountType: discountTypePercentage, DiscountValue: 10, IsActive: true,
			ValidFrom: nullTime(now.Add(time.Hour)),
		}
		if reason := validatePromo(promo, 100, now); reason == "" {
			t.Error("開始前のコードが通ってしまいました")
		}
	})

	t.Run("使用回数超過のコードは使えない", func(t *testing.T) {
		t.Parallel()
		promo := PromoCode{
			Code: "X", DiscountType: discountTypePercentage, DiscountValue: 10, IsActive: true,
			MaxUses: nullInt64(5), UsedCount: 5,
		}
		if reason := validatePromo(promo, 100, now); reason == "" {
			t.Error("使用回数超過のコードが通ってしまいました")
		}
	})

	t.Run("条件を満たすコードは使える", func(t *testing.T) {
		t.Parallel()
		promo := PromoCode{
			Code: "X", DiscountType: discountTypePercentage, DiscountValue: 10, IsActive: true,
			MaxUses: nullInt64(5), UsedCount: 4, MinimumOrderValue: 50,
		}
		if reason := validatePromo(promo, 100, now); reason != "" {
			t.Errorf("有効なコードが拒否されました: %s", reason)
		}
	})
}

// TestPromoStillValid は適用済みコードの再検証のテスト。
func TestPromoStillValid(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		promo PromoCode
		want  bool
	}{
		{
			name:  "有効なコードは割引が継続する",
			promo: PromoCode{Code: "X", IsActive: true},
			want:  true,
		},
		{
			name:  "無効化されたコードは割引されない",
			promo: PromoCode{Code: "X", IsActive: false},
			want:  false,
		},
		{
			name:  "期限切れのコードは割引されない",
			promo: PromoCode{Code: "X", IsActive: true, ValidUntil: nullTime(now.Add(-time.Hour))},
			want:  false,
		},
		{
			name:  "開始前のコードは割引されない",
			promo: PromoCode{Code: "X", IsActive: true, ValidFrom: nullTime(now.Add(time.Hour))},
			want:  false,
		},
		{
			name:  "使用回数は再検証しない",
			promo: PromoCode{Code: "X", IsActive: true, MaxUses: nullInt64(1), UsedCount: 1},
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := promoStillValid(tt.promo, now); got != tt.want {
				t.Errorf("promoStillValid: got %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCalcDiscount は割引額計算のテスト。
func TestCalcDiscount(t *testing.T) {
	t.Parallel()

	t.Run("固定額割引は小計を超えない", func(t *testing.T) {
		t.Parallel()
		promo := PromoCode{DiscountType: discountTypeFixedAmount, DiscountValue: 50}
		if got := calcDiscount(promo, 30); got != 30 {
			t.Errorf("discount: got %f, want 30", got)
		}
	})

	t.Run("最低注文金額未満は割引なし", func(t *testing.T) {
		t.Parallel()
		promo := PromoCode{DiscountType: discountTypePercentage, DiscountValue: 10, MinimumOrderValue: 100}
		if got := calcDiscount(promo, 50); got != 0 {
			t.Errorf("discount: got %f, want 0", got)
		}
	})
}

// TestHandleWishlist はウィッシュリスト操作のテスト。
func TestHandleWishlist(t *testing.T) {
	t.Parallel()

	t.Run("商品を追加して取得できる", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 1.5})

		token := userToken(t, "user-1")
		w := doRequest(router, http.MethodPost, "/api/v1/wishlist/add", token, map[string]any{
			"product_id": "p1",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ウィッシュリスト追加に失敗: code=%d, body=%s", w.Code, w.Body.String())
		}

		w = doRequest(router, http.MethodGet, "/api/v1/wishlist", token, nil)
		result := parseJSON(t, w)
		items, _ := result["items"].([]any)
		if len(items) != 1 {
			t.Fatalf("件数: got %d, want 1", len(items))
		}
	})

	t.Run("カートへ移動するとウィッシュリストから消える", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 1.5})

		token := userToken(t, "user-1")
		doRequest(router, http.MethodPost, "/api/v1/wishlist/add", token, map[string]any{"product_id": "p1"})

		w := doRequest(router, http.MethodPost, "/api/v1/wishlist/move-to-cart", token, map[string]any{
			"product_id": "p1",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("移動に失敗: code=%d, body=%s", w.Code, w.Body.String())
		}
		result := parseJSON(t, w)
		if len(cartItems(t, result)) != 1 {
			t.Error("カートに商品が入っていません")
		}

		w = doRequest(router, http.MethodGet, "/api/v1/wishlist", token, nil)
		result = parseJSON(t, w)
		items, _ := result["items"].([]any)
		if len(items) != 0 {
			t.Error("ウィッシュリストから商品が消えていません")
		}
	})

	t.Run("ウィッシュリストにない商品の移動はNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/wishlist/move-to-cart", userToken(t, "user-1"), map[string]any{
			"product_id": "p1",
		})

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleInternalCart は注文サービス向け内部エンドポイントのテスト。
func TestHandleInternalCart(t *testing.T) {
	t.Parallel()

	t.Run("ユーザーIDでカートを参照できる", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 1.5})

		addToCart(t, router, userToken(t, "user-1"), "p1", 2)

		w := doRequest(router, http.MethodGet, "/internal/cart/user-1", "", nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSON(t, w)
		if result["user_id"] != "user-1" {
			t.Errorf("user_id: got %v, want user-1", result["user_id"])
		}
		if len(cartItems(t, result)) != 1 {
			t.Error("商品が入っていません")
		}
	})

	t.Run("カートがないユーザーはNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/internal/cart/nobody", "", nil)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("内部クリアでカートが空になる", func(t *testing.T) {
		t.Parallel()
		_, router, store := setupTestServer(t)
		store.set(productInfo{ID: "p1", Name: "緑茶", Price: 1.5})

		token := userToken(t, "user-1")
		addToCart(t, router, token, "p1", 2)

		w := doRequest(router, http.MethodDelete, "/internal/cart/user-1", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		w = doRequest(router, http.MethodGet, "/api/v1/cart", token, nil)
		result := parseJSON(t, w)
		if len(cartItems(t, result)) != 0 {
			t.Error("カートが空になっていません")
		}
	})
}

// TestEventProcessorDeadLetter はイベント処理失敗時のデッドレター記録のテスト。
func TestEventProcessorDeadLetter(t *testing.T) {
	t.Parallel()

	p := &eventProcessor{retryDelay: time.Millisecond}
	env, err := event.NewEnvelope(event.TypeProductUpdated, event.ProductUpdatedPayload{ProductID: "p1"})
	if err != nil {
		t.Fatalf("イベント作成に失敗: %v", err)
	}

	attempts := 0
	processErr := p.process(context.Background(), env, func(ctx context.Context) error {
		attempts++
		return context.DeadlineExceeded
	})

	if processErr == nil {
		t.Error("エラーが返されていません")
	}
	if attempts != maxProcessAttempts {
		t.Errorf("試行回数: got %d, want %d", attempts, maxProcessAttempts)
	}
	if len(p.list()) != 1 {
		t.Errorf("デッドレター数: got %d, want 1", len(p.list()))
	}
}

// TestEventProcessorRetrySucceeds はリトライで成功した場合に
// デッドレターが記録されないことを検証する。
func TestEventProcessorRetrySucceeds(t *testing.T) {
	t.Parallel()

	p := &eventProcessor{retryDelay: time.Millisecond}
	env, err := event.NewEnvelope(event.TypeProductUpdated, event.ProductUpdatedPayload{ProductID: "p1"})
	if err != nil {
		t.Fatalf("イベント作成に失敗: %v", err)
	}

	attempts := 0
	processErr := p.process(context.Background(), env, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})

	if processErr != nil {
		t.Errorf("エラーが返されました: %v", processErr)
	}
	if len(p.list()) != 0 {
		t.Errorf("デッドレター数: got %d, want 0", len(p.list()))
	}
}

// nullTime はsql.NullTimeを生成するヘルパー関数。
func nullTime(tm time.Time) sql.NullTime {
	return sql.NullTime{Time: tm, Valid: true}
}

// nullInt64 はsql.NullInt64を生成するヘルパー関数。
func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: true}
}
