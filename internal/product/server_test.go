package product

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/minimart/pkg/event"
	"github.com/nao1215/minimart/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret"

// eventRecorder は配送されたイベントを記録するモック購読者。
type eventRecorder struct {
	mu        sync.Mutex
	envelopes []event.Envelope
}

// received は記録されたイベントのコピーを返す。
func (r *eventRecorder) received() []event.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

// wait はn件のイベントが配送されるまで待ち、記録を返す。
// 配送は非同期のためポーリングで待機する。
func (r *eventRecorder) wait(t *testing.T, n int) []event.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.received()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("イベント配送の待機がタイムアウト: got %d, want %d", len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// setupTestServer はテスト用の商品サーバーをインメモリSQLiteで構築する。
// イベント購読者のモックサーバーも生成し、受信イベントを記録する。
func setupTestServer(t *testing.T) (*Server, *gin.Engine, *eventRecorder) {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := initSchema(db); err != nil {
		t.Fatalf("スキーマ初期化に失敗: %v", err)
	}

	recorder := &eventRecorder{}
	subscriber := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var env event.Envelope
		if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		recorder.mu.Lock()
		recorder.envelopes = append(recorder.envelopes, env)
		recorder.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":"ok"}`)
	}))
	t.Cleanup(subscriber.Close)

	router := gin.New()
	s := &Server{
		router:    router,
		port:      "0",
		queries:   NewQueries(db),
		db:        db,
		jwtSecret: testSecret,
		events:    event.NewPublisher(subscriber.URL),
	}
	s.setupRoutes()

	return s, router, recorder
}

// adminToken はテスト用の管理者トークンを発行するヘルパー関数。
func adminToken(t *testing.T) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testSecret, "admin-1", "admin@example.com", middleware.RoleAdmin)
	if err != nil {
		t.Fatalf("トークン生成に失敗: %v", err)
	}
	return token
}

// customerToken はテスト用の一般ユーザートークンを発行するヘルパー関数。
func customerToken(t *testing.T) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testSecret, "user-1", "user@example.com", middleware.RoleCustomer)
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

// parseJSONArray はレスポンスボディをスライスにデコードするヘルパー関数。
func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSON配列のデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// createTestCategory はテスト用にカテゴリを作成し、IDを返すヘルパー関数。
func createTestCategory(t *testing.T, router *gin.Engine, name string) string {
	t.Helper()
	w := doRequest(router, http.MethodPost, "/api/categories", adminToken(t), map[string]string{"name": name})
	if w.Code != http.StatusCreated {
		t.Fatalf("カテゴリ作成に失敗: code=%d, body=%s", w.Code, w.Body.String())
	}
	return parseJSON(t, w)["id"].(string)
}

// createTestProduct はテスト用に商品を作成し、IDを返すヘルパー関数。
func createTestProduct(t *testing.T, router *gin.Engine, name, categoryID string, price float64) string {
	t.Helper()
	w := doRequest(router, http.MethodPost, "/api/products", adminToken(t), map[string]any{
		"name":           name,
		"description":    "テスト用商品",
		"price":          price,
		"category_id":    categoryID,
		"stock_quantity": 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("商品作成に失敗: code=%d, body=%s", w.Code, w.Body.String())
	}
	return parseJSON(t, w)["id"].(string)
}

// TestHandleCreateProduct は商品作成ハンドラのテスト。
func TestHandleCreateProduct(t *testing.T) {
	t.Parallel()

	t.Run("管理者は商品を作成できる", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		categoryID := createTestCategory(t, router, "飲料")
		w := doRequest(router, http.MethodPost, "/api/products", adminToken(t), map[string]any{
			"name":           "緑茶",
			"price":          1.5,
			"category_id":    categoryID,
			"stock_quantity": 100,
		})

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}
		result := parseJSON(t, w)
		if result["name"] != "緑茶" {
			t.Errorf("name: got %v, want 緑茶", result["name"])
		}
		if result["category_name"] != "飲料" {
			t.Errorf("category_name: got %v, want 飲料", result["category_name"])
		}
	})

	t.Run("一般ユーザーはForbidden", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/products", customerToken(t), map[string]any{
			"name":  "緑茶",
			"price": 1.5,
		})

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("トークンなしはUnauthorized", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/products", "", map[string]any{
			"name":  "緑茶",
			"price": 1.5,
		})

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("存在しないカテゴリ指定はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/products", adminToken(t), map[string]any{
			"name":        "緑茶",
			"price":       1.5,
			"category_id": "no-such-category",
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleListProducts は商品一覧取得ハンドラのテスト。
func TestHandleListProducts(t *testing.T) {
	t.Parallel()

	t.Run("カテゴリで絞り込める", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		drinks := createTestCategory(t, router, "飲料")
		foods := createTestCategory(t, router, "食品")
		createTestProduct(t, router, "緑茶", drinks, 1.5)
		createTestProduct(t, router, "パン", foods, 3.0)

		w := doRequest(router, http.MethodGet, "/api/products?category_id="+drinks, "", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSONArray(t, w)
		if len(result) != 1 {
			t.Fatalf("件数: got %d, want 1", len(result))
		}
		if result[0]["name"] != "緑茶" {
			t.Errorf("name: got %v, want 緑茶", result[0]["name"])
		}
	})

	t.Run("limitとoffsetでページングできる", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		categoryID := createTestCategory(t, router, "飲料")
		for i := 0; i < 5; i++ {
			createTestProduct(t, router, fmt.Sprintf("商品%d", i), categoryID, 1.0)
		}

		w := doRequest(router, http.MethodGet, "/api/products?limit=2&offset=2", "", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSONArray(t, w)
		if len(result) != 2 {
			t.Errorf("件数: got %d, want 2", len(result))
		}
	})

	t.Run("削除済み商品は一覧に含まれない", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		categoryID := createTestCategory(t, router, "飲料")
		productID := createTestProduct(t, router, "緑茶", categoryID, 1.5)

		w := doRequest(router, http.MethodDelete, "/api/products/"+productID, adminToken(t), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("商品削除に失敗: code=%d", w.Code)
		}

		w = doRequest(router, http.MethodGet, "/api/products", "", nil)
		result := parseJSONArray(t, w)
		if len(result) != 0 {
			t.Errorf("件数: got %d, want 0", len(result))
		}
	})
}

// TestHandleGetProduct は商品詳細取得ハンドラのテスト。
func TestHandleGetProduct(t *testing.T) {
	t.Parallel()

	t.Run("存在しない商品はNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/products/no-such-id", "", nil)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("削除済み商品はNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		categoryID := createTestCategory(t, router, "飲料")
		productID := createTestProduct(t, router, "緑茶", categoryID, 1.5)
		doRequest(router, http.MethodDelete, "/api/products/"+productID, adminToken(t), nil)

		w := doRequest(router, http.MethodGet, "/api/products/"+productID, "", nil)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleUpdateProduct は商品更新ハンドラのテスト。
func TestHandleUpdateProduct(t *testing.T) {
	t.Parallel()

	t.Run("更新するとproduct.updatedイベントが配送される", func(t *testing.T) {
		t.Parallel()
		_, router, recorder := setupTestServer(t)

		categoryID := createTestCategory(t, router, "飲料")
		productID := createTestProduct(t, router, "緑茶", categoryID, 1.5)

		w := doRequest(router, http.MethodPut, "/api/products/"+productID, adminToken(t), map[string]any{
			"name":           "ほうじ茶",
			"price":          2.0,
			"category_id":    categoryID,
			"stock_quantity": 10,
		})

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		events := recorder.wait(t, 1)
		if len(events) != 1 {
			t.Fatalf("イベント数: got %d, want 1", len(events))
		}
		if events[0].EventType != event.TypeProductUpdated {
			t.Errorf("イベント種別: got %s, want %s", events[0].EventType, event.TypeProductUpdated)
		}
		payload, err := event.DecodePayload[event.ProductUpdatedPayload](&events[0])
		if err != nil {
			t.Fatalf("ペイロードのデコードに失敗: %v", err)
		}
		if payload.Name != "ほうじ茶" {
			t.Errorf("payload.Name: got %s, want ほうじ茶", payload.Name)
		}
		if payload.Price != 2.0 {
			t.Errorf("payload.Price: got %f, want 2.0", payload.Price)
		}
	})

	t.Run("購読者が停止していても更新はすぐに応答する", func(t *testing.T) {
		t.Parallel()
		s, router, _ := setupTestServer(t)
		s.events = event.NewPublisher("http://127.0.0.1:1")

		categoryID := createTestCategory(t, router, "飲料")
		productID := createTestProduct(t, router, "緑茶", categoryID, 1.5)

		start := time.Now()
		w := doRequest(router, http.MethodPut, "/api/products/"+productID, adminToken(t), map[string]any{
			"name":           "ほうじ茶",
			"price":          2.0,
			"category_id":    categoryID,
			"stock_quantity": 10,
		})

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		// 配送リトライのバックオフを待たずに応答すること
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("応答が配送の完了を待ってしまっています: %v", elapsed)
		}
	})

	t.Run("存在しない商品の更新はNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPut, "/api/products/no-such-id", adminToken(t), map[string]any{
			"name":  "ほうじ茶",
			"price": 2.0,
		})

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleUpdateCategory はカテゴリ更新ハンドラのテスト。
// 自DB内の非正規化カテゴリ名の同期とイベント配送を検証する。
func TestHandleUpdateCategory(t *testing.T) {
	t.Parallel()

	_, router, recorder := setupTestServer(t)

	categoryID := createTestCategory(t, router, "飲料")
	productID := createTestProduct(t, router, "緑茶", categoryID, 1.5)

	w := doRequest(router, http.MethodPut, "/api/categories/"+categoryID, adminToken(t), map[string]string{
		"name": "ドリンク",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	// 商品のカテゴリ名スナップショットが同期される
	w = doRequest(router, http.MethodGet, "/api/products/"+productID, "", nil)
	result := parseJSON(t, w)
	if result["category_name"] != "ドリンク" {
		t.Errorf("category_name: got %v, want ドリンク", result["category_name"])
	}

	// category.updatedイベントが配送される
	events := recorder.wait(t, 1)
	if len(events) != 1 {
		t.Fatalf("イベント数: got %d, want 1", len(events))
	}
	if events[0].EventType != event.TypeCategoryUpdated {
		t.Errorf("イベント種別: got %s, want %s", events[0].EventType, event.TypeCategoryUpdated)
	}
}

// TestHandleInternalEvent はサービス間イベント受信ハンドラのテスト。
func TestHandleInternalEvent(t *testing.T) {
	t.Parallel()

	t.Run("category.updatedで商品のカテゴリ名が更新される", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		categoryID := createTestCategory(t, router, "飲料")
		productID := createTestProduct(t, router, "緑茶", categoryID, 1.5)

		env, err := event.NewEnvelope(event.TypeCategoryUpdated, event.CategoryUpdatedPayload{
			CategoryID: categoryID,
			Name:       "ソフトドリンク",
		})
		if err != nil {
			t.Fatalf("イベント作成に失敗: %v", err)
		}
		w := doRequest(router, http.MethodPost, "/internal/events", "", env)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		w = doRequest(router, http.MethodGet, "/api/products/"+productID, "", nil)
		result := parseJSON(t, w)
		if result["category_name"] != "ソフトドリンク" {
			t.Errorf("category_name: got %v, want ソフトドリンク", result["category_name"])
		}
	})

	t.Run("未知のイベント種別は受理して無視する", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		env, err := event.NewEnvelope("unknown.event", map[string]string{"key": "value"})
		if err != nil {
			t.Fatalf("イベント作成に失敗: %v", err)
		}
		w := doRequest(router, http.MethodPost, "/internal/events", "", env)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
	})
}
