package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/minimart/pkg/breaker"
	"github.com/nao1215/minimart/pkg/httpclient"
	"github.com/nao1215/minimart/pkg/ttlcache"
)

// ErrProductNotFound は商品が存在しないか非公開であることを示す。
var ErrProductNotFound = errors.New("product not found")

// ErrProductUnavailable は商品サービスが利用できないことを示す。
var ErrProductUnavailable = errors.New("product service unavailable")

// productInfo は商品サービスから取得する商品情報。
// スナップショットに必要なフィールドのみ保持する。
type productInfo struct {
	// ID は商品ID。
	ID string `json:"id"`
	// Name は商品名。
	Name string `json:"name"`
	// Price は価格。
	Price float64 `json:"price"`
	// ImageURL は商品画像URL。
	ImageURL string `json:"image_url"`
	// StockQuantity は在庫数。
	StockQuantity int `json:"stock_quantity"`
}

// productClient は商品サービスへの問い合わせクライアント。
// TTLキャッシュとサーキットブレーカーで商品サービスの負荷と障害から保護する。
type productClient struct {
	client  *httpclient.Client
	cache   *ttlcache.Cache[productInfo]
	breaker *breaker.Breaker
}

// newProductClient は新しい商品クライアントを生成する。
func newProductClient(productURL string) *productClient {
	return &productClient{
		client:  httpclient.New(productURL),
		cache:   ttlcache.New[productInfo](5*time.Minute, 1024),
		breaker: breaker.New("product", 3, 60*time.Second),
	}
}

// getProduct は商品情報を取得する。キャッシュヒット時は商品サービスを呼ばない。
// 404はブレーカーの失敗として数えない。
func (pc *productClient) getProduct(ctx context.Context, productID string) (productInfo, error) {
	cacheKey := "product:" + productID
	if info, ok := pc.cache.Get(cacheKey); ok {
		return info, nil
	}

	if !pc.breaker.Allow() {
		return productInfo{}, ErrProductUnavailable
	}

	var info productInfo
	err := pc.client.GetJSON(ctx, fmt.Sprintf("/api/products/%s", productID), &info)
	if err != nil {
		if httpclient.IsNotFound(err) {
			pc.breaker.Success()
			return productInfo{}, ErrProductNotFound
		}
		pc.breaker.Failure()
		return productInfo{}, fmt.Errorf("%w: %v", ErrProductUnavailable, err)
	}
	pc.breaker.Success()

	pc.cache.Set(cacheKey, info)
	return info, nil
}

// invalidate は指定商品のキャッシュを破棄する。product.updatedイベントで呼ばれる。
func (pc *productClient) invalidate(productID string) {
	pc.cache.Delete("product:" + productID)
}
