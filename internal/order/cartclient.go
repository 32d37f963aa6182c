package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/minimart/pkg/breaker"
	"github.com/nao1215/minimart/pkg/httpclient"
)

// ErrCartNotFound はユーザーのカートが存在しないことを示す。
var ErrCartNotFound = errors.New("cart not found")

// ErrCartUnavailable はカートサービスが利用できないことを示す。
var ErrCartUnavailable = errors.New("cart service unavailable")

// cartView はカートサービスから取得するカート情報。
type cartView struct {
	// ID はカートID。
	ID string `json:"id"`
	// UserID はユーザーID。
	UserID string `json:"user_id"`
	// Items はカート内商品一覧。
	Items []cartViewItem `json:"items"`
	// Subtotal は割引前の合計。
	Subtotal float64 `json:"subtotal"`
	// Discount は割引額。
	Discount float64 `json:"discount"`
	// Total は割引後の合計。
	Total float64 `json:"total"`
	// Promo は適用中のプロモーションコード。
	Promo *cartViewPromo `json:"promo"`
}

// cartViewItem はカート内商品のスナップショット。
type cartViewItem struct {
	// ProductID は商品ID。
	ProductID string `json:"product_id"`
	// Quantity は数量。
	Quantity int `json:"quantity"`
	// ProductName は商品名。
	ProductName string `json:"product_name"`
	// ProductPrice は価格。
	ProductPrice float64 `json:"product_price"`
	// ProductImage は商品画像URL。
	ProductImage string `json:"product_image"`
}

// cartViewPromo は適用中のプロモーションコード。
type cartViewPromo struct {
	// Code はコード文字列。
	Code string `json:"code"`
}

// cartClient はカートサービスへの問い合わせクライアント。
// サーキットブレーカーでカートサービスの障害から保護する。
type cartClient struct {
	client  *httpclient.Client
	breaker *breaker.Breaker
}

// newCartClient は新しいカートクライアントを生成する。
func newCartClient(cartURL string) *cartClient {
	return &cartClient{
		client:  httpclient.New(cartURL),
		breaker: breaker.New("cart", 3, 60*time.Second),
	}
}

// getCart はユーザーのカート内容を取得する。404はブレーカーの失敗として数えない。
func (cc *cartClient) getCart(ctx context.Context, userID string) (cartView, error) {
	if !cc.breaker.Allow() {
		return cartView{}, ErrCartUnavailable
	}

	var view cartView
	err := cc.client.GetJSON(httpclient.WithUserID(ctx, userID), fmt.Sprintf("/internal/cart/%s", userID), &view)
	if err != nil {
		if httpclient.IsNotFound(err) {
			cc.breaker.Success()
			return cartView{}, ErrCartNotFound
		}
		cc.breaker.Failure()
		return cartView{}, fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	cc.breaker.Success()
	return view, nil
}

// clearCart はユーザーのカートを空にする。注文確定後の後始末に使う。
func (cc *cartClient) clearCart(ctx context.Context, userID string) error {
	if !cc.breaker.Allow() {
		return ErrCartUnavailable
	}

	if err := cc.client.Delete(httpclient.WithUserID(ctx, userID), fmt.Sprintf("/internal/cart/%s", userID)); err != nil {
		cc.breaker.Failure()
		return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	cc.breaker.Success()
	return nil
}
