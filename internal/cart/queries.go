package cart

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// Cart はcartsテーブルの1行を表す。
type Cart struct {
	// ID はカートの一意識別子。
	ID string `db:"id"`
	// UserID はカートを所有するユーザーのID。
	UserID string `db:"user_id"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `db:"created_at"`
}

// CartItem はcart_itemsテーブルの1行を表す。
type CartItem struct {
	// CartID はカートID。
	CartID string `db:"cart_id"`
	// ProductID は商品ID。
	ProductID string `db:"product_id"`
	// Quantity は数量。
	Quantity int `db:"quantity"`
	// ProductName は商品名のスナップショット。
	ProductName string `db:"product_name"`
	// ProductPrice は価格のスナップショット。
	ProductPrice float64 `db:"product_price"`
	// ProductImage は商品画像URLのスナップショット。
	ProductImage string `db:"product_image"`
	// CreatedAt は追加日時。
	CreatedAt time.Time `db:"created_at"`
}

// Wishlist はwishlistsテーブルの1行を表す。
type Wishlist struct {
	// ID はウィッシュリストの一意識別子。
	ID string `db:"id"`
	// UserID は所有するユーザーのID。
	UserID string `db:"user_id"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `db:"created_at"`
}

// WishlistItem はwishlist_itemsテーブルの1行を表す。
type WishlistItem struct {
	// WishlistID はウィッシュリストID。
	WishlistID string `db:"wishlist_id"`
	// ProductID は商品ID。
	ProductID string `db:"product_id"`
	// ProductName は商品名のスナップショット。
	ProductName string `db:"product_name"`
	// ProductPrice は価格のスナップショット。
	ProductPrice float64 `db:"product_price"`
	// ProductImage は商品画像URLのスナップショット。
	ProductImage string `db:"product_image"`
	// CreatedAt は追加日時。
	CreatedAt time.Time `db:"created_at"`
}

// PromoCode はpromo_codesテーブルの1行を表す。
type PromoCode struct {
	// ID はプロモーションコードの一意識別子。
	ID string `db:"id"`
	// Code はコード文字列。
	Code string `db:"code"`
	// DiscountType は割引種別（"percentage" または "fixed_amount"）。
	DiscountType string `db:"discount_type"`
	// DiscountValue は割引値。
	DiscountValue float64 `db:"discount_value"`
	// MinimumOrderValue は適用に必要な最低注文金額。
	MinimumOrderValue float64 `db:"minimum_order_value"`
	// MaxUses は最大使用回数。NULLは無制限。
	MaxUses sql.NullInt64 `db:"max_uses"`
	// UsedCount は使用回数。
	UsedCount int `db:"used_count"`
	// ValidFrom は有効期間の開始。NULLは制限なし。
	ValidFrom sql.NullTime `db:"valid_from"`
	// ValidUntil は有効期間の終了。NULLは制限なし。
	ValidUntil sql.NullTime `db:"valid_until"`
	// IsActive は有効フラグ。
	IsActive bool `db:"is_active"`
}

// Queries はcartサービスのクエリ実行オブジェクト。
type Queries struct {
	db *sqlx.DB
}

// NewQueries は新しいクエリ実行オブジェクトを生成する。
func NewQueries(db *sqlx.DB) *Queries {
	return &Queries{db: db}
}

// GetCartByUserID はユーザーIDでカートを取得する。
func (q *Queries) GetCartByUserID(ctx context.Context, userID string) (Cart, error) {
	var cart Cart
	err := q.db.GetContext(ctx, &cart, `
		SELECT id, user_id, created_at FROM carts WHERE user_id = ?
	`, userID)
	return cart, err
}

// CreateCart は新しいカートを作成する。
func (q *Queries) CreateCart(ctx context.Context, id, userID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO carts (id, user_id) VALUES (?, ?)
	`, id, userID)
	return err
}

// ListCartItems はカート内の商品一覧を取得する。
func (q *Queries) ListCartItems(ctx context.Context, cartID string) ([]CartItem, error) {
	var items []CartItem
	err := q.db.SelectContext(ctx, &items, `
		SELECT cart_id, product_id, quantity, product_name, product_price, product_image, created_at
		FROM cart_items WHERE cart_id = ?
		ORDER BY created_at
	`, cartID)
	return items, err
}

// UpsertCartItemParams はUpsertCartItemのパラメータ。
type UpsertCartItemParams struct {
	CartID       string
	ProductID    string
	Quantity     int
	ProductName  string
	ProductPrice float64
	ProductImage string
}

// UpsertCartItem はカートに商品を追加する。
// 既に同じ商品がある場合は数量を加算し、スナップショットを上書きする。
func (q *Queries) UpsertCartItem(ctx context.Context, arg UpsertCartItemParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO cart_items (cart_id, product_id, quantity, product_name, product_price, product_image)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cart_id, product_id) DO UPDATE SET
		    quantity = quantity + excluded.quantity,
		    product_name = excluded.product_name,
		    product_price = excluded.product_price,
		    product_image = excluded.product_image
	`, arg.CartID, arg.ProductID, arg.Quantity, arg.ProductName, arg.ProductPrice, arg.ProductImage)
	return err
}

// RemoveCartItem はカートから商品を削除する。削除した件数を返す。
func (q *Queries) RemoveCartItem(ctx context.Context, cartID, productID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM cart_items WHERE cart_id = ? AND product_id = ?
	`, cartID, productID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearCart はカート内の全商品と適用中のプロモーションコードを削除する。
func (q *Queries) ClearCart(ctx context.Context, cartID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = ?`, cartID); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM cart_promo_codes WHERE cart_id = ?`, cartID)
	return err
}

// UpdateCartItemSnapshots は指定商品の全カート内スナップショットを更新する。
// product.updatedイベントの処理で呼ばれる。更新した件数を返す。
func (q *Queries) UpdateCartItemSnapshots(ctx context.Context, productID, name string, price float64, image string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE cart_items
		SET product_name = ?, product_price = ?, product_image = ?
		WHERE product_id = ?
	`, name, price, image, productID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetWishlistByUserID はユーザーIDでウィッシュリストを取得する。
func (q *Queries) GetWishlistByUserID(ctx context.Context, userID string) (Wishlist, error) {
	var w Wishlist
	err := q.db.GetContext(ctx, &w, `
		SELECT id, user_id, created_at FROM wishlists WHERE user_id = ?
	`, userID)
	return w, err
}

// CreateWishlist は新しいウィッシュリストを作成する。
func (q *Queries) CreateWishlist(ctx context.Context, id, userID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO wishlists (id, user_id) VALUES (?, ?)
	`, id, userID)
	return err
}

// ListWishlistItems はウィッシュリスト内の商品一覧を取得する。
func (q *Queries) ListWishlistItems(ctx context.Context, wishlistID string) ([]WishlistItem, error) {
	var items []WishlistItem
	err := q.db.SelectContext(ctx, &items, `
		SELECT wishlist_id, product_id, product_name, product_price, product_image, created_at
		FROM wishlist_items WHERE wishlist_id = ?
		ORDER BY created_at
	`, wishlistID)
	return items, err
}

// GetWishlistItem はウィッシュリスト内の特定商品を取得する。
func (q *Queries) GetWishlistItem(ctx context.Context, wishlistID, productID string) (WishlistItem, error) {
	var item WishlistItem
	err := q.db.GetContext(ctx, &item, `
		SELECT wishlist_id, product_id, product_name, product_price, product_image, created_at
		FROM wishlist_items WHERE wishlist_id = ? AND product_id = ?
	`, wishlistID, productID)
	return item, err
}

// UpsertWishlistItemParams はUpsertWishlistItemのパラメータ。
type UpsertWishlistItemParams struct {
	WishlistID   string
	ProductID    string
	ProductName  string
	ProductPrice float64
	ProductImage string
}

// UpsertWishlistItem はウィッシュリストに商品を追加する。
// 既に同じ商品がある場合はスナップショットを上書きする。
func (q *Queries) UpsertWishlistItem(ctx context.Context, arg UpsertWishlistItemParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO wishlist_items (wishlist_id, product_id, product_name, product_price, product_image)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (wishlist_id, product_id) DO UPDATE SET
		    product_name = excluded.product_name,
		    product_price = excluded.product_price,
		    product_image = excluded.product_image
	`, arg.WishlistID, arg.ProductID, arg.ProductName, arg.ProductPrice, arg.ProductImage)
	return err
}

// RemoveWishlistItem はウィッシュリストから商品を削除する。削除した件数を返す。
func (q *Queries) RemoveWishlistItem(ctx context.Context, wishlistID, productID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM wishlist_items WHERE wishlist_id = ? AND product_id = ?
	`, wishlistID, productID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearWishlist はウィッシュリスト内の全商品を削除する。
func (q *Queries) ClearWishlist(ctx context.Context, wishlistID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM wishlist_items WHERE wishlist_id = ?`, wishlistID)
	return err
}

// UpdateWishlistItemSnapshots は指定商品の全ウィッシュリスト内
// スナップショットを更新する。更新した件数を返す。
func (q *Queries) UpdateWishlistItemSnapshots(ctx context.Context, productID, name string, price float64, image string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE wishlist_items
		SET product_name = ?, product_price = ?, product_image = ?
		WHERE product_id = ?
	`, name, price, image, productID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreatePromoCodeParams はCreatePromoCodeのパラメータ。
type CreatePromoCodeParams struct {
	ID                string
	Code              string
	DiscountType      string
	DiscountValue     float64
	MinimumOrderValue float64
	MaxUses           sql.NullInt64
	ValidFrom         sql.NullTime
	ValidUntil        sql.NullTime
}

// CreatePromoCode は新しいプロモーションコードを作成する。
func (q *Queries) CreatePromoCode(ctx context.Context, arg CreatePromoCodeParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO promo_codes (id, code, discount_type, discount_value, minimum_order_value, max_uses, valid_from, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, arg.ID, arg.Code, arg.DiscountType, arg.DiscountValue, arg.MinimumOrderValue, arg.MaxUses, arg.ValidFrom, arg.ValidUntil)
	return err
}

// GetPromoCodeByCode はコード文字列でプロモーションコードを取得する。
func (q *Queries) GetPromoCodeByCode(ctx context.Context, code string) (PromoCode, error) {
	var p PromoCode
	err := q.db.GetContext(ctx, &p, `
		SELECT id, code, discount_type, discount_value, minimum_order_value,
		       max_uses, used_count, valid_from, valid_until, is_active
		FROM promo_codes WHERE code = ?
	`, code)
	return p, err
}

// GetCartPromoCode はカートに適用中のプロモーションコードを取得する。
func (q *Queries) GetCartPromoCode(ctx context.Context, cartID string) (PromoCode, error) {
	var p PromoCode
	err := q.db.GetContext(ctx, &p, `
		SELECT p.id, p.code, p.discount_type, p.discount_value, p.minimum_order_value,
		       p.max_uses, p.used_count, p.valid_from, p.valid_until, p.is_active
		FROM cart_promo_codes cp
		JOIN promo_codes p ON p.id = cp.promo_code_id
		WHERE cp.cart_id = ?
	`, cartID)
	return p, err
}

// AttachPromoCode はカートにプロモーションコードを適用し、使用回数を加算する。
// 既に別のコードが適用されている場合は置き換える。
func (q *Queries) AttachPromoCode(ctx context.Context, cartID, promoCodeID string) error {
	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO cart_promo_codes (cart_id, promo_code_id) VALUES (?, ?)
		ON CONFLICT (cart_id) DO UPDATE SET promo_code_id = excluded.promo_code_id
	`, cartID, promoCodeID); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE promo_codes SET used_count = used_count + 1 WHERE id = ?
	`, promoCodeID)
	return err
}

// DetachPromoCode はカートからプロモーションコードを外す。
// 使用回数は減算しない。
func (q *Queries) DetachPromoCode(ctx context.Context, cartID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM cart_promo_codes WHERE cart_id = ?`, cartID)
	return err
}

// CountPromoCodes はプロモーションコードの総数を返す。初期データ投入の判定に使用する。
func (q *Queries) CountPromoCodes(ctx context.Context) (int, error) {
	var count int
	err := q.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM promo_codes`)
	return count, err
}
