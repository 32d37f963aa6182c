package cart

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// スキーマ定義。user_idとproduct_idは他サービスのエンティティへの
// 文字列参照であり、外部キー制約は張らない（サービス分離方針）。
// cart_itemsとwishlist_itemsのproduct_name/product_price/product_imageは
// 商品データの非正規化スナップショットで、product.updatedイベントで
// のみ更新される。
const schema = `
CREATE TABLE IF NOT EXISTS carts (
    -- カートの一意識別子
    id TEXT PRIMARY KEY,
    -- カートを所有するユーザーのID。1ユーザー1カート
    user_id TEXT NOT NULL UNIQUE,
    -- 作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cart_items (
    -- カートID
    cart_id TEXT NOT NULL,
    -- 商品ID
    product_id TEXT NOT NULL,
    -- 数量。正の値のみ
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    -- 商品名のスナップショット
    product_name TEXT NOT NULL,
    -- 価格のスナップショット
    product_price REAL NOT NULL,
    -- 商品画像URLのスナップショット
    product_image TEXT NOT NULL DEFAULT '',
    -- 追加日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (cart_id, product_id),
    FOREIGN KEY (cart_id) REFERENCES carts(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS wishlists (
    -- ウィッシュリストの一意識別子
    id TEXT PRIMARY KEY,
    -- 所有するユーザーのID。1ユーザー1リスト
    user_id TEXT NOT NULL UNIQUE,
    -- 作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS wishlist_items (
    -- ウィッシュリストID
    wishlist_id TEXT NOT NULL,
    -- 商品ID
    product_id TEXT NOT NULL,
    -- 商品名のスナップショット
    product_name TEXT NOT NULL,
    -- 価格のスナップショット
    product_price REAL NOT NULL,
    -- 商品画像URLのスナップショット
    product_image TEXT NOT NULL DEFAULT '',
    -- 追加日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (wishlist_id, product_id),
    FOREIGN KEY (wishlist_id) REFERENCES wishlists(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS promo_codes (
    -- プロモーションコードの一意識別子
    id TEXT PRIMARY KEY,
    -- コード文字列
    code TEXT NOT NULL UNIQUE,
    -- 割引種別（'percentage' または 'fixed_amount'）
    discount_type TEXT NOT NULL,
    -- 割引値。percentageなら割合、fixed_amountなら金額
    discount_value REAL NOT NULL CHECK (discount_value > 0),
    -- 適用に必要な最低注文金額
    minimum_order_value REAL NOT NULL DEFAULT 0 CHECK (minimum_order_value >= 0),
    -- 最大使用回数。NULLは無制限
    max_uses INTEGER CHECK (max_uses IS NULL OR max_uses > 0),
    -- 使用回数
    used_count INTEGER NOT NULL DEFAULT 0 CHECK (used_count >= 0),
    -- 有効期間の開始。NULLは制限なし
    valid_from DATETIME,
    -- 有効期間の終了。NULLは制限なし
    valid_until DATETIME,
    -- 有効フラグ
    is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS cart_promo_codes (
    -- カートID。1カートに適用できるコードは1つ
    cart_id TEXT NOT NULL UNIQUE,
    -- プロモーションコードID
    promo_code_id TEXT NOT NULL,
    FOREIGN KEY (cart_id) REFERENCES carts(id) ON DELETE CASCADE,
    FOREIGN KEY (promo_code_id) REFERENCES promo_codes(id) ON DELETE CASCADE
);

-- 商品IDからスナップショットを逆引きするインデックス。
-- product.updatedイベントの処理を高速化する。
CREATE INDEX IF NOT EXISTS idx_cart_items_product_id
    ON cart_items(product_id);
CREATE INDEX IF NOT EXISTS idx_wishlist_items_product_id
    ON wishlist_items(product_id);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
