package product

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// スキーマ定義。categoriesとproductsはこのサービスだけが所有する。
// products.category_name はカテゴリ名の非正規化コピーであり、
// カテゴリ更新時にこのサービス自身が更新する。
const schema = `
CREATE TABLE IF NOT EXISTS categories (
    -- カテゴリの一意識別子
    id TEXT PRIMARY KEY,
    -- カテゴリ名
    name TEXT NOT NULL,
    -- 有効フラグ
    is_active INTEGER NOT NULL DEFAULT 1,
    -- 作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    -- 更新日時
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS products (
    -- 商品の一意識別子
    id TEXT PRIMARY KEY,
    -- 商品名
    name TEXT NOT NULL,
    -- 商品説明
    description TEXT NOT NULL DEFAULT '',
    -- 価格。正の値のみ
    price REAL NOT NULL CHECK (price > 0),
    -- カテゴリID。外部キー制約は張らない（サービス分離方針）
    category_id TEXT NOT NULL DEFAULT '',
    -- カテゴリ名の非正規化コピー
    category_name TEXT NOT NULL DEFAULT '',
    -- 商品画像URL
    image_url TEXT NOT NULL DEFAULT '',
    -- 在庫数
    stock_quantity INTEGER NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
    -- 有効フラグ。削除は論理削除
    is_active INTEGER NOT NULL DEFAULT 1,
    -- 作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    -- 更新日時
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- カテゴリでの商品一覧を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_products_category_id
    ON products(category_id);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
