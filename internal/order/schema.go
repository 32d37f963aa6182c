package order

import "github.com/jmoiron/sqlx"

// schema は注文サービスのデータベーススキーマ。
// order_itemsのスナップショットは注文確定時点のもので、以後一切更新しない。
// 商品や価格が後から変わっても注文履歴は確定時点の姿を保つ。
const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    subtotal REAL NOT NULL CHECK (subtotal >= 0),
    discount REAL NOT NULL DEFAULT 0 CHECK (discount >= 0),
    total REAL NOT NULL CHECK (total >= 0),
    promo_code TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id);

CREATE TABLE IF NOT EXISTS order_items (
    order_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    product_name TEXT NOT NULL,
    product_price REAL NOT NULL,
    product_image TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (order_id, product_id),
    FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
);
`

// initSchema はデータベーススキーマを初期化する。
func initSchema(db *sqlx.DB) error {
	_, err := db.Exec(schema)
	return err
}
