package order

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Order はordersテーブルの1行を表す。
type Order struct {
	// ID は注文の一意識別子。
	ID string `db:"id"`
	// UserID は注文したユーザーのID。
	UserID string `db:"user_id"`
	// Status は注文ステータス。
	Status string `db:"status"`
	// Subtotal は割引前の合計。
	Subtotal float64 `db:"subtotal"`
	// Discount は割引額。
	Discount float64 `db:"discount"`
	// Total は割引後の合計。
	Total float64 `db:"total"`
	// PromoCode は適用されたプロモーションコード。未適用時は空文字列。
	PromoCode string `db:"promo_code"`
	// CreatedAt は注文日時。
	CreatedAt time.Time `db:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `db:"updated_at"`
}

// OrderItem はorder_itemsテーブルの1行を表す。
// 全フィールドは注文確定時点のスナップショット。
type OrderItem struct {
	// OrderID は注文ID。
	OrderID string `db:"order_id"`
	// ProductID は商品ID。
	ProductID string `db:"product_id"`
	// Quantity は数量。
	Quantity int `db:"quantity"`
	// ProductName は確定時点の商品名。
	ProductName string `db:"product_name"`
	// ProductPrice は確定時点の価格。
	ProductPrice float64 `db:"product_price"`
	// ProductImage は確定時点の商品画像URL。
	ProductImage string `db:"product_image"`
}

// Queries はorderサービスのクエリ実行オブジェクト。
type Queries struct {
	db *sqlx.DB
}

// NewQueries は新しいクエリ実行オブジェクトを生成する。
func NewQueries(db *sqlx.DB) *Queries {
	return &Queries{db: db}
}

// CreateOrderParams はCreateOrderのパラメータ。
type CreateOrderParams struct {
	ID        string
	UserID    string
	Subtotal  float64
	Discount  float64
	Total     float64
	PromoCode string
}

// CreateOrder は新しい注文を作成する。ステータスはpendingで始まる。
func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, subtotal, discount, total, promo_code)
		VALUES (?, ?, ?, ?, ?, ?)
	`, arg.ID, arg.UserID, arg.Subtotal, arg.Discount, arg.Total, arg.PromoCode)
	return err
}

// CreateOrderItemParams はCreateOrderItemのパラメータ。
type CreateOrderItemParams struct {
	OrderID      string
	ProductID    string
	Quantity     int
	ProductName  string
	ProductPrice float64
	ProductImage string
}

// CreateOrderItem は注文明細を作成する。作成後は更新しない。
func (q *Queries) CreateOrderItem(ctx context.Context, arg CreateOrderItemParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO order_items (order_id, product_id, quantity, product_name, product_price, product_image)
		VALUES (?, ?, ?, ?, ?, ?)
	`, arg.OrderID, arg.ProductID, arg.Quantity, arg.ProductName, arg.ProductPrice, arg.ProductImage)
	return err
}

// GetOrderByID は注文IDで注文を取得する。
func (q *Queries) GetOrderByID(ctx context.Context, id string) (Order, error) {
	var o Order
	err := q.db.GetContext(ctx, &o, `
		SELECT id, user_id, status, subtotal, discount, total, promo_code, created_at, updated_at
		FROM orders WHERE id = ?
	`, id)
	return o, err
}

// ListOrdersByUserParams はListOrdersByUserのパラメータ。
type ListOrdersByUserParams struct {
	UserID string
	Limit  int
	Offset int
}

// ListOrdersByUser はユーザーの注文を新しい順に取得する。
func (q *Queries) ListOrdersByUser(ctx context.Context, arg ListOrdersByUserParams) ([]Order, error) {
	var orders []Order
	err := q.db.SelectContext(ctx, &orders, `
		SELECT id, user_id, status, subtotal, discount, total, promo_code, created_at, updated_at
		FROM orders WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, arg.UserID, arg.Limit, arg.Offset)
	return orders, err
}

// ListAllOrders は全ユーザーの注文を新しい順に取得する。管理者用。
func (q *Queries) ListAllOrders(ctx context.Context, limit, offset int) ([]Order, error) {
	var orders []Order
	err := q.db.SelectContext(ctx, &orders, `
		SELECT id, user_id, status, subtotal, discount, total, promo_code, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	return orders, err
}

// ListOrderItems は注文の明細一覧を取得する。
func (q *Queries) ListOrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	var items []OrderItem
	err := q.db.SelectContext(ctx, &items, `
		SELECT order_id, product_id, quantity, product_name, product_price, product_image
		FROM order_items WHERE order_id = ?
		ORDER BY product_id
	`, orderID)
	return items, err
}

// UpdateOrderStatus は注文ステータスを更新する。
func (q *Queries) UpdateOrderStatus(ctx context.Context, id, status string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	return err
}
