package product

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Category はcategoriesテーブルの1行を表す。
type Category struct {
	// ID はカテゴリの一意識別子。
	ID string `db:"id"`
	// Name はカテゴリ名。
	Name string `db:"name"`
	// IsActive は有効フラグ。
	IsActive bool `db:"is_active"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `db:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `db:"updated_at"`
}

// Product はproductsテーブルの1行を表す。
type Product struct {
	// ID は商品の一意識別子。
	ID string `db:"id"`
	// Name は商品名。
	Name string `db:"name"`
	// Description は商品説明。
	Description string `db:"description"`
	// Price は価格。
	Price float64 `db:"price"`
	// CategoryID はカテゴリID。
	CategoryID string `db:"category_id"`
	// CategoryName はカテゴリ名の非正規化コピー。
	CategoryName string `db:"category_name"`
	// ImageURL は商品画像URL。
	ImageURL string `db:"image_url"`
	// StockQuantity は在庫数。
	StockQuantity int `db:"stock_quantity"`
	// IsActive は有効フラグ。
	IsActive bool `db:"is_active"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `db:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `db:"updated_at"`
}

// Queries はproductサービスのクエリ実行オブジェクト。
type Queries struct {
	db *sqlx.DB
}

// NewQueries は新しいクエリ実行オブジェクトを生成する。
func NewQueries(db *sqlx.DB) *Queries {
	return &Queries{db: db}
}

// CreateCategoryParams はCreateCategoryのパラメータ。
type CreateCategoryParams struct {
	ID   string
	Name string
}

// CreateCategory は新しいカテゴリを作成する。
func (q *Queries) CreateCategory(ctx context.Context, arg CreateCategoryParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO categories (id, name) VALUES (?, ?)
	`, arg.ID, arg.Name)
	return err
}

// GetCategoryByID はIDでカテゴリを取得する。
func (q *Queries) GetCategoryByID(ctx context.Context, id string) (Category, error) {
	var cat Category
	err := q.db.GetContext(ctx, &cat, `
		SELECT id, name, is_active, created_at, updated_at
		FROM categories WHERE id = ?
	`, id)
	return cat, err
}

// ListCategories は有効なカテゴリの一覧を取得する。
func (q *Queries) ListCategories(ctx context.Context) ([]Category, error) {
	var cats []Category
	err := q.db.SelectContext(ctx, &cats, `
		SELECT id, name, is_active, created_at, updated_at
		FROM categories WHERE is_active = 1
		ORDER BY name
	`)
	return cats, err
}

// UpdateCategoryParams はUpdateCategoryのパラメータ。
type UpdateCategoryParams struct {
	ID   string
	Name string
}

// UpdateCategory はカテゴリ名を更新する。
func (q *Queries) UpdateCategory(ctx context.Context, arg UpdateCategoryParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE categories SET name = ?, updated_at = datetime('now') WHERE id = ?
	`, arg.Name, arg.ID)
	return err
}

// CreateProductParams はCreateProductのパラメータ。
type CreateProductParams struct {
	ID            string
	Name          string
	Description   string
	Price         float64
	CategoryID    string
	CategoryName  string
	ImageURL      string
	StockQuantity int
}

// CreateProduct は新しい商品を作成する。
func (q *Queries) CreateProduct(ctx context.Context, arg CreateProductParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO products (id, name, description, price, category_id, category_name, image_url, stock_quantity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, arg.ID, arg.Name, arg.Description, arg.Price, arg.CategoryID, arg.CategoryName, arg.ImageURL, arg.StockQuantity)
	return err
}

// GetProductByID はIDで商品を取得する。論理削除済みの商品も取得できる。
func (q *Queries) GetProductByID(ctx context.Context, id string) (Product, error) {
	var p Product
	err := q.db.GetContext(ctx, &p, `
		SELECT id, name, description, price, category_id, category_name,
		       image_url, stock_quantity, is_active, created_at, updated_at
		FROM products WHERE id = ?
	`, id)
	return p, err
}

// ListProductsParams はListProductsのパラメータ。
type ListProductsParams struct {
	// CategoryID が空でない場合、そのカテゴリの商品に絞り込む。
	CategoryID string
	// Limit は取得件数の上限。
	Limit int
	// Offset は取得開始位置。
	Offset int
}

// ListProducts は有効な商品の一覧をlimit/offsetページングで取得する。
func (q *Queries) ListProducts(ctx context.Context, arg ListProductsParams) ([]Product, error) {
	var products []Product
	query := `
		SELECT id, name, description, price, category_id, category_name,
		       image_url, stock_quantity, is_active, created_at, updated_at
		FROM products WHERE is_active = 1`
	args := []any{}
	if arg.CategoryID != "" {
		query += ` AND category_id = ?`
		args = append(args, arg.CategoryID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, arg.Limit, arg.Offset)

	err := q.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// UpdateProductParams はUpdateProductのパラメータ。
type UpdateProductParams struct {
	ID            string
	Name          string
	Description   string
	Price         float64
	CategoryID    string
	CategoryName  string
	ImageURL      string
	StockQuantity int
}

// UpdateProduct は商品を更新する。
func (q *Queries) UpdateProduct(ctx context.Context, arg UpdateProductParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE products
		SET name = ?, description = ?, price = ?, category_id = ?,
		    category_name = ?, image_url = ?, stock_quantity = ?,
		    updated_at = datetime('now')
		WHERE id = ?
	`, arg.Name, arg.Description, arg.Price, arg.CategoryID,
		arg.CategoryName, arg.ImageURL, arg.StockQuantity, arg.ID)
	return err
}

// DeactivateProduct は商品を論理削除する。
func (q *Queries) DeactivateProduct(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE products SET is_active = 0, updated_at = datetime('now') WHERE id = ?
	`, id)
	return err
}

// UpdateProductsCategoryName はカテゴリに属する全商品の
// 非正規化カテゴリ名を更新する。更新した件数を返す。
func (q *Queries) UpdateProductsCategoryName(ctx context.Context, categoryID, categoryName string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE products SET category_name = ?, updated_at = datetime('now') WHERE category_id = ?
	`, categoryName, categoryID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
