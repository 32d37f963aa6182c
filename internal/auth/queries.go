package auth

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// User はusersテーブルの1行を表す。
type User struct {
	// ID はユーザーの一意識別子。
	ID string `db:"id"`
	// Email はメールアドレス。
	Email string `db:"email"`
	// PasswordHash はbcryptでハッシュ化されたパスワード。
	PasswordHash string `db:"password_hash"`
	// DisplayName は表示名。
	DisplayName string `db:"display_name"`
	// Role は役割（"customer" または "admin"）。
	Role string `db:"role"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `db:"created_at"`
}

// Queries はusersテーブルへのクエリ実行オブジェクト。
type Queries struct {
	db *sqlx.DB
}

// NewQueries は新しいクエリ実行オブジェクトを生成する。
func NewQueries(db *sqlx.DB) *Queries {
	return &Queries{db: db}
}

// CreateUserParams はCreateUserのパラメータ。
type CreateUserParams struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	Role         string
}

// CreateUser は新しいユーザーを作成する。
func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, role)
		VALUES (?, ?, ?, ?, ?)
	`, arg.ID, arg.Email, arg.PasswordHash, arg.DisplayName, arg.Role)
	return err
}

// GetUserByEmail はメールアドレスでユーザーを取得する。
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := q.db.GetContext(ctx, &u, `
		SELECT id, email, password_hash, display_name, role, created_at
		FROM users
		WHERE email = ?
	`, email)
	return u, err
}

// GetUserByID はIDでユーザーを取得する。
func (q *Queries) GetUserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := q.db.GetContext(ctx, &u, `
		SELECT id, email, password_hash, display_name, role, created_at
		FROM users
		WHERE id = ?
	`, id)
	return u, err
}
