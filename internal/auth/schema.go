package auth

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// スキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS users (
    -- ユーザーの一意識別子
    id TEXT PRIMARY KEY,
    -- メールアドレス。ログインIDとして使用する
    email TEXT NOT NULL UNIQUE,
    -- bcryptでハッシュ化されたパスワード
    password_hash TEXT NOT NULL,
    -- 表示名
    display_name TEXT NOT NULL DEFAULT '',
    -- 役割（'customer' または 'admin'）
    role TEXT NOT NULL DEFAULT 'customer',
    -- 作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- メールアドレスでのログイン検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_users_email
    ON users(email);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
