// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証、管理者権限チェック、レート制限、
// パニックリカバリ、CORS設定など、全サービスで共通して使用する
// ミドルウェアを含む。
package middleware
