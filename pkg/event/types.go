// Package event はサービス間のデータ同期イベントを定義する。
//
// 各サービスは非正規化して保持している他サービスのデータを、
// /internal/events エンドポイントで受け取るイベントによってのみ更新する。
// 配送はベストエフォートであり、収束は保証されない。
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeProductUpdated は商品の名前・価格・画像が変更されたことを表す。
	TypeProductUpdated Type = "product.updated"
	// TypeCategoryUpdated はカテゴリ名が変更されたことを表す。
	TypeCategoryUpdated Type = "category.updated"
)

// Envelope はサービス間で送受信するイベントの封筒形式。
// /internal/events エンドポイントのリクエストボディとして使用する。
type Envelope struct {
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Payload はイベント固有のデータ（JSON形式）。
	Payload json.RawMessage `json:"payload"`
	// Timestamp はイベントが発生した日時。
	Timestamp time.Time `json:"timestamp"`
}

// ProductUpdatedPayload はproduct.updatedイベントのデータ。
// 非正規化スナップショット（カート内の商品名・価格・画像）の更新に使用する。
type ProductUpdatedPayload struct {
	// ProductID は更新された商品のID。
	ProductID string `json:"product_id"`
	// Name は更新後の商品名。
	Name string `json:"name"`
	// Price は更新後の価格。
	Price float64 `json:"price"`
	// ImageURL は更新後の商品画像URL。
	ImageURL string `json:"image_url"`
	// CategoryID は商品が属するカテゴリのID。
	CategoryID string `json:"category_id"`
}

// CategoryUpdatedPayload はcategory.updatedイベントのデータ。
type CategoryUpdatedPayload struct {
	// CategoryID は更新されたカテゴリのID。
	CategoryID string `json:"category_id"`
	// Name は更新後のカテゴリ名。
	Name string `json:"name"`
}

// NewEnvelope は新しいイベント封筒を生成する。
// payloadにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func NewEnvelope(eventType Type, payload any) (*Envelope, error) {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Envelope{
		EventType: eventType,
		Payload:   jsonPayload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DecodePayload はイベントのPayloadフィールドを指定された型にデシリアライズする。
func DecodePayload[T any](e *Envelope) (*T, error) {
	var payload T
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &payload, nil
}
