package event

import (
	"context"
	"log"
	"time"

	"github.com/nao1215/minimart/pkg/httpclient"
)

// maxPublishAttempts は1購読サービスあたりの最大送信試行回数。
const maxPublishAttempts = 3

// Publisher は購読サービスの /internal/events エンドポイントへ
// イベントを配送する。配送はベストエフォートであり、全試行が
// 失敗した場合はログに記録して諦める。
type Publisher struct {
	// subscribers は購読サービスのHTTPクライアント。
	subscribers []*httpclient.Client
	// retryBaseDelay はリトライの基準待ち時間。指数的に伸びる。
	retryBaseDelay time.Duration
}

// NewPublisher は新しいイベント配送器を生成する。
// subscriberURLsには購読サービスのベースURL（例: "http://cart:8083"）を指定する。
func NewPublisher(subscriberURLs ...string) *Publisher {
	clients := make([]*httpclient.Client, 0, len(subscriberURLs))
	for _, u := range subscriberURLs {
		clients = append(clients, httpclient.New(u))
	}
	return &Publisher{
		subscribers:    clients,
		retryBaseDelay: time.Second,
	}
}

// Publish はイベントを全購読サービスへ配送する。
// 各購読サービスへは最大3回、指数バックオフ付きで試行する。
func (p *Publisher) Publish(ctx context.Context, eventType Type, payload any) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		log.Printf("イベント %s の組み立てに失敗: %v", eventType, err)
		return
	}

	for _, sub := range p.subscribers {
		p.deliver(ctx, sub, env)
	}
}

// deliver は1つの購読サービスへイベントを配送する。
func (p *Publisher) deliver(ctx context.Context, sub *httpclient.Client, env *Envelope) {
	var lastErr error
	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		if lastErr = sub.PostJSON(ctx, "/internal/events", env, nil); lastErr == nil {
			return
		}

		if attempt < maxPublishAttempts {
			delay := p.retryBaseDelay << (attempt - 1)
			log.Printf("イベント %s の配送に失敗（%d回目）: %v。%v後に再試行", env.EventType, attempt, lastErr, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
	log.Printf("イベント %s の配送を諦めました（%d回失敗）: %v", env.EventType, maxPublishAttempts, lastErr)
}
