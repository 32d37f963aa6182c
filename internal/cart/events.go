package cart

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nao1215/minimart/pkg/event"
)

// maxProcessAttempts はイベント処理のリトライ上限。
const maxProcessAttempts = 3

// maxDeadLetters は保持するデッドレターの上限。
const maxDeadLetters = 100

// deadLetter は処理に失敗したイベントの記録。
type deadLetter struct {
	// EventType はイベント種別。
	EventType event.Type `json:"event_type"`
	// Payload はイベントのペイロード。
	Payload any `json:"payload"`
	// Error は最後の処理失敗の内容。
	Error string `json:"error"`
	// FailedAt は最終失敗日時。
	FailedAt time.Time `json:"failed_at"`
}

// eventProcessor は受信イベントをリトライ付きで処理する。
// 全リトライ失敗後はデッドレターとしてメモリ上に保持する。
type eventProcessor struct {
	mu          sync.Mutex
	deadLetters []deadLetter
	// retryDelay はリトライの基準待ち時間。テストでは短縮する。
	retryDelay time.Duration
}

// newEventProcessor は新しいイベント処理オブジェクトを生成する。
func newEventProcessor() *eventProcessor {
	return &eventProcessor{retryDelay: time.Second}
}

// process はイベント処理を指数バックオフでリトライする。
// 全試行が失敗した場合はデッドレターに記録し、エラーを返す。
func (p *eventProcessor) process(ctx context.Context, e *event.Envelope, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxProcessAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		log.Printf("イベント処理失敗（%d回目）: type=%s err=%v", attempt, e.EventType, lastErr)
		if attempt < maxProcessAttempts {
			delay := p.retryDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxProcessAttempts
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, deadLetter{
		EventType: e.EventType,
		Payload:   e.Payload,
		Error:     lastErr.Error(),
		FailedAt:  time.Now(),
	})
	if len(p.deadLetters) > maxDeadLetters {
		p.deadLetters = p.deadLetters[len(p.deadLetters)-maxDeadLetters:]
	}
	return lastErr
}

// list はデッドレターの一覧を返す。
func (p *eventProcessor) list() []deadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]deadLetter, len(p.deadLetters))
	copy(out, p.deadLetters)
	return out
}
