// Package breaker はサービス間通信のサーキットブレーカーを提供する。
//
// 依存先サービスの連続失敗を数え、しきい値を超えたら一定時間
// 呼び出しを即座に失敗させることで、障害の連鎖を防ぐ。
// 状態はプロセスローカルであり、永続化しない。
package breaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State はサーキットブレーカーの状態を表す。
type State string

const (
	// StateClosed は通常状態。呼び出しはそのまま通過する。
	StateClosed State = "closed"
	// StateOpen は遮断状態。呼び出しは即座に失敗する。
	StateOpen State = "open"
	// StateHalfOpen は試行状態。回復確認のため1回だけ呼び出しを許可する。
	StateHalfOpen State = "half_open"
)

// ErrOpen はサーキットブレーカーが遮断状態のときに返されるエラー。
var ErrOpen = errors.New("サーキットブレーカーが遮断状態")

// Breaker は依存先サービスごとに1つ割り当てるサーキットブレーカー。
// 連続失敗回数が failureThreshold に達すると遮断状態になり、
// recoveryTimeout 経過後に試行状態へ移行する。
type Breaker struct {
	// name はログ出力用の依存先サービス名。
	name string
	// failureThreshold は遮断状態へ移行する連続失敗回数。
	failureThreshold int
	// recoveryTimeout は遮断状態から試行状態へ移行するまでの時間。
	recoveryTimeout time.Duration

	// mu は以下のフィールドへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// state は現在の状態。
	state State
	// failureCount は連続失敗回数。
	failureCount int
	// lastFailureAt は最後に失敗した時刻。
	lastFailureAt time.Time
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// New は新しいサーキットブレーカーを生成する。
// failureThresholdが0以下の場合は3、recoveryTimeoutが0以下の場合は60秒を使用する。
func New(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Allow は呼び出しを許可するかどうかを返す。
// 遮断状態でも回復時間が経過していれば試行状態へ移行して許可する。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailureAt) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			log.Printf("サーキットブレーカー %s が試行状態に移行", b.name)
			return true
		}
		return false
	}
	return true
}

// Success は呼び出しの成功を記録する。
// 試行状態からの成功は通常状態への復帰を意味する。
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.lastFailureAt = time.Time{}
	if b.state != StateClosed {
		b.state = StateClosed
		log.Printf("サーキットブレーカー %s が通常状態に復帰", b.name)
	}
}

// Failure は呼び出しの失敗を記録する。
// 連続失敗回数がしきい値に達するか、試行状態で失敗した場合は遮断状態へ移行する。
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureAt = b.now()

	if b.state == StateHalfOpen || b.failureCount >= b.failureThreshold {
		if b.state != StateOpen {
			log.Printf("サーキットブレーカー %s が遮断状態に移行（連続失敗 %d 回）", b.name, b.failureCount)
		}
		b.state = StateOpen
	}
}

// State は現在の状態を返す。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do はサーキットブレーカーの保護付きでfnを実行する。
// 遮断状態の場合はfnを実行せずにErrOpenを返す。
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}

	if err := fn(ctx); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
