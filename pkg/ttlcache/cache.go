// Package ttlcache は有効期限付きのプロセスローカルなキャッシュを提供する。
//
// リモートサービスへの重複した問い合わせを避けるために使用する。
// キャッシュは1インスタンス内に閉じており、他インスタンスの更新は
// 反映されない。有効期限と最大件数以外の無効化手段は持たない。
package ttlcache

import (
	"sync"
	"time"
)

// entry はキャッシュの1エントリ。
type entry[V any] struct {
	// value はキャッシュされた値。
	value V
	// insertedAt は挿入時刻。最大件数超過時の追い出し順に使用する。
	insertedAt time.Time
	// expiresAt は有効期限。これを過ぎたエントリは返さない。
	expiresAt time.Time
}

// Cache は有効期限付きのインメモリキャッシュ。
// キーは文字列（例: "product:<id>"）、値の型はジェネリクスで指定する。
type Cache[V any] struct {
	// ttl はエントリの有効期間。挿入時刻から起算する。
	ttl time.Duration
	// maxEntries は保持する最大件数。0以下の場合は無制限。
	maxEntries int
	// entries はキーごとのエントリ。
	entries map[string]entry[V]
	// mu はentriesへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// New は新しいTTLキャッシュを生成する。
// ttlが0以下の場合は300秒を使用する。maxEntriesが0以下の場合は件数制限なし。
func New[V any](ttl time.Duration, maxEntries int) *Cache[V] {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Cache[V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]entry[V]),
		now:        time.Now,
	}
}

// Get はキーに対応する値を返す。
// エントリが存在しないか有効期限切れの場合は第2戻り値がfalseになる。
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set はキーに値を設定する。有効期限は現在時刻からTTL後。
// 最大件数を超える場合、まず期限切れエントリを、次に最も古い
// エントリを追い出す。
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}

	c.entries[key] = entry[V]{
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(c.ttl),
	}
}

// Delete はキーに対応するエントリを削除する。
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len は現在のエントリ数を返す。期限切れエントリも数に含まれる。
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked は1件以上の空きを作る。muを保持した状態で呼ぶこと。
func (c *Cache[V]) evictLocked(now time.Time) {
	// 期限切れエントリの掃除
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	// 空きがなければ最も古いエントリを追い出す
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.insertedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.insertedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
