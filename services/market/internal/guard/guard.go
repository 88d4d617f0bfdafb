// Package guard предоставляет общие для всех экземпляров сервиса Redis-примитивы:
// маркеры "уже выполняется" (checkAndSet) и счётчики фиксированного окна.
package guard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Префиксы ключей.
const (
	prefixMarker = "market:guard:"
	prefixRate   = "market:rate:"
)

// Guard — маркер однократного выполнения с TTL.
type Guard interface {
	// CheckAndSet атомарно ставит маркер, если его нет. Возвращает false, если маркер уже стоит.
	CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release снимает маркер.
	Release(ctx context.Context, key string) error
}

// RedisGuard — реализация Guard на SET NX.
type RedisGuard struct {
	rdb *redis.Client
}

// NewRedisGuard создаёт Guard поверх клиента Redis.
func NewRedisGuard(rdb *redis.Client) *RedisGuard {
	return &RedisGuard{rdb: rdb}
}

// CheckAndSet ставит маркер через SET NX EX.
func (g *RedisGuard) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.rdb.SetNX(ctx, prefixMarker+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release удаляет маркер.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, prefixMarker+key).Err()
}

// Result — решение ограничителя.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter — ограничитель запросов с фиксированным окном.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// fixedWindowScript увеличивает счётчик и ставит TTL окна при первом запросе.
// Возвращает {счётчик, оставшийся TTL в мс}.
var fixedWindowScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	local ttl = redis.call("PTTL", KEYS[1])
	return {current, ttl}
`)

// RedisLimiter — Limiter на Lua-скрипте INCR + PEXPIRE.
type RedisLimiter struct {
	rdb *redis.Client
}

// NewRedisLimiter создаёт ограничитель поверх клиента Redis.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// Allow учитывает запрос и решает, укладывается ли он в лимит.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	res, err := fixedWindowScript.Run(ctx, l.rdb, []string{prefixRate + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{Allowed: true, Limit: limit, Remaining: limit}, err
	}

	current := int(res[0])
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}

	r := Result{
		Allowed:   current <= limit,
		Limit:     limit,
		Remaining: remaining,
	}
	if !r.Allowed {
		r.RetryAfter = ttl
	}
	return r, nil
}
