package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SendRateLimiter limita cuántos mensajes puede enviar un usuario por ventana.
type SendRateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type memorySendRateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewSendRateLimiter crea un limitador en memoria de ventana deslizante.
func NewSendRateLimiter(window time.Duration, max int) SendRateLimiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &memorySendRateLimiter{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *memorySendRateLimiter) Allow(_ context.Context, key string) bool {
	key = normalizeLimitKey(key)
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	cutoff := now.Add(-l.window)
	entries := l.hits[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

const redisSendAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// redisSendRateLimiter comparte el conteo entre instancias con una ventana
// fija. Si Redis falla deja pasar el envío.
type redisSendRateLimiter struct {
	client  redisEvaler
	window  time.Duration
	max     int
	prefix  string
	timeout time.Duration
}

func NewRedisSendRateLimiter(client *redis.Client, window time.Duration, max int) SendRateLimiter {
	if client == nil {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &redisSendRateLimiter{
		client:  client,
		window:  window,
		max:     max,
		prefix:  "chat:send:rl:",
		timeout: 500 * time.Millisecond,
	}
}

func (l *redisSendRateLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	key = normalizeLimitKey(key)
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	seconds := int(l.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := l.client.Eval(ctx, redisSendAllowScript, []string{l.prefix + key}, seconds).Int()
	if err != nil {
		return true
	}
	return count <= l.max
}

func normalizeLimitKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
