package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// loadEntry lee la memoria y, si no hay nada, el tier persistente. Una entrada
// persistente solo hidrata la memoria si esta sigue vacía para id.
//
// Se llama siempre dentro del turno de keylock de key: así vencer y borrar la
// copia persistente no puede pisar un commit concurrente.
func loadEntry[T any](ctx context.Context, e *Engine, mem map[string]Entry[T], id, key string) (Entry[T], bool) {
	now := e.nowMs()
	e.mu.RLock()
	entry, ok := mem[id]
	e.mu.RUnlock()
	if ok {
		if entry.Live(now) {
			return entry, true
		}
		expireEntry(ctx, e, mem, id, key, entry.WrittenAt)
		return Entry[T]{}, false
	}

	var persisted Entry[T]
	found, err := e.readPersistent(ctx, key, &persisted)
	if err != nil {
		e.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return Entry[T]{}, false
	}
	if !found {
		return Entry[T]{}, false
	}
	if !persisted.Live(now) {
		e.removePersistent(ctx, key)
		return Entry[T]{}, false
	}

	e.mu.Lock()
	if existing, ok := mem[id]; ok {
		e.mu.Unlock()
		return existing, existing.Live(now)
	}
	mem[id] = persisted
	e.mu.Unlock()
	return persisted, true
}

// expireEntry descarta la entrada vencida solo si nadie la reemplazó mientras
// tanto. La copia persistente se borra bajo la misma condición.
func expireEntry[T any](ctx context.Context, e *Engine, mem map[string]Entry[T], id, key string, writtenAt int64) {
	e.mu.Lock()
	current, ok := mem[id]
	replaced := ok && current.WrittenAt != writtenAt
	if ok && !replaced {
		delete(mem, id)
	}
	e.mu.Unlock()
	if replaced {
		return
	}
	e.removePersistent(ctx, key)
}

// commitEntry escribe data con un TTL nuevo.
func commitEntry[T any](ctx context.Context, e *Engine, mem map[string]Entry[T], id, key string, data T, ttl time.Duration) Entry[T] {
	now := e.nowMs()
	return storeEntry(ctx, e, mem, id, key, Entry[T]{Data: data, WrittenAt: now, ExpiresAt: now + ttl.Milliseconds()})
}

// reviseEntry escribe data conservando el vencimiento de prev. Sin entrada
// previa (had falso) arranca un TTL nuevo.
func reviseEntry[T any](ctx context.Context, e *Engine, mem map[string]Entry[T], id, key string, data T, prev Entry[T], had bool, ttl time.Duration) Entry[T] {
	if !had {
		return commitEntry(ctx, e, mem, id, key, data, ttl)
	}
	return storeEntry(ctx, e, mem, id, key, Entry[T]{Data: data, WrittenAt: e.nowMs(), ExpiresAt: prev.ExpiresAt})
}

func storeEntry[T any](ctx context.Context, e *Engine, mem map[string]Entry[T], id, key string, entry Entry[T]) Entry[T] {
	e.mu.Lock()
	mem[id] = entry
	e.mu.Unlock()
	e.writePersistent(ctx, key, entry)
	return entry
}

func dropEntry[T any](ctx context.Context, e *Engine, mem map[string]Entry[T], id, key string) {
	e.mu.Lock()
	delete(mem, id)
	e.mu.Unlock()
	e.removePersistent(ctx, key)
}
