package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"case-chat/internal/domain"
)

func (e *Engine) readPersistent(ctx context.Context, key string, out any) (bool, error) {
	if e.store == nil {
		return false, nil
	}
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: get %s: %w", domain.ErrCacheIO, key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %w", domain.ErrCacheIO, key, err)
	}
	return true, nil
}

// writePersistent guarda entry con reintentos. Un fallo se registra y se
// descarta: la memoria ya tiene el valor.
func (e *Engine) writePersistent(ctx context.Context, key string, entry any) {
	if e.store == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		e.logger.Error("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.store.Set(ctx, key, string(raw))
	}); err != nil {
		e.logger.Warn("cache persist failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) removePersistent(ctx context.Context, key string) {
	if e.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.store.Remove(ctx, key)
	}); err != nil {
		e.logger.Warn("cache remove failed", zap.String("key", key), zap.Error(err))
	}
}

// withRetry hace hasta RetryAttempts intentos esperando RetryBackoff, 2x, 4x...
// entre ellos. El error final va envuelto en ErrCacheIO.
func (e *Engine) withRetry(ctx context.Context, op func(context.Context) error) error {
	var err error
	wait := e.opts.RetryBackoff
	for attempt := 1; attempt <= e.opts.RetryAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == e.opts.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrCacheIO, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("%w: after %d attempts: %w", domain.ErrCacheIO, e.opts.RetryAttempts, err)
}

// expiredOnDisk indica si la copia persistente de key venció o no se puede
// decodificar. Una clave ausente no cuenta.
func (e *Engine) expiredOnDisk(ctx context.Context, key string, now int64) bool {
	var header struct {
		ExpiresAt int64 `json:"expires_at"`
	}
	found, err := e.readPersistent(ctx, key, &header)
	if err != nil {
		return true
	}
	return found && header.ExpiresAt <= now
}

// Sweep borra de ambos tiers las entradas vencidas y las que no se pueden
// decodificar. Devuelve cuántas claves persistentes eliminó.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	now := e.nowMs()
	e.mu.Lock()
	for id, entry := range e.windows {
		if !entry.Live(now) {
			delete(e.windows, id)
		}
	}
	for id, entry := range e.previews {
		if !entry.Live(now) {
			delete(e.previews, id)
		}
	}
	e.mu.Unlock()

	if e.store == nil {
		return 0, nil
	}
	keys, err := e.ownKeys(ctx)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, key := range keys {
		if e.expiredOnDisk(ctx, key, now) {
			stale = append(stale, key)
		}
	}
	// Entre la lectura y el borrado otra escritura pudo renovar la clave: se
	// vuelve a mirar dentro de su turno.
	removed := 0
	for _, key := range stale {
		err := e.locks.Do(ctx, key, func() error {
			if !e.expiredOnDisk(ctx, key, e.nowMs()) {
				return nil
			}
			if err := e.store.Remove(ctx, key); err != nil {
				return fmt.Errorf("%w: remove %s: %w", domain.ErrCacheIO, key, err)
			}
			removed++
			return nil
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Run ejecuta Sweep cada interval hasta que ctx termine.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.opts.MessageTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				e.logger.Info("cache sweep", zap.Int("removed", removed))
			}
		}
	}
}

// Clear vacía la caché completa (por ejemplo al cerrar sesión).
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	clear(e.windows)
	clear(e.previews)
	e.mu.Unlock()

	if e.store == nil {
		return nil
	}
	keys, err := e.ownKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := e.store.MultiRemove(ctx, keys); err != nil {
		return fmt.Errorf("%w: multi remove: %w", domain.ErrCacheIO, err)
	}
	return nil
}

// Keys lista las claves persistentes de este Engine.
func (e *Engine) Keys(ctx context.Context) ([]string, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.ownKeys(ctx)
}

func (e *Engine) ownKeys(ctx context.Context) ([]string, error) {
	keys, err := e.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %w", domain.ErrCacheIO, err)
	}
	return lo.Filter(keys, func(k string, _ int) bool { return strings.HasPrefix(k, e.opts.KeyPrefix) }), nil
}
