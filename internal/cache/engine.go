// Package cache implementa la caché de dos tiers (memoria + persistente) de
// ventanas de mensajes por conversación y de listas de conversaciones por
// usuario.
//
// Toda lectura y mutación corre dentro del turno de keylock de su clave; la
// memoria es la fuente de verdad y el tier persistente solo aporta
// durabilidad.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"case-chat/internal/domain"
	"case-chat/internal/keylock"
	"case-chat/internal/localstore"
)

type Engine struct {
	logger *zap.Logger
	store  localstore.Store
	locks  *keylock.Locker
	opts   Options

	mu       sync.RWMutex
	windows  map[string]Entry[Window]
	previews map[string]Entry[[]domain.Conversation]
}

// New construye el Engine. store puede ser nil: la caché queda solo en memoria.
func New(logger *zap.Logger, store localstore.Store, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:   logger,
		store:    store,
		locks:    keylock.New(),
		opts:     opts.withDefaults(),
		windows:  make(map[string]Entry[Window]),
		previews: make(map[string]Entry[[]domain.Conversation]),
	}
}

func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) nowMs() int64 {
	return e.opts.Now().UnixMilli()
}

func (e *Engine) messagesKey(conversationID string) string {
	return e.opts.KeyPrefix + "messages:" + conversationID
}

// Get devuelve la ventana viva de conversationID. Una entrada vencida se
// informa ausente y se descarta.
func (e *Engine) Get(ctx context.Context, conversationID string) (Snapshot, bool) {
	var (
		snap  Snapshot
		found bool
	)
	err := e.locks.Do(ctx, e.messagesKey(conversationID), func() error {
		entry, ok := e.loadWindow(ctx, conversationID)
		if ok {
			snap = Snapshot{Window: entry.Data.clone(), WrittenAt: entry.WrittenAt, ExpiresAt: entry.ExpiresAt}
			found = true
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, false
	}
	return snap, found
}

// Set reemplaza la ventana completa con una página del store remoto y
// renueva su TTL.
func (e *Engine) Set(ctx context.Context, conversationID string, messages []domain.Message, hasMore bool, totalCount int) error {
	return e.locks.Do(ctx, e.messagesKey(conversationID), func() error {
		w := Window{
			Messages:      domain.UniqueMessages(nil, cloneMessages(messages)),
			HasMore:       hasMore,
			TotalCount:    totalCount,
			SyncedThrough: newestTimestamp(messages),
		}
		commitEntry(ctx, e, e.windows, conversationID, e.messagesKey(conversationID), w.normalize(), e.opts.MessageTTL)
		return nil
	})
}

// Reload reemplaza la ventana con una página fresca del store remoto pero
// conserva los mensajes locales pendientes o fallidos que la página no trae.
// Es, junto con Set, la única escritura que renueva el TTL.
func (e *Engine) Reload(ctx context.Context, conversationID string, messages []domain.Message, hasMore bool, totalCount int) (Snapshot, error) {
	var snap Snapshot
	err := e.locks.Do(ctx, e.messagesKey(conversationID), func() error {
		fresh := domain.UniqueMessages(nil, cloneMessages(messages))
		if current, ok := e.loadWindow(ctx, conversationID); ok {
			local := lo.Filter(current.Data.Messages, func(m domain.Message, _ int) bool { return m.Status != domain.StatusSent })
			fresh = append(fresh, domain.UniqueMessages(fresh, cloneMessages(local))...)
		}
		w := Window{Messages: fresh, HasMore: hasMore, TotalCount: totalCount, SyncedThrough: newestTimestamp(messages)}
		entry := commitEntry(ctx, e, e.windows, conversationID, e.messagesKey(conversationID), w.normalize(), e.opts.MessageTTL)
		snap = Snapshot{Window: entry.Data.clone(), WrittenAt: entry.WrittenAt, ExpiresAt: entry.ExpiresAt}
		return nil
	})
	return snap, err
}

// Append agrega message salvo que ya esté en la ventana. Devuelve si lo agregó.
func (e *Engine) Append(ctx context.Context, conversationID string, message domain.Message) (bool, error) {
	accepted, err := e.AppendMany(ctx, conversationID, []domain.Message{message})
	return len(accepted) == 1, err
}

// AppendMany agrega los mensajes que no están en la ventana ni repetidos en el
// lote y recorta a los MaxWindow más recientes. Devuelve los aceptados. No
// mueve SyncedThrough ni el vencimiento de la ventana.
func (e *Engine) AppendMany(ctx context.Context, conversationID string, messages []domain.Message) ([]domain.Message, error) {
	return e.appendMessages(ctx, conversationID, messages, 0)
}

// AppendLive agrega un lote de la suscripción en vivo. through es el
// timestamp más nuevo del lote remoto completo, incluidos los mensajes que
// no se agregan por ser del propio usuario: todo hasta through ya llegó.
func (e *Engine) AppendLive(ctx context.Context, conversationID string, messages []domain.Message, through int64) ([]domain.Message, error) {
	return e.appendMessages(ctx, conversationID, messages, through)
}

func (e *Engine) appendMessages(ctx context.Context, conversationID string, messages []domain.Message, through int64) ([]domain.Message, error) {
	var accepted []domain.Message
	err := e.locks.Do(ctx, e.messagesKey(conversationID), func() error {
		current, ok := e.loadWindow(ctx, conversationID)
		w := current.Data
		if !ok {
			// Sin ventana no se sabe cuánta historia hay detrás.
			w = Window{HasMore: true}
		}
		accepted = domain.UniqueMessages(w.Messages, cloneMessages(messages))
		advance := through > w.SyncedThrough && (w.SyncedThrough > 0 || w.NewestSent() == 0)
		if len(accepted) == 0 && !advance {
			return nil
		}
		w.Messages = append(append([]domain.Message(nil), w.Messages...), accepted...)
		w.TotalCount += len(accepted)
		if advance {
			w.SyncedThrough = through
		}
		w = w.normalize().keepLast(e.opts.MaxWindow)
		e.reviseWindow(ctx, conversationID, w, current, ok)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneMessages(accepted), nil
}

// Prepend agrega una página de mensajes más antiguos. No recorta: la ventana
// crece con la paginación.
func (e *Engine) Prepend(ctx context.Context, conversationID string, older []domain.Message, hasMore bool) error {
	return e.locks.Do(ctx, e.messagesKey(conversationID), func() error {
		current, ok := e.loadWindow(ctx, conversationID)
		w := current.Data
		if !ok {
			w = Window{}
		}
		unique := domain.UniqueMessages(w.Messages, cloneMessages(older))
		w.Messages = append(unique, w.Messages...)
		w.HasMore = hasMore
		e.reviseWindow(ctx, conversationID, w.normalize(), current, ok)
		return nil
	})
}

// UpdateOne aplica patch al mensaje cuyo ID o TempID es ref.
func (e *Engine) UpdateOne(ctx context.Context, conversationID, ref string, patch domain.MessagePatch) error {
	return e.locks.Do(ctx, e.messagesKey(conversationID), func() error {
		current, ok := e.loadWindow(ctx, conversationID)
		if !ok {
			return fmt.Errorf("%w: conversation %s not cached", domain.ErrNotFound, conversationID)
		}
		w := current.Data
		_, idx, found := lo.FindIndexOf(w.Messages, func(m domain.Message) bool { return m.Matches(ref) })
		if !found {
			return fmt.Errorf("%w: message %s", domain.ErrNotFound, ref)
		}
		updated := patch.Apply(w.Messages[idx])
		messages := make([]domain.Message, 0, len(w.Messages))
		for i, m := range w.Messages {
			switch {
			case i == idx:
				messages = append(messages, updated)
			case updated.ID != "" && m.ID == updated.ID:
				// La copia confirmada ya estaba; queda la que acabamos de actualizar.
			default:
				messages = append(messages, m)
			}
		}
		w.Messages = messages
		e.reviseWindow(ctx, conversationID, w.normalize(), current, true)
		return nil
	})
}

// Remove quita un mensaje de la ventana.
func (e *Engine) Remove(ctx context.Context, conversationID, ref string) error {
	return e.locks.Do(ctx, e.messagesKey(conversationID), func() error {
		current, ok := e.loadWindow(ctx, conversationID)
		if !ok {
			return fmt.Errorf("%w: conversation %s not cached", domain.ErrNotFound, conversationID)
		}
		w := current.Data
		kept := lo.Reject(w.Messages, func(m domain.Message, _ int) bool { return m.Matches(ref) })
		if len(kept) == len(w.Messages) {
			return fmt.Errorf("%w: message %s", domain.ErrNotFound, ref)
		}
		w.Messages = kept
		if w.TotalCount > 0 {
			w.TotalCount--
		}
		e.reviseWindow(ctx, conversationID, w.normalize(), current, true)
		return nil
	})
}

// TrimOnClose deja solo los keepLast mensajes más recientes. Con keepLast <= 0
// descarta la ventana.
func (e *Engine) TrimOnClose(ctx context.Context, conversationID string, keepLast int) error {
	return e.locks.Do(ctx, e.messagesKey(conversationID), func() error {
		if keepLast <= 0 {
			e.dropWindow(ctx, conversationID)
			return nil
		}
		current, ok := e.loadWindow(ctx, conversationID)
		if !ok || len(current.Data.Messages) <= keepLast {
			return nil
		}
		e.reviseWindow(ctx, conversationID, current.Data.keepLast(keepLast), current, true)
		return nil
	})
}

// Invalidate descarta la ventana en ambos tiers.
func (e *Engine) Invalidate(ctx context.Context, conversationID string) error {
	return e.locks.Do(ctx, e.messagesKey(conversationID), func() error {
		e.dropWindow(ctx, conversationID)
		return nil
	})
}

func (e *Engine) loadWindow(ctx context.Context, conversationID string) (Entry[Window], bool) {
	return loadEntry(ctx, e, e.windows, conversationID, e.messagesKey(conversationID))
}

// reviseWindow guarda w sin extender el vencimiento de prev: solo una página
// remota (Set, Reload) prueba que la ventana sigue al día.
func (e *Engine) reviseWindow(ctx context.Context, conversationID string, w Window, prev Entry[Window], had bool) {
	reviseEntry(ctx, e, e.windows, conversationID, e.messagesKey(conversationID), w, prev, had, e.opts.MessageTTL)
}

func (e *Engine) dropWindow(ctx context.Context, conversationID string) {
	dropEntry(ctx, e, e.windows, conversationID, e.messagesKey(conversationID))
}

func newestTimestamp(messages []domain.Message) int64 {
	var newest int64
	for _, m := range messages {
		newest = max(newest, m.Timestamp)
	}
	return newest
}

func cloneMessages(messages []domain.Message) []domain.Message {
	return lo.Map(messages, func(m domain.Message, _ int) domain.Message { return m.Clone() })
}
