package cache

import (
	"context"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"case-chat/internal/domain"
)

func (e *Engine) conversationsKey(userID string) string {
	return e.opts.KeyPrefix + "conversations:" + userID
}

// GetConversationList devuelve la lista viva de vistas previas de userID.
func (e *Engine) GetConversationList(ctx context.Context, userID string) ([]domain.Conversation, bool) {
	var list []domain.Conversation
	found := false
	err := e.locks.Do(ctx, e.conversationsKey(userID), func() error {
		entry, ok := e.loadPreviews(ctx, userID)
		if ok {
			list = append([]domain.Conversation(nil), entry.Data...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false
	}
	return list, found
}

// SetConversationList reemplaza la lista de userID, sin IDs repetidos y
// ordenada por LastMessageTime descendente.
func (e *Engine) SetConversationList(ctx context.Context, userID string, list []domain.Conversation) error {
	err := e.locks.Do(ctx, e.conversationsKey(userID), func() error {
		e.commitPreviews(ctx, userID, list)
		return nil
	})
	if err != nil {
		return err
	}
	e.evictPreviews(ctx)
	return nil
}

// UpsertPreview aplica patch a la conversación dentro de la lista cacheada de
// userID, agregándola si no estaba. Sin lista cacheada no hace nada: una lista
// parcial se confundiría con la completa. Devuelve si aplicó el cambio.
func (e *Engine) UpsertPreview(ctx context.Context, userID, conversationID string, patch domain.ConversationPatch) (bool, error) {
	applied := false
	err := e.locks.Do(ctx, e.conversationsKey(userID), func() error {
		current, ok := e.loadPreviews(ctx, userID)
		if !ok {
			return nil
		}
		list := append([]domain.Conversation(nil), current.Data...)
		_, idx, found := lo.FindIndexOf(list, func(c domain.Conversation) bool { return c.ID == conversationID })
		if found {
			list[idx] = patch.Apply(list[idx])
		} else {
			list = append(list, patch.Apply(domain.Conversation{ID: conversationID}))
		}
		e.revisePreviews(ctx, userID, list, current)
		applied = true
		return nil
	})
	return applied, err
}

// RemovePreview quita una conversación de la lista cacheada de userID.
func (e *Engine) RemovePreview(ctx context.Context, userID, conversationID string) error {
	return e.locks.Do(ctx, e.conversationsKey(userID), func() error {
		current, ok := e.loadPreviews(ctx, userID)
		if !ok {
			return nil
		}
		kept := lo.Reject(current.Data, func(c domain.Conversation, _ int) bool { return c.ID == conversationID })
		if len(kept) == len(current.Data) {
			return nil
		}
		e.revisePreviews(ctx, userID, kept, current)
		return nil
	})
}

func (e *Engine) loadPreviews(ctx context.Context, userID string) (Entry[[]domain.Conversation], bool) {
	return loadEntry(ctx, e, e.previews, userID, e.conversationsKey(userID))
}

func (e *Engine) commitPreviews(ctx context.Context, userID string, list []domain.Conversation) {
	list = domain.UniqueConversations(list)
	domain.SortConversations(list)
	commitEntry(ctx, e, e.previews, userID, e.conversationsKey(userID), list, e.opts.PreviewTTL)
}

// revisePreviews guarda list conservando el vencimiento de prev; solo
// SetConversationList renueva el TTL.
func (e *Engine) revisePreviews(ctx context.Context, userID string, list []domain.Conversation, prev Entry[[]domain.Conversation]) {
	list = domain.UniqueConversations(list)
	domain.SortConversations(list)
	reviseEntry(ctx, e, e.previews, userID, e.conversationsKey(userID), list, prev, true, e.opts.PreviewTTL)
}

// evictPreviews descarta las listas escritas hace más tiempo cuando hay más de MaxCacheSize.
func (e *Engine) evictPreviews(ctx context.Context) {
	e.mu.RLock()
	excess := len(e.previews) - e.opts.MaxCacheSize
	if excess <= 0 {
		e.mu.RUnlock()
		return
	}
	type written struct {
		userID string
		at     int64
	}
	all := make([]written, 0, len(e.previews))
	for id, entry := range e.previews {
		all = append(all, written{userID: id, at: entry.WrittenAt})
	}
	e.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].at != all[j].at {
			return all[i].at < all[j].at
		}
		return all[i].userID < all[j].userID
	})
	for _, w := range all[:excess] {
		userID := w.userID
		err := e.locks.Do(ctx, e.conversationsKey(userID), func() error {
			e.mu.RLock()
			entry, ok := e.previews[userID]
			e.mu.RUnlock()
			if !ok || entry.WrittenAt != w.at {
				return nil
			}
			dropEntry(ctx, e, e.previews, userID, e.conversationsKey(userID))
			return nil
		})
		if err != nil {
			e.logger.Warn("preview eviction interrupted", zap.Error(err))
			return
		}
		e.logger.Debug("preview evicted", zap.String("user_id", userID))
	}
}
