package service

import (
	"context"

	"go.uber.org/zap"

	"case-chat/internal/domain"
	"case-chat/internal/pagination"
)

// MessageFetcher adapta SyncService al paginador para una conversación. La
// carga inicial responde desde la caché si hay ventana viva y al día; Refresh y las
// páginas anteriores siempre van al store remoto y dejan el resultado en caché.
type MessageFetcher struct {
	sync           *SyncService
	conversationID string
}

var (
	_ pagination.Fetcher[domain.Message]      = (*MessageFetcher)(nil)
	_ pagination.FreshFetcher[domain.Message] = (*MessageFetcher)(nil)
)

func NewMessageFetcher(syncService *SyncService, conversationID string) *MessageFetcher {
	return &MessageFetcher{sync: syncService, conversationID: conversationID}
}

// FetchLatest sirve la ventana cacheada mientras esté al día. Si tiene
// mensajes confirmados más nuevos que lo último sincronizado va al store
// remoto; si este falla, la ventana vieja es mejor que nada.
func (f *MessageFetcher) FetchLatest(ctx context.Context, limit int) (pagination.Page[domain.Message], error) {
	snap, ok := f.sync.cache.Get(ctx, f.conversationID)
	if !ok || len(snap.Messages) == 0 {
		return f.FetchFresh(ctx, limit)
	}
	if snap.Stale() {
		page, err := f.FetchFresh(ctx, limit)
		if err == nil {
			return page, nil
		}
		f.sync.logger.Warn("serving stale window", zap.String("conversation_id", f.conversationID), zap.Error(err))
	}
	return pagination.Page[domain.Message]{
		Items:      snap.Messages,
		HasMore:    snap.HasMore,
		TotalCount: snap.TotalCount,
	}, nil
}

// FetchFresh ignora la caché. La página devuelta incluye los envíos locales
// pendientes o fallidos que la caché conservaba.
func (f *MessageFetcher) FetchFresh(ctx context.Context, limit int) (pagination.Page[domain.Message], error) {
	page, err := f.sync.FetchLatest(ctx, f.conversationID, limit)
	if err != nil {
		return pagination.Page[domain.Message]{}, err
	}
	snap, err := f.sync.cache.Reload(ctx, f.conversationID, page.Items, page.HasMore, page.TotalCount)
	if err != nil {
		f.sync.logger.Warn("cache reload failed", zap.String("conversation_id", f.conversationID), zap.Error(err))
		return page, nil
	}
	return pagination.Page[domain.Message]{
		Items:      snap.Messages,
		HasMore:    snap.HasMore,
		TotalCount: snap.TotalCount,
	}, nil
}

func (f *MessageFetcher) FetchBefore(ctx context.Context, cursor int64, limit int) (pagination.Page[domain.Message], error) {
	page, err := f.sync.FetchBefore(ctx, f.conversationID, cursor, limit)
	if err != nil {
		return pagination.Page[domain.Message]{}, err
	}
	if err := f.sync.cache.Prepend(ctx, f.conversationID, page.Items, page.HasMore); err != nil {
		f.sync.logger.Warn("cache prepend failed", zap.String("conversation_id", f.conversationID), zap.Error(err))
	}
	return page, nil
}
