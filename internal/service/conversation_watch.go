package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"case-chat/internal/domain"
)

// conversationWatch escucha el índice de un usuario y los metadatos de cada
// conversación listada. Los cambios se coalescen: una sola goroutine recalcula
// la lista, así onChange nunca corre dentro de un callback del store.
type conversationWatch struct {
	svc      *SyncService
	userID   string
	onChange func([]domain.Conversation)

	mu       sync.Mutex
	metas    map[string]func()
	closed   bool
	unsubIdx func()

	dirty chan struct{}
	stop  chan struct{}
}

// SubscribeConversations llama a onChange con la lista completa cada vez que
// cambia el índice de userID o los metadatos de alguna de sus conversaciones.
func (s *SyncService) SubscribeConversations(ctx context.Context, userID string, onChange func([]domain.Conversation)) (func(), error) {
	w := &conversationWatch{
		svc:      s,
		userID:   userID,
		onChange: onChange,
		metas:    make(map[string]func()),
		dirty:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	rctx, cancel := s.remote(ctx)
	defer cancel()
	unsubIdx, err := s.conversations.WatchUser(rctx, userID, func(ids []string) {
		w.syncMetas(ids)
		w.markDirty()
	})
	if err != nil {
		return nil, remoteError("watch user conversations", err)
	}
	w.mu.Lock()
	w.unsubIdx = unsubIdx
	w.mu.Unlock()

	go w.loop()
	return w.close, nil
}

func (w *conversationWatch) markDirty() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

func (w *conversationWatch) syncMetas(ids []string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	wanted := make(map[string]struct{}, len(ids))
	var added []string
	for _, id := range ids {
		wanted[id] = struct{}{}
		if _, ok := w.metas[id]; !ok {
			w.metas[id] = func() {}
			added = append(added, id)
		}
	}
	var removed []func()
	for id, unsub := range w.metas {
		if _, ok := wanted[id]; !ok {
			removed = append(removed, unsub)
			delete(w.metas, id)
		}
	}
	w.mu.Unlock()

	for _, unsub := range removed {
		unsub()
	}
	for _, id := range added {
		ctx, cancel := w.svc.remote(context.Background())
		unsub, err := w.svc.conversations.WatchMeta(ctx, id, func(domain.ConversationMeta, bool) {
			w.markDirty()
		})
		cancel()
		if err != nil {
			w.svc.logger.Warn("watch conversation metadata failed", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		w.mu.Lock()
		if _, still := w.metas[id]; still && !w.closed {
			w.metas[id] = unsub
			w.mu.Unlock()
			continue
		}
		w.mu.Unlock()
		unsub()
	}
}

func (w *conversationWatch) loop() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.dirty:
			list, err := w.svc.ListConversations(context.Background(), w.userID)
			if err != nil {
				w.svc.logger.Warn("conversation list refresh failed", zap.String("user_id", w.userID), zap.Error(err))
				continue
			}
			select {
			case <-w.stop:
				return
			default:
			}
			if w.onChange != nil {
				w.onChange(list)
			}
		}
	}
}

func (w *conversationWatch) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	unsubs := make([]func(), 0, len(w.metas)+1)
	for _, unsub := range w.metas {
		unsubs = append(unsubs, unsub)
	}
	w.metas = map[string]func(){}
	if w.unsubIdx != nil {
		unsubs = append(unsubs, w.unsubIdx)
	}
	w.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	close(w.stop)
}
