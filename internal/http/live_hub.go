package http

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"case-chat/internal/domain"
	"case-chat/internal/service"
)

const listenerBuffer = 64

type liveSubscriber interface {
	Subscribe(ctx context.Context, conversationID, localUserID string, onBatch func([]domain.Message)) (func(), error)
}

// liveHub comparte una suscripción en vivo por conversación entre todos los
// streams abiertos; SyncService admite una sola por conversación.
type liveHub struct {
	logger *zap.Logger
	sub    liveSubscriber

	mu     sync.Mutex
	nextID int
	rooms  map[string]*liveRoom
}

type liveRoom struct {
	listeners   map[int]chan []domain.Message
	unsubscribe func()
}

var _ liveSubscriber = (*service.SyncService)(nil)

func newLiveHub(logger *zap.Logger, sub liveSubscriber) *liveHub {
	return &liveHub{logger: logger, sub: sub, rooms: make(map[string]*liveRoom)}
}

// join devuelve un canal con los lotes nuevos de conversationID. El canal se
// cierra si la suscripción remota no se pudo establecer o al salir.
func (h *liveHub) join(ctx context.Context, conversationID string) (<-chan []domain.Message, func(), error) {
	ch := make(chan []domain.Message, listenerBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	room, exists := h.rooms[conversationID]
	if !exists {
		room = &liveRoom{listeners: make(map[int]chan []domain.Message)}
		h.rooms[conversationID] = room
	}
	room.listeners[id] = ch
	h.mu.Unlock()

	leave := func() { h.leave(conversationID, room, id) }
	if exists {
		return ch, leave, nil
	}

	unsubscribe, err := h.sub.Subscribe(ctx, conversationID, "", func(batch []domain.Message) {
		h.broadcast(conversationID, room, batch)
	})
	if err != nil {
		h.mu.Lock()
		if h.rooms[conversationID] == room {
			delete(h.rooms, conversationID)
		}
		for lid, lch := range room.listeners {
			if lid != id {
				close(lch)
			}
			delete(room.listeners, lid)
		}
		h.mu.Unlock()
		return nil, nil, err
	}

	h.mu.Lock()
	if h.rooms[conversationID] == room {
		room.unsubscribe = unsubscribe
		h.mu.Unlock()
		return ch, leave, nil
	}
	h.mu.Unlock()
	// Todos salieron mientras se suscribía.
	unsubscribe()
	return ch, leave, nil
}

func (h *liveHub) leave(conversationID string, room *liveRoom, id int) {
	h.mu.Lock()
	ch, ok := room.listeners[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(room.listeners, id)
	close(ch)
	var unsubscribe func()
	if len(room.listeners) == 0 && h.rooms[conversationID] == room {
		delete(h.rooms, conversationID)
		unsubscribe = room.unsubscribe
	}
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (h *liveHub) broadcast(conversationID string, room *liveRoom, batch []domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range room.listeners {
		select {
		case ch <- batch:
		default:
			h.logger.Warn("slow stream dropped live batch",
				zap.String("conversation_id", conversationID),
				zap.Int("listener", id),
				zap.Int("messages", len(batch)),
			)
		}
	}
}

func (h *liveHub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
