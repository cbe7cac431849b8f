package repository

import (
	"context"
	"fmt"

	"case-chat/internal/domain"
	"case-chat/internal/realtime"
)

type ConversationRepository interface {
	GetMeta(ctx context.Context, conversationID string) (domain.ConversationMeta, bool, error)
	CreateMeta(ctx context.Context, conversationID string, meta domain.ConversationMeta) error
	UpdateParticipants(ctx context.Context, conversationID, caseReference string, participants domain.Participants) error
	UpdateLastMessage(ctx context.Context, conversationID string, message domain.Message) error
	AddToUser(ctx context.Context, userID, conversationID string) error
	RemoveFromUser(ctx context.Context, userID, conversationID string) error
	ListIDsByUser(ctx context.Context, userID string) ([]string, error)
	WatchUser(ctx context.Context, userID string, fn func(conversationIDs []string)) (func(), error)
	WatchMeta(ctx context.Context, conversationID string, fn func(meta domain.ConversationMeta, ok bool)) (func(), error)
	Delete(ctx context.Context, conversationID string) error
}

type RealtimeConversationRepository struct {
	store realtime.Store
}

func NewRealtimeConversationRepository(store realtime.Store) *RealtimeConversationRepository {
	return &RealtimeConversationRepository{store: store}
}

func (r *RealtimeConversationRepository) GetMeta(ctx context.Context, conversationID string) (domain.ConversationMeta, bool, error) {
	node, ok, err := r.store.Get(ctx, metadataPath(conversationID))
	if err != nil || !ok {
		return domain.ConversationMeta{}, false, err
	}
	var meta domain.ConversationMeta
	if err := node.Decode(&meta); err != nil {
		return domain.ConversationMeta{}, false, fmt.Errorf("decode metadata %s: %w", conversationID, err)
	}
	return meta, true, nil
}

func (r *RealtimeConversationRepository) CreateMeta(ctx context.Context, conversationID string, meta domain.ConversationMeta) error {
	return r.store.Set(ctx, metadataPath(conversationID), meta)
}

func (r *RealtimeConversationRepository) UpdateParticipants(ctx context.Context, conversationID, caseReference string, participants domain.Participants) error {
	return r.store.Update(ctx, metadataPath(conversationID), map[string]any{
		"case_reference": caseReference,
		"participants":   participants,
	})
}

// UpdateLastMessage deja en los metadatos la vista previa del mensaje y su ID,
// de modo que una vista previa sin mensaje se pueda detectar y reparar.
func (r *RealtimeConversationRepository) UpdateLastMessage(ctx context.Context, conversationID string, message domain.Message) error {
	return r.store.Update(ctx, metadataPath(conversationID), map[string]any{
		"last_message":      previewText(message),
		"last_message_id":   message.ID,
		"last_message_time": message.Timestamp,
	})
}

func (r *RealtimeConversationRepository) AddToUser(ctx context.Context, userID, conversationID string) error {
	return r.store.Set(ctx, userIndexEntryPath(userID, conversationID), true)
}

func (r *RealtimeConversationRepository) RemoveFromUser(ctx context.Context, userID, conversationID string) error {
	return r.store.Remove(ctx, userIndexEntryPath(userID, conversationID))
}

func (r *RealtimeConversationRepository) ListIDsByUser(ctx context.Context, userID string) ([]string, error) {
	nodes, err := r.store.Children(ctx, realtime.Query{Path: userIndexPath(userID)})
	if err != nil {
		return nil, err
	}
	return nodeKeys(nodes), nil
}

func (r *RealtimeConversationRepository) WatchUser(ctx context.Context, userID string, fn func([]string)) (func(), error) {
	return r.store.OnValue(ctx, userIndexPath(userID), func(nodes []realtime.Node) {
		fn(nodeKeys(nodes))
	})
}

func (r *RealtimeConversationRepository) WatchMeta(ctx context.Context, conversationID string, fn func(domain.ConversationMeta, bool)) (func(), error) {
	return r.store.OnValue(ctx, metadataPath(conversationID), func(nodes []realtime.Node) {
		for _, n := range nodes {
			if n.Key != "metadata" {
				continue
			}
			var meta domain.ConversationMeta
			if err := n.Decode(&meta); err != nil {
				return
			}
			fn(meta, true)
			return
		}
		fn(domain.ConversationMeta{}, false)
	})
}

// Delete borra mensajes y metadatos. Los mensajes van primero porque algunos
// backends solo borran un nivel por llamada.
func (r *RealtimeConversationRepository) Delete(ctx context.Context, conversationID string) error {
	if err := r.store.Remove(ctx, messagesPath(conversationID)); err != nil {
		return err
	}
	return r.store.Remove(ctx, conversationPath(conversationID))
}

func nodeKeys(nodes []realtime.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.Key)
	}
	return ids
}

func previewText(m domain.Message) string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.Attachments) > 0 {
		return "📎 " + m.Attachments[0].Name
	}
	return ""
}
