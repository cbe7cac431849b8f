package repository

import (
	"context"
	"fmt"

	"case-chat/internal/domain"
	"case-chat/internal/realtime"
)

type MessageRepository interface {
	// NewKey reserva localmente el ID de un mensaje todavía no escrito.
	NewKey(conversationID string) string
	Put(ctx context.Context, message domain.Message) error
	Latest(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	Before(ctx context.Context, conversationID string, cursor int64, limit int) ([]domain.Message, error)
	Count(ctx context.Context, conversationID string) (int, error)
	Unread(ctx context.Context, conversationID, userID string) ([]domain.Message, error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
	Subscribe(ctx context.Context, conversationID string, after int64, windowSize int, fn func([]domain.Message)) (func(), error)
}

// messageRecord es lo que se guarda en el store remoto: un mensaje escrito ya
// está enviado, así que status y error no viajan.
type messageRecord struct {
	TempID      string              `json:"temp_id,omitempty"`
	SenderID    string              `json:"sender_id"`
	SenderName  string              `json:"sender_name"`
	SenderRole  domain.SenderRole   `json:"sender_role"`
	Content     string              `json:"content"`
	Timestamp   int64               `json:"timestamp"`
	IsRead      bool                `json:"is_read"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

type RealtimeMessageRepository struct {
	store realtime.Store
}

func NewRealtimeMessageRepository(store realtime.Store) *RealtimeMessageRepository {
	return &RealtimeMessageRepository{store: store}
}

func (r *RealtimeMessageRepository) NewKey(conversationID string) string {
	return r.store.PushKey(messagesPath(conversationID))
}

// Put escribe el mensaje bajo su ID; repetirlo con el mismo ID sobrescribe.
func (r *RealtimeMessageRepository) Put(ctx context.Context, message domain.Message) error {
	if message.ID == "" || message.ConversationID == "" {
		return fmt.Errorf("%w: message id and conversation id are required", domain.ErrValidation)
	}
	record := messageRecord{
		TempID:      message.TempID,
		SenderID:    message.SenderID,
		SenderName:  message.SenderName,
		SenderRole:  message.SenderRole,
		Content:     message.Content,
		Timestamp:   message.Timestamp,
		IsRead:      message.IsRead,
		Attachments: message.Attachments,
	}
	return r.store.Set(ctx, messagePath(message.ConversationID, message.ID), record)
}

func (r *RealtimeMessageRepository) Latest(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	nodes, err := r.store.Children(ctx, realtime.Query{
		Path:        messagesPath(conversationID),
		OrderBy:     timestampField,
		LimitToLast: limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeMessages(conversationID, nodes)
}

// Before devuelve los últimos limit mensajes estrictamente anteriores a cursor.
func (r *RealtimeMessageRepository) Before(ctx context.Context, conversationID string, cursor int64, limit int) ([]domain.Message, error) {
	nodes, err := r.store.Children(ctx, realtime.Query{
		Path:        messagesPath(conversationID),
		OrderBy:     timestampField,
		EndBefore:   &cursor,
		LimitToLast: limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeMessages(conversationID, nodes)
}

func (r *RealtimeMessageRepository) Count(ctx context.Context, conversationID string) (int, error) {
	return r.store.Count(ctx, messagesPath(conversationID))
}

// Unread devuelve los mensajes que userID no escribió y todavía no leyó.
func (r *RealtimeMessageRepository) Unread(ctx context.Context, conversationID, userID string) ([]domain.Message, error) {
	nodes, err := r.store.Children(ctx, realtime.Query{Path: messagesPath(conversationID), OrderBy: timestampField})
	if err != nil {
		return nil, err
	}
	messages, err := decodeMessages(conversationID, nodes)
	if err != nil {
		return nil, err
	}
	unread := messages[:0]
	for _, m := range messages {
		if m.SenderID != userID && !m.IsRead {
			unread = append(unread, m)
		}
	}
	return unread, nil
}

func (r *RealtimeMessageRepository) MarkRead(ctx context.Context, conversationID, messageID string) error {
	return r.store.Update(ctx, messagePath(conversationID, messageID), map[string]any{"is_read": true})
}

// Subscribe entrega los mensajes con timestamp mayor que after, primero los
// últimos windowSize existentes y luego cada uno nuevo.
func (r *RealtimeMessageRepository) Subscribe(ctx context.Context, conversationID string, after int64, windowSize int, fn func([]domain.Message)) (func(), error) {
	q := realtime.Query{
		Path:        messagesPath(conversationID),
		OrderBy:     timestampField,
		LimitToLast: windowSize,
	}
	if after > 0 {
		q.StartAfter = &after
	}
	return r.store.OnChildAdded(ctx, q, func(nodes []realtime.Node) {
		messages, err := decodeMessages(conversationID, nodes)
		if err != nil || len(messages) == 0 {
			return
		}
		fn(messages)
	})
}

func decodeMessages(conversationID string, nodes []realtime.Node) ([]domain.Message, error) {
	messages := make([]domain.Message, 0, len(nodes))
	for _, n := range nodes {
		var rec messageRecord
		if err := n.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", n.Path, err)
		}
		messages = append(messages, domain.Message{
			ID:             n.Key,
			TempID:         rec.TempID,
			ConversationID: conversationID,
			SenderID:       rec.SenderID,
			SenderName:     rec.SenderName,
			SenderRole:     rec.SenderRole,
			Content:        rec.Content,
			Timestamp:      rec.Timestamp,
			IsRead:         rec.IsRead,
			Attachments:    rec.Attachments,
			Status:         domain.StatusSent,
		})
	}
	domain.SortMessages(messages)
	return messages, nil
}
