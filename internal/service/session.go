package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"case-chat/internal/domain"
	"case-chat/internal/pagination"
)

// SessionUser es quien tiene abierta la conversación.
type SessionUser struct {
	ID   string
	Name string
	Role domain.SenderRole
}

type SessionOptions struct {
	PageSize int
	// KeepOnClose es cuántos mensajes recientes quedan en caché al cerrar.
	KeepOnClose int
	OnChange    func(pagination.State[domain.Message])
}

// ConversationSession compone lo que necesita una pantalla de chat abierta:
// el paginador, la suscripción en vivo y los avisos del outbox.
type ConversationSession struct {
	logger         *zap.Logger
	sync           *SyncService
	outbox         *Outbox
	conversationID string
	user           SessionUser
	keepOnClose    int
	pager          *pagination.Controller[domain.Message]

	mu          sync.Mutex
	closed      bool
	unsubLive   func()
	unsubOutbox func()
}

// OpenSession carga la primera página (de la caché si está viva y al día) y
// después se suscribe a los mensajes posteriores a lo último sincronizado. Un fallo de la carga
// inicial queda en State y no impide abrir la sesión.
func OpenSession(ctx context.Context, syncService *SyncService, outbox *Outbox, conversationID string, user SessionUser, opts SessionOptions) (*ConversationSession, error) {
	if conversationID == "" || user.ID == "" {
		return nil, fmt.Errorf("%w: conversation id and user id are required", domain.ErrValidation)
	}
	pager, err := pagination.New[domain.Message](NewMessageFetcher(syncService, conversationID), pagination.Config[domain.Message]{
		PageSize: opts.PageSize,
		Same:     domain.SameMessage,
		OnChange: opts.OnChange,
	})
	if err != nil {
		return nil, err
	}
	s := &ConversationSession{
		logger:         syncService.logger.With(zap.String("conversation_id", conversationID)),
		sync:           syncService,
		outbox:         outbox,
		conversationID: conversationID,
		user:           user,
		keepOnClose:    opts.KeepOnClose,
		pager:          pager,
	}
	s.unsubOutbox = outbox.OnStatus(conversationID, s.applyStatus)

	if err := pager.LoadInitial(ctx); err != nil {
		s.logger.Warn("initial page failed", zap.Error(err))
	}

	unsubLive, err := syncService.Subscribe(ctx, conversationID, user.ID, func(batch []domain.Message) {
		pager.Merge(batch)
	})
	if err != nil {
		s.unsubOutbox()
		return nil, err
	}
	s.unsubLive = unsubLive
	return s, nil
}

func (s *ConversationSession) ConversationID() string {
	return s.conversationID
}

func (s *ConversationSession) State() pagination.State[domain.Message] {
	return s.pager.State()
}

func (s *ConversationSession) LoadInitial(ctx context.Context) error {
	return s.pager.LoadInitial(ctx)
}

func (s *ConversationSession) LoadMore(ctx context.Context) error {
	return s.pager.LoadMore(ctx)
}

func (s *ConversationSession) Refresh(ctx context.Context) error {
	return s.pager.Refresh(ctx)
}

// Send encola un mensaje del usuario de la sesión y devuelve su TempID.
func (s *ConversationSession) Send(ctx context.Context, content string, attachments []domain.Attachment) (string, error) {
	return s.outbox.Send(ctx, domain.Message{
		ConversationID: s.conversationID,
		SenderID:       s.user.ID,
		SenderName:     s.user.Name,
		SenderRole:     s.user.Role,
		Content:        content,
		Attachments:    attachments,
	})
}

func (s *ConversationSession) Retry(ctx context.Context, ref string) error {
	return s.outbox.Retry(ctx, s.conversationID, ref)
}

func (s *ConversationSession) DeleteFailed(ctx context.Context, ref string) error {
	return s.outbox.DeleteFailed(ctx, s.conversationID, ref)
}

// MarkRead marca como leídos los mensajes ajenos y refleja el cambio en la vista.
func (s *ConversationSession) MarkRead(ctx context.Context) (int, error) {
	marked, err := s.sync.MarkRead(ctx, s.conversationID, s.user.ID)
	if marked > 0 {
		for _, m := range s.pager.State().Items {
			if m.SenderID == s.user.ID || m.IsRead || m.ID == "" {
				continue
			}
			id := m.ID
			s.pager.Update(func(x domain.Message) bool { return x.ID == id }, func(x domain.Message) domain.Message {
				x.IsRead = true
				return x
			})
		}
	}
	return marked, err
}

// Close corta la suscripción y recorta la ventana en caché. Las entregas en
// curso siguen en el outbox.
func (s *ConversationSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubLive, unsubOutbox := s.unsubLive, s.unsubOutbox
	s.mu.Unlock()

	unsubOutbox()
	unsubLive()
	return s.sync.cache.TrimOnClose(ctx, s.conversationID, s.keepOnClose)
}

func (s *ConversationSession) applyStatus(evt StatusEvent) {
	byTempID := func(m domain.Message) bool { return m.TempID != "" && m.TempID == evt.TempID }
	if evt.Deleted {
		s.pager.Remove(byTempID)
		return
	}
	updated := evt.Message
	if !s.pager.Update(byTempID, func(domain.Message) domain.Message { return updated }) {
		s.pager.Insert(updated)
		return
	}
	if updated.ID != "" {
		// Una copia confirmada que llegó por otra vía queda absorbida.
		s.pager.Remove(func(m domain.Message) bool { return m.ID == updated.ID && m.TempID != updated.TempID })
	}
}
