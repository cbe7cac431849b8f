package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"case-chat/internal/cache"
	"case-chat/internal/domain"
	"case-chat/internal/pagination"
	"case-chat/internal/repository"
)

const (
	defaultRemoteTimeout  = 15 * time.Second
	defaultLiveWindowSize = 50
	defaultMaxParallel    = 8
)

var validate = validator.New()

type SyncConfig struct {
	// RemoteTimeout acota cada llamada al store remoto.
	RemoteTimeout  time.Duration
	LiveWindowSize int
	// MaxParallel limita los conteos de no leídos concurrentes.
	MaxParallel int
	Now         func() time.Time
}

// SyncService es el puente entre el store remoto y la caché: toda lectura y
// escritura remota pasa por aquí.
type SyncService struct {
	logger        *zap.Logger
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	cache         *cache.Engine
	cfg           SyncConfig

	mu      sync.Mutex
	nextSub int
	live    map[string]liveSubscription
}

type liveSubscription struct {
	id          int
	unsubscribe func()
}

func NewSyncService(logger *zap.Logger, messages repository.MessageRepository, conversations repository.ConversationRepository, engine *cache.Engine, cfg SyncConfig) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = defaultRemoteTimeout
	}
	if cfg.LiveWindowSize <= 0 {
		cfg.LiveWindowSize = defaultLiveWindowSize
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SyncService{
		logger:        logger,
		messages:      messages,
		conversations: conversations,
		cache:         engine,
		cfg:           cfg,
		live:          make(map[string]liveSubscription),
	}
}

func (s *SyncService) Cache() *cache.Engine {
	return s.cache
}

func (s *SyncService) remote(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RemoteTimeout)
}

// ReserveID devuelve la clave bajo la que se escribirá un mensaje. Reusarla en
// cada reintento hace que un reenvío sobrescriba en vez de duplicar.
func (s *SyncService) ReserveID(conversationID string) string {
	return s.messages.NewKey(conversationID)
}

type sendRules struct {
	ConversationID string `validate:"required,max=256"`
	SenderID       string `validate:"required,max=256"`
	SenderName     string `validate:"max=256"`
	Content        string `validate:"max=10000"`
}

func validateSend(msg domain.Message) error {
	if !msg.HasBody() {
		return fmt.Errorf("%w: message needs content or attachments", domain.ErrValidation)
	}
	if !msg.SenderRole.Valid() {
		return fmt.Errorf("%w: invalid sender role", domain.ErrValidation)
	}
	rules := sendRules{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
	}
	if err := validate.Struct(rules); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
	}
	return nil
}

// Send escribe primero los metadatos y después el mensaje, y lo refleja en la
// caché como enviado. Si msg no trae ID se reserva uno.
func (s *SyncService) Send(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg.ConversationID = strings.TrimSpace(msg.ConversationID)
	msg.SenderID = strings.TrimSpace(msg.SenderID)
	if err := validateSend(msg); err != nil {
		return domain.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = s.ReserveID(msg.ConversationID)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = s.cfg.Now().UnixMilli()
	}
	msg.IsRead = false

	rctx, cancel := s.remote(ctx)
	defer cancel()
	// Las reglas del store exigen que los metadatos existan antes del mensaje.
	if err := s.conversations.UpdateLastMessage(rctx, msg.ConversationID, msg); err != nil {
		return domain.Message{}, remoteError("update conversation metadata", err)
	}
	if err := s.messages.Put(rctx, msg); err != nil {
		return domain.Message{}, remoteError("write message", err)
	}

	msg.Status = domain.StatusSent
	msg.Error = ""
	s.mirrorSent(ctx, msg)
	s.touchPreview(ctx, msg.SenderID, msg)
	return msg, nil
}

func (s *SyncService) mirrorSent(ctx context.Context, msg domain.Message) {
	ref := msg.TempID
	if ref == "" {
		ref = msg.ID
	}
	sent := domain.StatusSent
	err := s.cache.UpdateOne(ctx, msg.ConversationID, ref, domain.MessagePatch{ID: &msg.ID, Status: &sent})
	if errors.Is(err, domain.ErrNotFound) {
		_, err = s.cache.Append(ctx, msg.ConversationID, msg)
	}
	if err != nil {
		s.logger.Warn("cache mirror failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
}

func (s *SyncService) touchPreview(ctx context.Context, userID string, msg domain.Message) {
	text := msg.Content
	if _, err := s.cache.UpsertPreview(ctx, userID, msg.ConversationID, domain.ConversationPatch{
		LastMessage:     &text,
		LastMessageTime: &msg.Timestamp,
	}); err != nil {
		s.logger.Warn("preview update failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Subscribe mantiene un único listener en vivo por conversación: volver a
// llamarlo desmonta el anterior. onBatch recibe solo los mensajes que no son
// de localUserID y que la caché no tenía.
func (s *SyncService) Subscribe(ctx context.Context, conversationID, localUserID string, onBatch func([]domain.Message)) (func(), error) {
	s.mu.Lock()
	if prev, ok := s.live[conversationID]; ok {
		delete(s.live, conversationID)
		s.mu.Unlock()
		prev.unsubscribe()
	} else {
		s.mu.Unlock()
	}

	// Se escucha desde lo último confirmado por el store remoto, no desde el
	// mensaje más nuevo de la caché: un envío propio puede haber quedado
	// después de mensajes ajenos que nadie recibió. Con marca no se limita el
	// lote inicial para no dejar huecos.
	after, windowSize := int64(0), s.cfg.LiveWindowSize
	if snap, ok := s.cache.Get(ctx, conversationID); ok && snap.SyncedThrough > 0 {
		after, windowSize = snap.SyncedThrough, 0
	}

	rctx, cancel := s.remote(ctx)
	defer cancel()
	unsubscribe, err := s.messages.Subscribe(rctx, conversationID, after, windowSize, func(batch []domain.Message) {
		if len(batch) == 0 {
			return
		}
		through := lo.MaxBy(batch, func(a, b domain.Message) bool { return a.Timestamp > b.Timestamp }).Timestamp
		incoming := lo.Filter(batch, func(m domain.Message, _ int) bool { return m.SenderID != localUserID })
		accepted, err := s.cache.AppendLive(context.Background(), conversationID, incoming, through)
		if err != nil {
			s.logger.Warn("live batch dropped", zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}
		if len(accepted) > 0 && onBatch != nil {
			onBatch(accepted)
		}
	})
	if err != nil {
		s.logger.Warn("live subscription failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, remoteError("subscribe", err)
	}

	s.mu.Lock()
	s.nextSub++
	sub := liveSubscription{id: s.nextSub, unsubscribe: unsubscribe}
	s.live[conversationID] = sub
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if current, ok := s.live[conversationID]; ok && current.id == sub.id {
			delete(s.live, conversationID)
		}
		s.mu.Unlock()
		unsubscribe()
	}, nil
}

// Unsubscribe desmonta el listener en vivo de conversationID, si hay uno.
func (s *SyncService) Unsubscribe(conversationID string) {
	s.mu.Lock()
	sub, ok := s.live[conversationID]
	delete(s.live, conversationID)
	s.mu.Unlock()
	if ok {
		sub.unsubscribe()
	}
}

// MarkRead marca como leídos los mensajes de otros participantes. Es best
// effort: un permiso denegado sobre un mensaje se registra y se salta.
func (s *SyncService) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	rctx, cancel := s.remote(ctx)
	defer cancel()
	unread, err := s.messages.Unread(rctx, conversationID, userID)
	if err != nil {
		return 0, remoteError("list unread", err)
	}

	var (
		marked   int
		firstErr error
	)
	read := true
	for _, m := range unread {
		if err := s.messages.MarkRead(rctx, conversationID, m.ID); err != nil {
			if errors.Is(err, domain.ErrPermission) {
				s.logger.Debug("mark read denied", zap.String("conversation_id", conversationID), zap.String("message_id", m.ID))
				continue
			}
			s.logger.Warn("mark read failed", zap.String("message_id", m.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = remoteError("mark read", err)
			}
			continue
		}
		marked++
		if err := s.cache.UpdateOne(ctx, conversationID, m.ID, domain.MessagePatch{IsRead: &read}); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("cache read flag failed", zap.String("message_id", m.ID), zap.Error(err))
		}
	}

	zero := 0
	if _, err := s.cache.UpsertPreview(ctx, userID, conversationID, domain.ConversationPatch{UnreadCount: &zero}); err != nil {
		s.logger.Warn("preview update failed", zap.String("user_id", userID), zap.Error(err))
	}
	return marked, firstErr
}

// ListConversations arma las vistas previas de userID con su conteo de no
// leídos, ordenadas por último mensaje, y las deja en caché.
func (s *SyncService) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rctx, cancel := s.remote(ctx)
	defer cancel()
	ids, err := s.conversations.ListIDsByUser(rctx, userID)
	if err != nil {
		return nil, remoteError("list user conversations", err)
	}

	results := make([]*domain.Conversation, len(ids))
	g, gctx := errgroup.WithContext(rctx)
	g.SetLimit(s.cfg.MaxParallel)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			meta, ok, err := s.conversations.GetMeta(gctx, id)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", id, err)
			}
			if !ok {
				return nil
			}
			unread, err := s.messages.Unread(gctx, id, userID)
			if err != nil {
				return fmt.Errorf("unread %s: %w", id, err)
			}
			results[i] = &domain.Conversation{
				ID:              id,
				CaseReference:   meta.CaseReference,
				Participants:    meta.Participants,
				LastMessage:     meta.LastMessage,
				LastMessageTime: meta.LastMessageTime,
				UnreadCount:     len(unread),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, remoteError("list conversations", err)
	}

	list := make([]domain.Conversation, 0, len(results))
	for _, c := range results {
		if c != nil {
			list = append(list, *c)
		}
	}
	domain.SortConversations(list)
	if err := s.cache.SetConversationList(ctx, userID, list); err != nil {
		s.logger.Warn("conversation list cache failed", zap.String("user_id", userID), zap.Error(err))
	}
	return list, nil
}

// CachedConversations responde desde la caché y solo va al store remoto si no hay lista viva.
func (s *SyncService) CachedConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	if list, ok := s.cache.GetConversationList(ctx, userID); ok {
		return list, nil
	}
	return s.ListConversations(ctx, userID)
}

type InitializeInput struct {
	ConversationID string `json:"conversation_id" validate:"required,max=256"`
	CaseReference  string `json:"case_reference" validate:"required,max=256"`
	ClientID       string `json:"client_id" validate:"required,max=256"`
	ClientName     string `json:"client_name" validate:"max=256"`
	AgentID        string `json:"agent_id" validate:"required,max=256"`
	AgentName      string `json:"agent_name" validate:"max=256"`
}

// InitializeConversation es idempotente y nunca falla hacia afuera: la acción
// de negocio que la dispara no debe bloquearse por el chat. Devuelve si quedó
// inicializada.
func (s *SyncService) InitializeConversation(ctx context.Context, in InitializeInput) bool {
	logger := s.logger.With(zap.String("conversation_id", in.ConversationID))
	if err := validate.Struct(in); err != nil {
		logger.Warn("initialize conversation: invalid input", zap.Error(err))
		return false
	}
	participants := domain.Participants{
		ClientID:   in.ClientID,
		ClientName: in.ClientName,
		AgentID:    in.AgentID,
		AgentName:  in.AgentName,
	}

	rctx, cancel := s.remote(ctx)
	defer cancel()
	_, exists, err := s.conversations.GetMeta(rctx, in.ConversationID)
	if err != nil {
		logger.Warn("initialize conversation: read metadata failed", zap.Error(err))
		return false
	}
	if exists {
		if err := s.conversations.UpdateParticipants(rctx, in.ConversationID, in.CaseReference, participants); err != nil {
			logger.Warn("initialize conversation: update participants failed", zap.Error(err))
			return false
		}
	} else {
		meta := domain.ConversationMeta{
			CaseReference: in.CaseReference,
			Participants:  participants,
			CreatedAt:     s.cfg.Now().UnixMilli(),
		}
		if err := s.conversations.CreateMeta(rctx, in.ConversationID, meta); err != nil {
			logger.Warn("initialize conversation: create metadata failed", zap.Error(err))
			return false
		}
		for _, uid := range participants.IDs() {
			if err := s.conversations.AddToUser(rctx, uid, in.ConversationID); err != nil {
				logger.Warn("initialize conversation: user index failed", zap.String("user_id", uid), zap.Error(err))
				return false
			}
		}
	}

	for _, uid := range participants.IDs() {
		if _, err := s.cache.UpsertPreview(ctx, uid, in.ConversationID, domain.ConversationPatch{
			CaseReference: &in.CaseReference,
			Participants:  &participants,
		}); err != nil {
			logger.Warn("initialize conversation: preview seed failed", zap.Error(err))
		}
	}
	logger.Info("conversation initialized", zap.Bool("existed", exists))
	return true
}

// FetchLatest lee del store remoto la última página de conversationID.
func (s *SyncService) FetchLatest(ctx context.Context, conversationID string, limit int) (pagination.Page[domain.Message], error) {
	return s.fetchPage(ctx, conversationID, limit, func(rctx context.Context) ([]domain.Message, error) {
		return s.messages.Latest(rctx, conversationID, limit+1)
	})
}

// FetchBefore lee la página estrictamente anterior a cursor.
func (s *SyncService) FetchBefore(ctx context.Context, conversationID string, cursor int64, limit int) (pagination.Page[domain.Message], error) {
	return s.fetchPage(ctx, conversationID, limit, func(rctx context.Context) ([]domain.Message, error) {
		return s.messages.Before(rctx, conversationID, cursor, limit+1)
	})
}

// fetchPage pide un elemento de más para saber si queda historia detrás.
func (s *SyncService) fetchPage(ctx context.Context, conversationID string, limit int, read func(context.Context) ([]domain.Message, error)) (pagination.Page[domain.Message], error) {
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	rctx, cancel := s.remote(ctx)
	defer cancel()
	items, err := read(rctx)
	if err != nil {
		return pagination.Page[domain.Message]{}, remoteError("fetch page", err)
	}
	hasMore := len(items) > limit
	if hasMore {
		items = items[len(items)-limit:]
	}
	total, err := s.messages.Count(rctx, conversationID)
	if err != nil {
		s.logger.Debug("message count failed", zap.String("conversation_id", conversationID), zap.Error(err))
		total = len(items)
	}
	return pagination.Page[domain.Message]{Items: items, HasMore: hasMore, TotalCount: total}, nil
}

// Authorize verifica que userID participe de conversationID. Los admin
// pueden ver cualquier conversación existente.
func (s *SyncService) Authorize(ctx context.Context, conversationID, userID string, role domain.SenderRole) error {
	rctx, cancel := s.remote(ctx)
	defer cancel()
	meta, ok, err := s.conversations.GetMeta(rctx, conversationID)
	if err != nil {
		return remoteError("read conversation metadata", err)
	}
	if !ok {
		return fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	if role != domain.RoleAdmin && !meta.Participants.Includes(userID) {
		return fmt.Errorf("%w: %s is not a participant of %s", domain.ErrPermission, userID, conversationID)
	}
	return nil
}

// DeleteConversation quita la conversación de la lista de userID y de la caché.
func (s *SyncService) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	rctx, cancel := s.remote(ctx)
	defer cancel()
	if err := s.conversations.RemoveFromUser(rctx, userID, conversationID); err != nil {
		return remoteError("remove user index", err)
	}
	s.Unsubscribe(conversationID)
	if err := s.cache.RemovePreview(ctx, userID, conversationID); err != nil {
		s.logger.Warn("preview remove failed", zap.Error(err))
	}
	if err := s.cache.Invalidate(ctx, conversationID); err != nil {
		s.logger.Warn("cache invalidate failed", zap.Error(err))
	}
	return nil
}

// remoteError conserva la clasificación del store y trata los timeouts como errores de red.
func remoteError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNetwork), errors.Is(err, domain.ErrPermission), errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrNetwork, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
