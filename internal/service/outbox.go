package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"case-chat/internal/domain"
)

// StatusEvent avisa un cambio de estado de un mensaje originado localmente.
// Deleted indica que el mensaje fallido se descartó.
type StatusEvent struct {
	ConversationID string         `json:"conversation_id"`
	TempID         string         `json:"temp_id"`
	Message        domain.Message `json:"message"`
	Deleted        bool           `json:"deleted,omitempty"`
}

type outboxRecord struct {
	message    domain.Message
	reservedID string
}

// Outbox implementa el envío optimista: Send devuelve el TempID enseguida,
// deja el mensaje PENDING en la caché y lo entrega en segundo plano. Cerrar
// la vista no cancela la entrega.
type Outbox struct {
	logger *zap.Logger
	sync   *SyncService
	now    func() time.Time

	mu        sync.Mutex
	records   map[string]*outboxRecord
	listeners map[string]map[int]func(StatusEvent)
	nextID    int
	wg        sync.WaitGroup
}

func NewOutbox(logger *zap.Logger, syncService *SyncService) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		logger:    logger,
		sync:      syncService,
		now:       syncService.cfg.Now,
		records:   make(map[string]*outboxRecord),
		listeners: make(map[string]map[int]func(StatusEvent)),
	}
}

// OnStatus registra fn para los cambios de estado de conversationID.
func (o *Outbox) OnStatus(conversationID string, fn func(StatusEvent)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	if o.listeners[conversationID] == nil {
		o.listeners[conversationID] = make(map[int]func(StatusEvent))
	}
	o.listeners[conversationID][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.listeners[conversationID], id)
			if len(o.listeners[conversationID]) == 0 {
				delete(o.listeners, conversationID)
			}
		})
	}
}

func (o *Outbox) notify(evt StatusEvent) {
	o.mu.Lock()
	fns := make([]func(StatusEvent), 0, len(o.listeners[evt.ConversationID]))
	for _, fn := range o.listeners[evt.ConversationID] {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// Send valida msg, lo deja PENDING en la caché y devuelve su TempID. El
// resultado llega por OnStatus.
func (o *Outbox) Send(ctx context.Context, msg domain.Message) (string, error) {
	if err := validateSend(msg); err != nil {
		return "", err
	}
	msg.ID = ""
	msg.TempID = uuid.NewString()
	if msg.Timestamp == 0 {
		msg.Timestamp = o.now().UnixMilli()
	}
	msg.Status = domain.StatusPending
	msg.Error = ""
	msg.IsRead = false

	rec := &outboxRecord{message: msg, reservedID: o.sync.ReserveID(msg.ConversationID)}
	o.mu.Lock()
	o.records[msg.TempID] = rec
	o.mu.Unlock()

	if _, err := o.sync.cache.Append(ctx, msg.ConversationID, msg); err != nil {
		o.logger.Warn("pending message not cached", zap.String("temp_id", msg.TempID), zap.Error(err))
	}
	o.notify(StatusEvent{ConversationID: msg.ConversationID, TempID: msg.TempID, Message: msg})
	o.deliver(rec)
	return msg.TempID, nil
}

// Retry reenvía un mensaje FAILED reutilizando su clave reservada.
func (o *Outbox) Retry(ctx context.Context, conversationID, ref string) error {
	rec, err := o.lookup(ctx, conversationID, ref)
	if err != nil {
		return err
	}
	o.mu.Lock()
	if rec.message.Status != domain.StatusFailed {
		o.mu.Unlock()
		return fmt.Errorf("%w: message %s is %s", domain.ErrInvalidState, ref, rec.message.Status)
	}
	rec.message.Status = domain.StatusPending
	rec.message.Error = ""
	msg := rec.message
	o.mu.Unlock()

	pending := domain.StatusPending
	noError := ""
	o.patchCache(ctx, msg, domain.MessagePatch{Status: &pending, Error: &noError})
	o.notify(StatusEvent{ConversationID: conversationID, TempID: msg.TempID, Message: msg})
	o.deliver(rec)
	return nil
}

// DeleteFailed descarta un mensaje FAILED; es un estado terminal.
func (o *Outbox) DeleteFailed(ctx context.Context, conversationID, ref string) error {
	rec, err := o.lookup(ctx, conversationID, ref)
	if err != nil {
		return err
	}
	o.mu.Lock()
	if rec.message.Status != domain.StatusFailed {
		o.mu.Unlock()
		return fmt.Errorf("%w: message %s is %s", domain.ErrInvalidState, ref, rec.message.Status)
	}
	msg := rec.message
	delete(o.records, msg.TempID)
	o.mu.Unlock()

	if err := o.sync.cache.Remove(ctx, conversationID, msg.TempID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		o.logger.Warn("failed message not removed from cache", zap.String("temp_id", msg.TempID), zap.Error(err))
	}
	o.notify(StatusEvent{ConversationID: conversationID, TempID: msg.TempID, Message: msg, Deleted: true})
	return nil
}

// Wait bloquea hasta que terminen las entregas en curso.
func (o *Outbox) Wait() {
	o.wg.Wait()
}

// Status devuelve el estado conocido de un envío local.
func (o *Outbox) Status(tempID string) (domain.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[tempID]
	if !ok {
		return domain.Message{}, false
	}
	return rec.message.Clone(), true
}

// lookup busca el envío por TempID o ID. Un mensaje fallido que solo está en
// la caché persistente (por ejemplo tras reiniciar) se reconstruye desde ahí.
func (o *Outbox) lookup(ctx context.Context, conversationID, ref string) (*outboxRecord, error) {
	o.mu.Lock()
	if rec, ok := o.records[ref]; ok && rec.message.ConversationID == conversationID {
		o.mu.Unlock()
		return rec, nil
	}
	for _, rec := range o.records {
		if rec.message.ConversationID == conversationID && (rec.reservedID == ref || rec.message.Matches(ref)) {
			o.mu.Unlock()
			return rec, nil
		}
	}
	o.mu.Unlock()

	snap, ok := o.sync.cache.Get(ctx, conversationID)
	if !ok {
		return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, ref)
	}
	for _, m := range snap.Messages {
		if !m.Matches(ref) || m.TempID == "" {
			continue
		}
		if m.Status != domain.StatusFailed {
			return nil, fmt.Errorf("%w: message %s is %s", domain.ErrInvalidState, ref, m.Status)
		}
		rec := &outboxRecord{message: m, reservedID: m.ID}
		if rec.reservedID == "" {
			rec.reservedID = o.sync.ReserveID(conversationID)
		}
		o.mu.Lock()
		if existing, ok := o.records[m.TempID]; ok {
			rec = existing
		} else {
			o.records[m.TempID] = rec
		}
		o.mu.Unlock()
		return rec, nil
	}
	return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, ref)
}

func (o *Outbox) deliver(rec *outboxRecord) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx := context.Background()

		o.mu.Lock()
		msg := rec.message
		msg.ID = rec.reservedID
		o.mu.Unlock()

		sent, err := o.sync.Send(ctx, msg)

		o.mu.Lock()
		if err != nil {
			rec.message.Status = domain.StatusFailed
			rec.message.Error = err.Error()
		} else {
			rec.message = sent
			delete(o.records, sent.TempID)
		}
		result := rec.message
		o.mu.Unlock()

		if err != nil {
			o.logger.Warn("message delivery failed",
				zap.String("conversation_id", result.ConversationID),
				zap.String("temp_id", result.TempID),
				zap.Error(err),
			)
			failed := domain.StatusFailed
			o.patchCache(ctx, result, domain.MessagePatch{Status: &failed, Error: &result.Error})
		}
		o.notify(StatusEvent{ConversationID: result.ConversationID, TempID: result.TempID, Message: result})
	}()
}

// patchCache aplica patch por TempID; si la ventana ya no tiene el mensaje
// (recortada o vencida) lo vuelve a agregar para que siga visible.
func (o *Outbox) patchCache(ctx context.Context, msg domain.Message, patch domain.MessagePatch) {
	err := o.sync.cache.UpdateOne(ctx, msg.ConversationID, msg.TempID, patch)
	if errors.Is(err, domain.ErrNotFound) {
		_, err = o.sync.cache.Append(ctx, msg.ConversationID, patch.Apply(msg))
	}
	if err != nil {
		o.logger.Warn("cache status update failed", zap.String("temp_id", msg.TempID), zap.Error(err))
	}
}
