package http

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"case-chat/internal/domain"
	"case-chat/internal/pagination"
	"case-chat/internal/service"
)

const maxPageSize = 100

// MessageHandler expone los mensajes de una conversación.
type MessageHandler struct {
	logger    *zap.Logger
	sync      *service.SyncService
	outbox    *service.Outbox
	limiter   service.SendRateLimiter
	hub       *liveHub
	pageSize  int
	keepAlive time.Duration
}

// NewMessageHandler crea el handler. limiter puede ser nil.
func NewMessageHandler(
	logger *zap.Logger,
	syncService *service.SyncService,
	outbox *service.Outbox,
	limiter service.SendRateLimiter,
	pageSize int,
) *MessageHandler {
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	return &MessageHandler{
		logger:    logger,
		sync:      syncService,
		outbox:    outbox,
		limiter:   limiter,
		hub:       newLiveHub(logger, syncService),
		pageSize:  pageSize,
		keepAlive: 25 * time.Second,
	}
}

// authorize responde el error y devuelve false si el usuario no puede ver la conversación.
func (h *MessageHandler) authorize(c *gin.Context) (service.Claims, string, bool) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return service.Claims{}, "", false
	}
	conversationID := c.Param("id")
	if err := h.sync.Authorize(c.Request.Context(), conversationID, claims.UserID, claims.Role); err != nil {
		writeError(c, h.logger, "authorize", err)
		return service.Claims{}, "", false
	}
	return claims, conversationID, true
}

// List maneja GET /conversations/:id/messages?before=&limit=.
func (h *MessageHandler) List(c *gin.Context) {
	_, conversationID, ok := h.authorize(c)
	if !ok {
		return
	}
	limit := h.pageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, h.logger, "list messages", fmt.Errorf("%w: invalid limit %q", domain.ErrValidation, raw))
			return
		}
		limit = min(n, maxPageSize)
	}

	fetcher := service.NewMessageFetcher(h.sync, conversationID)
	var (
		page pagination.Page[domain.Message]
		err  error
	)
	if raw := c.Query("before"); raw != "" {
		cursor, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			writeError(c, h.logger, "list messages", fmt.Errorf("%w: invalid cursor %q", domain.ErrValidation, raw))
			return
		}
		page, err = fetcher.FetchBefore(c.Request.Context(), cursor, limit)
	} else {
		page, err = fetcher.FetchLatest(c.Request.Context(), limit)
	}
	if err != nil {
		writeError(c, h.logger, "list messages", err)
		return
	}
	items := page.Items
	if items == nil {
		items = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"items":       items,
		"has_more":    page.HasMore,
		"total_count": page.TotalCount,
	})
}

// Send maneja POST /conversations/:id/messages. Responde con el TempID; el
// resultado de la entrega llega por el stream.
func (h *MessageHandler) Send(c *gin.Context) {
	claims, conversationID, ok := h.authorize(c)
	if !ok {
		return
	}
	var req struct {
		Content     string              `json:"content"`
		Attachments []domain.Attachment `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid send message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow(c.Request.Context(), claims.UserID) {
		writeError(c, h.logger, "send message", errRateLimited)
		return
	}

	tempID, err := h.outbox.Send(c.Request.Context(), domain.Message{
		ConversationID: conversationID,
		SenderID:       claims.UserID,
		SenderName:     claims.Name,
		SenderRole:     claims.Role,
		Content:        req.Content,
		Attachments:    req.Attachments,
	})
	if err != nil {
		writeError(c, h.logger, "send message", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"temp_id": tempID, "status": domain.StatusPending})
}

// Retry maneja POST /conversations/:id/messages/:ref/retry.
func (h *MessageHandler) Retry(c *gin.Context) {
	_, conversationID, ok := h.authorize(c)
	if !ok {
		return
	}
	ref := c.Param("ref")
	if err := h.outbox.Retry(c.Request.Context(), conversationID, ref); err != nil {
		writeError(c, h.logger, "retry message", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ref": ref, "status": domain.StatusPending})
}

// DeleteFailed maneja DELETE /conversations/:id/messages/:ref.
func (h *MessageHandler) DeleteFailed(c *gin.Context) {
	_, conversationID, ok := h.authorize(c)
	if !ok {
		return
	}
	if err := h.outbox.DeleteFailed(c.Request.Context(), conversationID, c.Param("ref")); err != nil {
		writeError(c, h.logger, "delete message", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead maneja POST /conversations/:id/read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	claims, conversationID, ok := h.authorize(c)
	if !ok {
		return
	}
	marked, err := h.sync.MarkRead(c.Request.Context(), conversationID, claims.UserID)
	if err != nil {
		writeError(c, h.logger, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

// Stream maneja GET /conversations/:id/stream. Emite "messages" con los
// mensajes nuevos de otros participantes y "status" con los cambios de estado
// de los envíos propios.
func (h *MessageHandler) Stream(c *gin.Context) {
	claims, conversationID, ok := h.authorize(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	live, leave, err := h.hub.join(ctx, conversationID)
	if err != nil {
		writeError(c, h.logger, "subscribe", err)
		return
	}
	defer leave()

	events := make(chan service.StatusEvent, listenerBuffer)
	unsubscribe := h.outbox.OnStatus(conversationID, func(evt service.StatusEvent) {
		select {
		case events <- evt:
		default:
			h.logger.Warn("slow stream dropped status event", zap.String("temp_id", evt.TempID))
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	setStreamHeaders(c)
	c.SSEvent("ready", gin.H{"conversation_id": conversationID})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case batch, open := <-live:
			if !open {
				return false
			}
			if incoming := othersOnly(batch, claims.UserID); len(incoming) > 0 {
				c.SSEvent("messages", incoming)
			}
			return true
		case evt := <-events:
			switch {
			case evt.Message.SenderID == claims.UserID:
				c.SSEvent("status", evt)
			case evt.Message.Status == domain.StatusSent && !evt.Deleted:
				// Un envío de otro usuario por este mismo servidor no pasa por
				// el hub: la caché ya lo tenía como pendiente.
				c.SSEvent("messages", []domain.Message{evt.Message})
			}
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UnixMilli())
			return true
		}
	})
}

func othersOnly(batch []domain.Message, userID string) []domain.Message {
	out := make([]domain.Message, 0, len(batch))
	for _, m := range batch {
		if m.SenderID != userID {
			out = append(out, m)
		}
	}
	return out
}

func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}
