package http

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"case-chat/internal/domain"
	"case-chat/internal/service"
)

// ConversationHandler expone la lista de conversaciones del usuario autenticado.
type ConversationHandler struct {
	logger    *zap.Logger
	sync      *service.SyncService
	keepAlive time.Duration
}

func NewConversationHandler(logger *zap.Logger, syncService *service.SyncService) *ConversationHandler {
	return &ConversationHandler{logger: logger, sync: syncService, keepAlive: 25 * time.Second}
}

// Initialize maneja POST /conversations. Lo dispara la acción de negocio que
// abre el caso, así que nunca falla con 5xx: 201 si quedó inicializada, 202 si no.
func (h *ConversationHandler) Initialize(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	if claims.Role == domain.RoleClient {
		c.JSON(http.StatusForbidden, gin.H{"error": "clients cannot open conversations"})
		return
	}
	var req service.InitializeInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid initialize request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if h.sync.InitializeConversation(c.Request.Context(), req) {
		c.JSON(http.StatusCreated, gin.H{"conversation_id": req.ConversationID, "initialized": true})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"conversation_id": req.ConversationID, "initialized": false})
}

// List maneja GET /conversations?refresh=.
func (h *ConversationHandler) List(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	refresh, _ := strconv.ParseBool(c.Query("refresh"))

	var (
		list []domain.Conversation
		err  error
	)
	if refresh {
		list, err = h.sync.ListConversations(c.Request.Context(), claims.UserID)
	} else {
		list, err = h.sync.CachedConversations(c.Request.Context(), claims.UserID)
	}
	if err != nil {
		writeError(c, h.logger, "list conversations", err)
		return
	}
	if list == nil {
		list = []domain.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// Delete maneja DELETE /conversations/:id: la quita solo de la lista del usuario.
func (h *ConversationHandler) Delete(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	if err := h.sync.DeleteConversation(c.Request.Context(), claims.UserID, c.Param("id")); err != nil {
		writeError(c, h.logger, "delete conversation", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stream maneja GET /conversations/stream: emite "conversations" con la lista
// completa cada vez que cambia.
func (h *ConversationHandler) Stream(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	ctx := c.Request.Context()

	// Solo importa la última lista: si el stream va atrasado se reemplaza.
	updates := make(chan []domain.Conversation, 1)
	unsubscribe, err := h.sync.SubscribeConversations(ctx, claims.UserID, func(list []domain.Conversation) {
		for {
			select {
			case updates <- list:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	if err != nil {
		writeError(c, h.logger, "subscribe conversations", err)
		return
	}
	defer unsubscribe()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	setStreamHeaders(c)
	c.SSEvent("ready", gin.H{"user_id": claims.UserID})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case list := <-updates:
			c.SSEvent("conversations", list)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UnixMilli())
			return true
		}
	})
}
