package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"case-chat/internal/service"
)

// NewRouter configura el router de Gin con middlewares y rutas del chat.
func NewRouter(
	logger *zap.Logger,
	tokens *service.TokenService,
	conversationH *ConversationHandler,
	messageH *MessageHandler,
) *gin.Engine {
	r := gin.New()
	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	conversations := r.Group("/conversations", JWTAuthMiddleware(tokens))

	// Los streams SSE quedan fuera del middleware JSON.
	conversations.GET("/stream", conversationH.Stream)
	conversations.GET("/:id/stream", messageH.Stream)

	api := conversations.Group("", jsonContentTypeMiddleware())
	api.POST("", conversationH.Initialize)
	api.GET("", conversationH.List)
	api.DELETE("/:id", conversationH.Delete)

	api.GET("/:id/messages", messageH.List)
	api.POST("/:id/messages", messageH.Send)
	api.POST("/:id/messages/:ref/retry", messageH.Retry)
	api.DELETE("/:id/messages/:ref", messageH.DeleteFailed)
	api.POST("/:id/read", messageH.MarkRead)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		}
		if claims, ok := GetAuthClaims(c); ok {
			fields = append(fields, zap.String("user_id", claims.UserID))
		}
		logger.Info("request", fields...)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
