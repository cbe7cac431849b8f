package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"case-chat/internal/domain"
	"case-chat/internal/service"
)

func protectedRouter(tokens *service.TokenService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := func(c *gin.Context) {
		claims, ok := GetAuthClaims(c)
		if !ok || claims.UserID != "u1" {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.Status(http.StatusOK)
	}
	r.GET("/protected", JWTAuthMiddleware(tokens), handler)
	r.POST("/protected", JWTAuthMiddleware(tokens), handler)
	return r
}

func TestJWTAuthMiddleware_AllowsValidAccessToken(t *testing.T) {
	tokens := service.NewTokenService("secret", "case-chat", 15*time.Minute)
	token, err := tokens.Sign("u1", "Uno", domain.RoleClient)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec := httptest.NewRecorder()
	protectedRouter(tokens).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuthMiddleware_QueryTokenOnlyForGET(t *testing.T) {
	tokens := service.NewTokenService("secret", "case-chat", 15*time.Minute)
	token, err := tokens.Sign("u1", "", domain.RoleClient)
	require.NoError(t, err)
	r := protectedRouter(tokens)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/protected?token="+token, nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuthMiddleware_RejectsMissingOrInvalidToken(t *testing.T) {
	tokens := service.NewTokenService("secret", "case-chat", 15*time.Minute)
	r := protectedRouter(tokens)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "missing token")

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid token")
}

func TestJWTAuthMiddleware_NotConfigured(t *testing.T) {
	rec := httptest.NewRecorder()
	protectedRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBearerToken(t *testing.T) {
	require.Equal(t, "abc", bearerToken("Bearer abc"))
	require.Equal(t, "abc", bearerToken("  BEARER   abc "))
	require.Empty(t, bearerToken("Basic abc"))
	require.Empty(t, bearerToken("Bearer"))
}
