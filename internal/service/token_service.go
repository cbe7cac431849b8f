package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"case-chat/internal/domain"
)

// TokenService valida los tokens de acceso que emite el servicio de sesión
// externo. Sign existe para la CLI y los tests.
type TokenService struct {
	secret    []byte
	accessTTL time.Duration
	issuer    string
	now       func() time.Time
}

type Claims struct {
	UserID    string            `json:"uid"`
	Name      string            `json:"name,omitempty"`
	Role      domain.SenderRole `json:"role"`
	TokenType string            `json:"typ"`
	jwt.RegisteredClaims
}

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

func NewTokenService(secret, issuer string, accessTTL time.Duration) *TokenService {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if issuer == "" {
		issuer = "case-chat"
	}
	return &TokenService{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		issuer:    issuer,
		now:       time.Now,
	}
}

// Sign emite un token de acceso para el usuario.
func (s *TokenService) Sign(userID, name string, role domain.SenderRole) (string, error) {
	if len(s.secret) == 0 || strings.TrimSpace(userID) == "" || !role.Valid() {
		return "", ErrTokenInvalid
	}
	now := s.now().UTC()
	claims := Claims{
		UserID:    userID,
		Name:      name,
		Role:      role,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse valida firma, emisor, tipo y vencimiento.
func (s *TokenService) Parse(token string) (Claims, error) {
	if len(s.secret) == 0 || strings.TrimSpace(token) == "" {
		return Claims{}, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}
	if claims.TokenType != "access" || claims.Issuer != s.issuer || claims.UserID == "" || !claims.Role.Valid() {
		return Claims{}, ErrTokenInvalid
	}
	return *claims, nil
}
