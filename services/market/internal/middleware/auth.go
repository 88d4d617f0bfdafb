// Package middleware содержит HTTP middleware сервиса маркетплейса.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/design-market/pkg/jwt"
	"example.com/design-market/pkg/logger"
)

// Ключи gin-контекста.
const (
	ContextAdminID = "admin_id"
	ContextJTI     = "jti"
)

// TokenValidator проверяет административный токен.
// Реализуется *jwt.Manager (подпись RS256, срок, издатель, blacklist).
type TokenValidator interface {
	ValidateWithBlacklist(ctx context.Context, token string) (*jwt.Claims, error)
}

// AdminAuth пропускает только запросы с действующим токеном роли admin.
func AdminAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		token := ExtractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Требуется авторизация",
			})
			return
		}

		claims, err := validator.ValidateWithBlacklist(ctx, token)
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации токена")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Невалидный токен",
			})
			return
		}

		if !claims.IsAdmin() {
			log.Warn().Str("user_id", claims.UserID).Msg("Доступ к административному API без роли admin")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Недостаточно прав",
			})
			return
		}

		c.Set(ContextAdminID, claims.UserID)
		c.Set(ContextJTI, claims.ID)
		c.Next()
	}
}

// ExtractBearerToken извлекает токен из заголовка "Authorization: Bearer <token>".
func ExtractBearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
