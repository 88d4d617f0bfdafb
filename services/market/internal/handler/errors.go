package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/cleanup"
	"example.com/design-market/services/market/internal/domain"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorMapping — HTTP статус и код ошибки для доменной ошибки.
type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings проверяются по порядку через errors.Is.
var errorMappings = []errorMapping{
	{domain.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{domain.ErrPaymentNotFound, http.StatusNotFound, "payment_not_found"},
	{domain.ErrServiceNotFound, http.StatusNotFound, "service_not_found"},
	{domain.ErrPricingMismatch, http.StatusUnprocessableEntity, "pricing_mismatch"},
	{domain.ErrEmptyOrderItems, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrInvalidServiceID, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrInvalidTitle, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrInvalidQuantity, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrInvalidPrice, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrCurrencyMismatch, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrInvalidContact, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrInvalidCheckoutContext, http.StatusBadRequest, "invalid_argument"},
	{cleanup.ErrInvalidType, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrSessionInProgress, http.StatusConflict, "session_in_progress"},
	{domain.ErrOrderAlreadyPaid, http.StatusConflict, "already_paid"},
	{domain.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrOrderNotPaid, http.StatusConflict, "order_not_paid"},
	{domain.ErrEmailNotVerified, http.StatusForbidden, "email_not_verified"},
	{domain.ErrVerificationCodeInvalid, http.StatusBadRequest, "invalid_code"},
	{domain.ErrTooManyAttempts, http.StatusTooManyRequests, "too_many_attempts"},
	{domain.ErrResendCooldown, http.StatusTooManyRequests, "resend_cooldown"},
	{domain.ErrProviderUnavailable, http.StatusBadGateway, "provider_unavailable"},
	{domain.ErrProviderRejected, http.StatusBadGateway, "provider_rejected"},
	{domain.ErrEmailTransport, http.StatusBadGateway, "email_transport"},
}

// handleError преобразует доменную ошибку в HTTP ответ.
// Неизвестные ошибки логируются и отдаются как 500 без подробностей.
func handleError(c *gin.Context, err error, method string) {
	log := logger.FromContext(c.Request.Context())

	if err == nil {
		log.Error().Str("method", method).Msg("handleError вызван с nil ошибкой")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= http.StatusInternalServerError {
				log.Error().Err(err).Str("method", method).Msg("Ошибка внешней зависимости")
			} else {
				log.Debug().Err(err).Str("method", method).Msg("Запрос отклонён")
			}
			c.JSON(m.status, ErrorResponse{Error: m.code, Message: m.target.Error()})
			return
		}
	}

	log.Error().Err(err).Str("method", method).Msg("Внутренняя ошибка")
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Внутренняя ошибка сервера",
	})
}

// badRequest отвечает 400 на невалидное тело запроса.
func badRequest(c *gin.Context, err error) {
	logger.Ctx(c.Request.Context()).Debug().Err(err).Msg("Невалидный запрос")
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: "Невалидные данные запроса",
	})
}
