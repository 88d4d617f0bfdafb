package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/webhook"
)

// defaultMaxWebhookBytes — предел тела webhook по умолчанию.
const defaultMaxWebhookBytes = 1 << 20

// WebhookHandler принимает уведомления платёжного провайдера.
type WebhookHandler struct {
	dispatcher WebhookDispatcher
	maxBytes   int64
}

// NewWebhookHandler создаёт обработчик webhook.
func NewWebhookHandler(dispatcher WebhookDispatcher, maxBytes int64) *WebhookHandler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxWebhookBytes
	}
	return &WebhookHandler{dispatcher: dispatcher, maxBytes: maxBytes}
}

// PayPal читает сырое тело до разбора: подпись считается по исходным байтам.
// 200 — событие принято (в том числе повтор или игнор), 401 — подпись
// не прошла проверку, 400 — тело не разбирается, 500 — провайдер повторит доставку.
// POST /api/v1/webhooks/paypal
func (h *WebhookHandler) PayPal(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("Тело webhook превышает предел")
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "payload_too_large",
				Message: "Тело запроса слишком большое",
			})
			return
		}
		badRequest(c, err)
		return
	}

	result, err := h.dispatcher.Handle(ctx, webhook.HeadersFrom(c.Request.Header), body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "result": string(result)})
	case errors.Is(err, domain.ErrVerificationFailed):
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "verification_failed",
			Message: "Подпись webhook не прошла проверку",
		})
	case errors.Is(err, domain.ErrInvalidWebhookPayload):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_payload",
			Message: "Некорректное тело webhook",
		})
	default:
		// Ошибка уже записана диспетчером, 500 заставит провайдера повторить доставку.
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Ошибка обработки webhook",
		})
	}
}
