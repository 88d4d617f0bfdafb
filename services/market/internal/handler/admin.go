package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/cleanup"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/middleware"
)

// AdminHandler — административные операции: очистка и управление заказами.
type AdminHandler struct {
	checkout CheckoutService
	cleanup  CleanupService
}

// NewAdminHandler создаёт административный обработчик.
func NewAdminHandler(checkoutSvc CheckoutService, cleanupSvc CleanupService) *AdminHandler {
	return &AdminHandler{checkout: checkoutSvc, cleanup: cleanupSvc}
}

// CleanupPreview возвращает кандидатов на удаление без изменений в базе.
// GET /api/v1/admin/cleanup/preview?hoursThreshold=
func (h *AdminHandler) CleanupPreview(c *gin.Context) {
	threshold, ok := parseHours(c, c.Query("hoursThreshold"))
	if !ok {
		return
	}

	preview, err := h.cleanup.Preview(c.Request.Context(), threshold)
	if err != nil {
		handleError(c, err, "CleanupPreview")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":   preview.Orders,
		"payments": preview.Payments,
		"counts": gin.H{
			"orders":   len(preview.Orders),
			"payments": len(preview.Payments),
		},
	})
}

// CleanupRun запускает очистку.
// POST /api/v1/admin/cleanup/run
func (h *AdminHandler) CleanupRun(c *gin.Context) {
	ctx := c.Request.Context()

	var req CleanupRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	typ, err := cleanup.ParseType(req.Type)
	if err != nil {
		handleError(c, err, "CleanupRun")
		return
	}

	report, err := h.cleanup.Run(ctx, cleanup.Options{
		Type:      typ,
		Threshold: time.Duration(req.HoursThreshold * float64(time.Hour)),
	})
	if err != nil {
		handleError(c, err, "CleanupRun")
		return
	}

	logger.Ctx(ctx).Info().
		Str("admin_id", c.GetString(middleware.ContextAdminID)).
		Str("type", string(typ)).
		Int("orders_deleted", report.OrdersDeleted).
		Int("payments_deleted", report.PaymentsDeleted).
		Msg("Очистка запущена вручную")
	c.JSON(http.StatusOK, report)
}

// CancelOrder отменяет заказ. Оплаченный заказ возвращается через провайдера.
// POST /api/v1/admin/orders/:id/cancel
func (h *AdminHandler) CancelOrder(c *gin.Context) {
	ctx := c.Request.Context()

	var req CancelOrderRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	order, err := h.checkout.CancelOrder(ctx, c.Param("id"), req.Reason)
	if err != nil {
		handleError(c, err, "CancelOrder")
		return
	}

	logger.Ctx(ctx).Info().
		Str("admin_id", c.GetString(middleware.ContextAdminID)).
		Str("order_id", order.ID).
		Str("payment_status", string(order.PaymentStatus)).
		Msg("Заказ отменён оператором")
	c.JSON(http.StatusOK, gin.H{"order": newOrderResponse(order)})
}

// AdvanceStatus переводит заказ в следующий статус выполнения.
// POST /api/v1/admin/orders/:id/status
func (h *AdminHandler) AdvanceStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.checkout.AdvanceStatus(c.Request.Context(), c.Param("id"), domain.OrderStatus(req.Status))
	if err != nil {
		handleError(c, err, "AdvanceStatus")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": newOrderResponse(order)})
}

// ResendEmail повторно запускает отправку письма с заказом.
// Уже отправленное письмо повторно не отправляется.
// POST /api/v1/admin/orders/:id/resend-email
func (h *AdminHandler) ResendEmail(c *gin.Context) {
	result, err := h.checkout.ResendEmail(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err, "ResendEmail")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": string(result)})
}

// parseHours разбирает порог в часах. Пустое значение — порог по умолчанию.
func parseHours(c *gin.Context, raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, true
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_argument",
			Message: "hoursThreshold должен быть неотрицательным числом",
		})
		return 0, false
	}
	return time.Duration(hours * float64(time.Hour)), true
}
