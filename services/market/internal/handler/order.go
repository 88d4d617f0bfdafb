package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/checkout"
)

// OrderHandler — обработчик заказов и сессий оплаты.
type OrderHandler struct {
	checkout CheckoutService
}

// NewOrderHandler создаёт обработчик заказов.
func NewOrderHandler(svc CheckoutService) *OrderHandler {
	return &OrderHandler{checkout: svc}
}

// CreateOrder создаёт заказ pending/pending с ценами из каталога.
// POST /api/v1/orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.checkout.CreateOrder(ctx, req.toOrderInput())
	if err != nil {
		handleError(c, err, "CreateOrder")
		return
	}

	logger.Ctx(ctx).Info().Str("order_id", order.ID).Msg("Заказ создан")
	c.JSON(http.StatusCreated, gin.H{"order": newOrderResponse(order)})
}

// GetOrder возвращает заказ.
// GET /api/v1/orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.checkout.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err, "GetOrder")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": newOrderResponse(order)})
}

// CreateSession создаёт удалённый заказ у провайдера для постоянного
// или временного заказа.
// POST /api/v1/payments/session
func (h *OrderHandler) CreateSession(c *gin.Context) {
	var req PaymentSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	in := checkout.SessionInput{
		OrderID:          req.OrderID,
		TemporaryOrderID: req.TemporaryOrderID,
	}
	if req.OrderData != nil {
		data := req.OrderData.toOrderInput()
		in.OrderData = &data
	}

	session, err := h.checkout.CreatePaymentSession(c.Request.Context(), in)
	if err != nil {
		handleError(c, err, "CreatePaymentSession")
		return
	}

	c.JSON(http.StatusCreated, SessionResponse{
		SessionID:   session.SessionID,
		ApprovalURL: session.ApprovalURL,
		PaymentID:   session.PaymentID,
	})
}

// VerifyPayment отвечает на опрос клиента. complete только после
// подтверждения оплаты проверенным webhook.
// POST /api/v1/payments/verify
func (h *OrderHandler) VerifyPayment(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	v, err := h.checkout.VerifyPayment(c.Request.Context(), req.SessionID)
	if err != nil {
		handleError(c, err, "VerifyPayment")
		return
	}
	c.JSON(http.StatusOK, newVerificationResponse(v))
}

// ReturnFromProvider фиксирует возврат покупателя со страницы провайдера.
// POST /api/v1/payments/return
func (h *OrderHandler) ReturnFromProvider(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	v, err := h.checkout.RecordReturn(c.Request.Context(), req.SessionID)
	if err != nil {
		handleError(c, err, "RecordReturn")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": v.Status})
}
