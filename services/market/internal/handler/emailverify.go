package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// EmailVerificationHandler — подтверждение email гостя перед оплатой.
type EmailVerificationHandler struct {
	verifier EmailVerifier
}

// NewEmailVerificationHandler создаёт обработчик подтверждения email.
func NewEmailVerificationHandler(verifier EmailVerifier) *EmailVerificationHandler {
	return &EmailVerificationHandler{verifier: verifier}
}

// Send отправляет код подтверждения.
// POST /api/v1/email-verification/send
func (h *EmailVerificationHandler) Send(c *gin.Context) {
	var req SendCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.verifier.Send(c.Request.Context(), req.Email); err != nil {
		handleError(c, err, "SendVerificationCode")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": true})
}

// Confirm проверяет код.
// POST /api/v1/email-verification/confirm
func (h *EmailVerificationHandler) Confirm(c *gin.Context) {
	var req ConfirmCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	verifiedAt, err := h.verifier.Confirm(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		handleError(c, err, "ConfirmVerificationCode")
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "verifiedAt": verifiedAt})
}
