package api

import (
	"net/http"
	"strconv"

	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/Domenick1991/hostelpay/internal/service/checkout"
	"github.com/Domenick1991/hostelpay/internal/service/payments"
	"github.com/gin-gonic/gin"
)

// BookingHandler serves pricing lookups and the in-progress reset for a
// booking. Pricing is read-only and safe to call on every selector change.
type BookingHandler struct {
	payments payments.PaymentsUseCase
	checkout checkout.CheckoutUseCase
}

func NewBookingHandler(p payments.PaymentsUseCase, co checkout.CheckoutUseCase) *BookingHandler {
	return &BookingHandler{payments: p, checkout: co}
}

func (h *BookingHandler) Register(router *gin.RouterGroup) {
	router.GET("/:id/extension-pricing", h.extensionPricing)
	router.GET("/:id/complete-payment-pricing", h.completionPricing)
	router.DELETE("/:id/in-progress", h.resetInProgress)
}

func (h *BookingHandler) extensionPricing(c *gin.Context) {
	months, err := strconv.Atoi(c.DefaultQuery("additional_months", "1"))
	if err != nil {
		respondError(c, domain.NewError(domain.KindValidation, "additional_months must be a number"))
		return
	}

	pricing, err := h.payments.ExtensionPricing(c.Request.Context(), tokenFrom(c), c.Param("id"), months)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, pricing)
}

func (h *BookingHandler) completionPricing(c *gin.Context) {
	pricing, err := h.payments.CompletionPricing(c.Request.Context(), tokenFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, pricing)
}

func (h *BookingHandler) resetInProgress(c *gin.Context) {
	flow, err := domain.ParseFlowVariant(c.Query("flow"))
	if err != nil {
		respondError(c, err)
		return
	}

	payer := domain.PayerContext{BearerToken: tokenFrom(c)}
	if err := h.checkout.ResetInProgress(c.Request.Context(), payer, c.Param("id"), flow); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"booking_id": c.Param("id"), "flow": flow})
}
