package api

import (
	"net/http"
	"time"

	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/Domenick1991/hostelpay/internal/service/checkout"
	"github.com/Domenick1991/hostelpay/internal/verification"
	"github.com/gin-gonic/gin"
)

// PaymentHandler drives checkout flows and the verification sessions behind them.
type PaymentHandler struct {
	checkout checkout.CheckoutUseCase
	currency string
	now      func() time.Time
}

func NewPaymentHandler(co checkout.CheckoutUseCase, currency string) *PaymentHandler {
	return &PaymentHandler{checkout: co, currency: currency, now: time.Now}
}

func (h *PaymentHandler) Register(router *gin.RouterGroup) {
	router.POST("/initiate", h.initiate(domain.FlowStandard))
	router.POST("/extend/initiate", h.initiate(domain.FlowExtension))
	router.POST("/complete/initiate", h.initiate(domain.FlowCompletion))
	router.POST("/flows/:booking_id/:flow/retry", h.retryFlow)

	router.GET("/pending/:booking_id", h.pending)
	router.POST("/pending/:booking_id/resume", h.resume)

	router.GET("/sessions/:id", h.view)
	router.POST("/sessions/:id/signals", h.observe)
	router.POST("/sessions/:id/check", h.checkAgain)
	router.POST("/sessions/:id/retry", h.tryAgain)
	router.DELETE("/sessions/:id", h.cancel)
}

type payerRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Phone     string `json:"phone_number"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (p payerRequest) payer(token string) domain.PayerContext {
	return domain.PayerContext{
		Email:       p.Email,
		Phone:       p.Phone,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		BearerToken: token,
	}
}

type initiateRequest struct {
	payerRequest
	BookingID        string  `json:"booking_id" binding:"required"`
	Amount           float64 `json:"amount" binding:"gte=0"`
	Currency         string  `json:"currency"`
	AdditionalMonths int     `json:"additional_months" binding:"gte=0,lte=2"`
}

type signalRequest struct {
	Kind     verification.ObservationKind `json:"kind" binding:"required,oneof=message frame_load"`
	Origin   string                       `json:"origin"`
	Status   string                       `json:"status"`
	Location string                       `json:"location"`
	Readable bool                         `json:"readable"`
}

type observeResponse struct {
	Session *checkout.SessionView `json:"session"`
	Fired   bool                  `json:"fired"`
	Weak    bool                  `json:"weak,omitempty"`
	Reason  string                `json:"reason,omitempty"`
}

func (h *PaymentHandler) initiate(flow domain.FlowVariant) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initiateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		currency := req.Currency
		if currency == "" {
			currency = h.currency
		}

		view, err := h.checkout.Start(c.Request.Context(), checkout.StartRequest{
			Flow:      flow,
			BookingID: req.BookingID,
			Amount: domain.AmountContext{
				Amount:           req.Amount,
				Currency:         currency,
				AdditionalMonths: req.AdditionalMonths,
			},
			Payer:     req.payer(tokenFrom(c)),
			UserAgent: c.Request.UserAgent(),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, http.StatusCreated, view)
	}
}

func (h *PaymentHandler) retryFlow(c *gin.Context) {
	flow, err := domain.ParseFlowVariant(c.Param("flow"))
	if err != nil {
		respondError(c, err)
		return
	}

	var req payerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	view, err := h.checkout.Retry(c.Request.Context(), c.Param("booking_id"), flow, req.payer(tokenFrom(c)), c.Request.UserAgent())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, view)
}

func (h *PaymentHandler) pending(c *gin.Context) {
	flow, err := domain.ParseFlowVariant(c.DefaultQuery("flow", string(domain.FlowStandard)))
	if err != nil {
		respondError(c, err)
		return
	}

	attempt, err := h.checkout.Pending(c.Request.Context(), tokenFrom(c), c.Param("booking_id"), flow)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, attempt)
}

func (h *PaymentHandler) resume(c *gin.Context) {
	flow, err := domain.ParseFlowVariant(c.DefaultQuery("flow", string(domain.FlowStandard)))
	if err != nil {
		respondError(c, err)
		return
	}

	payer := domain.PayerContext{BearerToken: tokenFrom(c)}
	view, err := h.checkout.Resume(c.Request.Context(), c.Param("booking_id"), flow, payer, c.Request.UserAgent())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, view)
}

func (h *PaymentHandler) view(c *gin.Context) {
	view, err := h.checkout.View(c.Param("id"), tokenFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, view)
}

func (h *PaymentHandler) observe(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	view, verdict, err := h.checkout.Observe(c.Param("id"), tokenFrom(c), verification.Observation{
		Kind:     req.Kind,
		Origin:   req.Origin,
		Status:   req.Status,
		Location: req.Location,
		Readable: req.Readable,
		At:       h.now(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, observeResponse{
		Session: view,
		Fired:   verdict.Fired,
		Weak:    verdict.Weak,
		Reason:  verdict.Reason,
	})
}

func (h *PaymentHandler) checkAgain(c *gin.Context) {
	view, err := h.checkout.CheckAgain(c.Param("id"), tokenFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, view)
}

func (h *PaymentHandler) tryAgain(c *gin.Context) {
	var req payerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	view, err := h.checkout.TryAgain(c.Request.Context(), c.Param("id"), req.payer(tokenFrom(c)), c.Request.UserAgent())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, view)
}

func (h *PaymentHandler) cancel(c *gin.Context) {
	if err := h.checkout.Cancel(c.Request.Context(), c.Param("id"), tokenFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
