package trade

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for trade operations.
//
// Actor identity is resolved by middleware before these handlers run:
// "actorID" carries the caller's identifier and "actorAdmin" whether
// the caller holds admin capability.
type Handler struct {
	engine    *Engine
	builder   *Builder
	analytics *AnalyticsService
}

// NewHandler creates a new trade handler.
func NewHandler(engine *Engine, builder *Builder, analytics *AnalyticsService) *Handler {
	return &Handler{engine: engine, builder: builder, analytics: analytics}
}

// RegisterRoutes sets up trade routes for authenticated actors.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/trades/:id/history", h.GetHistory)
	r.GET("/trades/:id/quote", h.GetQuote)
	r.GET("/actors/:id/trades", h.ListByParty)

	r.POST("/drafts", h.StartDraft)
	r.GET("/drafts/:id", h.GetDraft)
	r.PATCH("/drafts/:id", h.UpdateDraft)
	r.POST("/drafts/:id/submit", h.SubmitDraft)
	r.DELETE("/drafts/:id", h.DiscardDraft)

	r.POST("/trades/:id/open", h.OpenTrade)
	r.POST("/trades/:id/approve", h.ApproveTrade)
	r.POST("/trades/:id/reject", h.RejectTrade)
	r.POST("/trades/:id/payment-proof", h.SubmitPaymentProof)
	r.POST("/trades/:id/begin-release", h.BeginRelease)
	r.POST("/trades/:id/release", h.ReleaseAsset)
	r.POST("/trades/:id/confirm-receipt", h.ConfirmReceipt)
	r.POST("/trades/:id/dispute", h.RaiseDispute)
}

// RegisterAdminRoutes sets up admin-only trade routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/verify-payment", h.VerifyPayment)
	r.POST("/trades/:id/reject-payment", h.RejectPayment)
	r.POST("/trades/:id/force-release", h.ForceRelease)
	r.POST("/trades/:id/resolve", h.ResolveDispute)
	r.POST("/trades/:id/refund", h.ProcessRefund)
	r.GET("/trades/:id/payments", h.GetPayments)
	r.GET("/trades", h.ListTrades)
	r.GET("/dashboard", h.Dashboard)
}

func caller(c *gin.Context) Actor {
	return Actor{
		ID:    c.GetString("actorID"),
		Admin: c.GetBool("actorAdmin"),
	}
}

// respondError maps engine errors to HTTP responses. Typed errors pass
// their message through so clients see the offending state or field.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrProofAlreadySet):
		status = http.StatusConflict
		code = "proof_already_set"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrIncompleteRequest):
		status = http.StatusBadRequest
		code = "incomplete_request"
	case errors.Is(err, ErrBusy):
		status = http.StatusServiceUnavailable
		code = "busy"
		c.Header("Retry-After", "1")
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The authenticated caller is the seller; ignore any spoofed value.
	req.SellerID = caller(c).ID

	t, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// GetHistory handles GET /v1/trades/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"count":   len(entries),
	})
}

// GetQuote handles GET /v1/trades/:id/quote — the frozen fee breakdown.
func (h *Handler) GetQuote(c *gin.Context) {
	t, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tradeId":   t.ID,
		"price":     t.Price,
		"feeAmount": t.FeeAmount,
		"netAmount": t.NetAmount,
		"currency":  t.Currency,
	})
}

// ListByParty handles GET /v1/actors/:id/trades
func (h *Handler) ListByParty(c *gin.Context) {
	actorID := c.Param("id")
	if actorID != caller(c).ID && !caller(c).Admin {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "cannot list another actor's trades",
		})
		return
	}

	trades, err := h.engine.ListByParty(c.Request.Context(), actorID, parseLimit(c, 50))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

func parseLimit(c *gin.Context, def int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

// StartDraft handles POST /v1/drafts
func (h *Handler) StartDraft(c *gin.Context) {
	d, err := h.builder.Start(caller(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"draft": d})
}

// GetDraft handles GET /v1/drafts/:id
func (h *Handler) GetDraft(c *gin.Context) {
	d, err := h.builder.Get(c.Param("id"), caller(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"draft": d, "missing": d.Missing()})
}

// UpdateDraft handles PATCH /v1/drafts/:id
func (h *Handler) UpdateDraft(c *gin.Context) {
	var u DraftUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.builder.Update(c.Param("id"), caller(c).ID, u)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"draft": d, "missing": d.Missing()})
}

// SubmitDraft handles POST /v1/drafts/:id/submit
func (h *Handler) SubmitDraft(c *gin.Context) {
	t, err := h.builder.Submit(c.Request.Context(), c.Param("id"), caller(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// DiscardDraft handles DELETE /v1/drafts/:id
func (h *Handler) DiscardDraft(c *gin.Context) {
	if err := h.builder.Discard(c.Param("id"), caller(c).ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type openRequest struct {
	BuyerID string `json:"buyerId"`
}

// OpenTrade handles POST /v1/trades/:id/open
func (h *Handler) OpenTrade(c *gin.Context) {
	var req openRequest
	_ = c.ShouldBindJSON(&req) // body optional when buyer already set

	t, err := h.engine.Open(c.Request.Context(), c.Param("id"), caller(c), req.BuyerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ApproveTrade handles POST /v1/trades/:id/approve
func (h *Handler) ApproveTrade(c *gin.Context) {
	t, err := h.engine.Approve(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// RejectTrade handles POST /v1/trades/:id/reject
func (h *Handler) RejectTrade(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.engine.Reject(c.Request.Context(), c.Param("id"), caller(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

type paymentProofRequest struct {
	ProofRef string `json:"proofRef" binding:"required"`
}

// SubmitPaymentProof handles POST /v1/trades/:id/payment-proof
func (h *Handler) SubmitPaymentProof(c *gin.Context) {
	var req paymentProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "proofRef is required",
		})
		return
	}

	t, err := h.engine.SubmitPaymentProof(c.Request.Context(), c.Param("id"), caller(c), req.ProofRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// VerifyPayment handles POST /v1/trades/:id/verify-payment
func (h *Handler) VerifyPayment(c *gin.Context) {
	t, err := h.engine.VerifyPayment(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// RejectPayment handles POST /v1/trades/:id/reject-payment
func (h *Handler) RejectPayment(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.engine.RejectPayment(c.Request.Context(), c.Param("id"), caller(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// BeginRelease handles POST /v1/trades/:id/begin-release
func (h *Handler) BeginRelease(c *gin.Context) {
	t, err := h.engine.BeginRelease(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ReleaseAsset handles POST /v1/trades/:id/release
func (h *Handler) ReleaseAsset(c *gin.Context) {
	t, err := h.engine.ReleaseAsset(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ForceRelease handles POST /v1/trades/:id/force-release
func (h *Handler) ForceRelease(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.engine.ForceRelease(c.Request.Context(), c.Param("id"), caller(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ConfirmReceipt handles POST /v1/trades/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	t, err := h.engine.ConfirmReceipt(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// RaiseDispute handles POST /v1/trades/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.engine.RaiseDispute(c.Request.Context(), c.Param("id"), caller(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ResolveDispute handles POST /v1/trades/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome (release or refund) and reason are required",
		})
		return
	}

	t, err := h.engine.ResolveDispute(c.Request.Context(), c.Param("id"), caller(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ProcessRefund handles POST /v1/trades/:id/refund
func (h *Handler) ProcessRefund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "proofRef and method of the original payment are required",
		})
		return
	}

	t, err := h.engine.ProcessRefund(c.Request.Context(), c.Param("id"), caller(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// GetPayments handles GET /v1/admin/trades/:id/payments
func (h *Handler) GetPayments(c *gin.Context) {
	payments, err := h.engine.Payments(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// ListTrades handles GET /v1/admin/trades
func (h *Handler) ListTrades(c *gin.Context) {
	filter := Filter{
		SellerID: c.Query("sellerId"),
		BuyerID:  c.Query("buyerId"),
		Status:   Status(c.Query("status")),
	}
	if from := c.Query("from"); from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = &ts
		}
	}
	if to := c.Query("to"); to != "" {
		if ts, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &ts
		}
	}

	trades, err := h.engine.store.Query(c.Request.Context(), filter, parseLimit(c, 50))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// Dashboard handles GET /v1/admin/dashboard
func (h *Handler) Dashboard(c *gin.Context) {
	filter := Filter{SellerID: c.Query("sellerId")}
	stats, err := h.analytics.Dashboard(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analytics": stats})
}
