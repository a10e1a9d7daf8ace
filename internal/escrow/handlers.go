package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
	"github.com/mbeaumont/escrowd/internal/logging"
	"github.com/mbeaumont/escrowd/internal/validation"
)

// Caps on free-text request fields before they reach logs and the
// transition audit trail.
const (
	maxActorLen  = 64
	maxReasonLen = 500
)

// escrowContext tags the request context with the path escrow id so the
// request completion log line and downstream operations carry it.
func escrowContext(c *gin.Context) context.Context {
	ctx := logging.WithEscrowID(c.Request.Context(), c.Param("id"))
	c.Request = c.Request.WithContext(ctx)
	return ctx
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.InitEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/transitions", h.GetTransitions)
	r.POST("/escrows/:id/wallets", h.RegisterWallet)
	r.POST("/escrows/:id/release", h.ReleaseFunds)
	r.POST("/escrows/:id/refund", h.RefundFunds)
	r.GET("/escrows/:id/funding", h.CheckFunding)
	r.GET("/escrows/:id/confirmations", h.CheckConfirmations)
	r.POST("/escrows/:id/dispute", h.Dispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.GET("/sessions/stats", h.SessionStats)
}

// InitEscrow handles POST /v1/escrows
func (h *Handler) InitEscrow(c *gin.Context) {
	var req InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	escrow, err := h.service.InitEscrow(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.GetEscrow(escrowContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "limit must be a positive integer",
		})
		return
	}

	page, err := h.service.ListEscrows(c.Request.Context(),
		Status(c.Query("status")), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetTransitions handles GET /v1/escrows/:id/transitions
func (h *Handler) GetTransitions(c *gin.Context) {
	entries, err := h.service.Transitions(escrowContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": entries})
}

// RegisterWallet handles POST /v1/escrows/:id/wallets
func (h *Handler) RegisterWallet(c *gin.Context) {
	var req struct {
		Role   string `json:"role" binding:"required"`
		RPCURL string `json:"rpc_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	walletID, err := h.service.RegisterWallet(escrowContext(c), c.Param("id"), req.Role, req.RPCURL)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"wallet_id": walletID})
}

type settleRequest struct {
	Destination    string `json:"destination" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

// ReleaseFunds handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	h.settle(c, h.service.ReleaseFunds)
}

// RefundFunds handles POST /v1/escrows/:id/refund
func (h *Handler) RefundFunds(c *gin.Context) {
	h.settle(c, h.service.RefundFunds)
}

func (h *Handler) settle(c *gin.Context, fn func(ctx context.Context, escrowID, dest, idemKey string) (*TransferOutcome, error)) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "destination and idempotency_key are required",
		})
		return
	}

	outcome, err := fn(escrowContext(c), c.Param("id"), req.Destination, req.IdempotencyKey)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": outcome})
}

// CheckFunding handles GET /v1/escrows/:id/funding
func (h *Handler) CheckFunding(c *gin.Context) {
	status, err := h.service.CheckFunding(escrowContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"funding": status})
}

// CheckConfirmations handles GET /v1/escrows/:id/confirmations
func (h *Handler) CheckConfirmations(c *gin.Context) {
	status, err := h.service.CheckConfirmations(escrowContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"confirmations": status})
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req struct {
		Actor  string `json:"actor" binding:"required"`
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actor and reason are required",
		})
		return
	}

	escrow, err := h.service.Dispute(escrowContext(c), c.Param("id"),
		validation.SanitizeString(req.Actor, maxActorLen), validation.SanitizeString(req.Reason, maxReasonLen))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Actor      string `json:"actor" binding:"required"`
		Resolution string `json:"resolution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actor and resolution are required",
		})
		return
	}

	escrow, err := h.service.ResolveDispute(escrowContext(c), c.Param("id"),
		validation.SanitizeString(req.Actor, maxActorLen), req.Resolution)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req struct {
		Actor  string `json:"actor" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actor is required",
		})
		return
	}

	escrow, err := h.service.Cancel(escrowContext(c), c.Param("id"),
		validation.SanitizeString(req.Actor, maxActorLen), validation.SanitizeString(req.Reason, maxReasonLen))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// SessionStats handles GET /v1/sessions/stats
func (h *Handler) SessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.service.SessionStats()})
}

// writeError maps the error taxonomy onto HTTP statuses. Retryable
// errors carry a Retry-After hint.
func writeError(c *gin.Context, err error) {
	var (
		status int
		code   string
	)
	switch {
	case errors.Is(err, escrowerr.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, escrowerr.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, escrowerr.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, escrowerr.ErrStateConflict):
		status, code = http.StatusConflict, "state_conflict"
	case errors.Is(err, escrowerr.ErrLockTimeout):
		status, code = http.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, escrowerr.ErrCapacityExceeded):
		status, code = http.StatusServiceUnavailable, "capacity_exceeded"
	case errors.Is(err, escrowerr.ErrRPCUnavailable):
		status, code = http.StatusBadGateway, "rpc_unavailable"
	case errors.Is(err, escrowerr.ErrRPCProtocol):
		status, code = http.StatusBadGateway, "rpc_protocol_error"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
	}

	if escrowerr.Retryable(err) {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
