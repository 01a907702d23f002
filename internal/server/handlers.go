package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/ledger"
	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/nivara-ai/museflow/internal/middleware"
	"github.com/nivara-ai/museflow/internal/monitoring"
	"github.com/nivara-ai/museflow/internal/provider"
	"github.com/nivara-ai/museflow/internal/search"
	"github.com/nivara-ai/museflow/internal/store"
)

// refundTimeout bounds the compensating refund issued after a failed or
// cancelled generation; it must not inherit the request's dead context
const refundTimeout = 10 * time.Second

var handlerLog = logging.NewLogger("server")

func respondError(c *gin.Context, err error) {
	middleware.RespondWithError(c, apierr.From(err))
}

// RedeemRequest is the license redemption body
type RedeemRequest struct {
	Key string `json:"key" binding:"required"`
}

// handleRedeemLicense redeems a license key for the authenticated user
func (s *APIServer) handleRedeemLicense(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.NewValidationError("A license key is required", err.Error()))
		return
	}

	summary, err := s.ledger.RedeemLicense(c.Request.Context(), middleware.GetUserID(c), req.Key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleAccount returns the caller's license and balance
func (s *APIServer) handleAccount(c *gin.Context) {
	summary, err := s.ledger.Summary(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GenerateRequest is the generation submission body. OperationID is the
// client's idempotency token for the charge.
type GenerateRequest struct {
	Kind            string   `json:"kind" binding:"required"`
	Prompt          string   `json:"prompt" binding:"required"`
	OperationID     string   `json:"operation_id"`
	ReferenceImages []string `json:"reference_images"`
	DurationSeconds int      `json:"duration_seconds"`
	AspectRatio     string   `json:"aspect_ratio"`
	Resolution      string   `json:"resolution"`
}

// GenerateResponse pairs the finished job with its charge
type GenerateResponse struct {
	Job    any                  `json:"job"`
	Charge *ledger.ChargeResult `json:"charge"`
	Refund *ledger.RefundResult `json:"refund,omitempty"`
}

// handleGenerate charges the caller, runs one generation job to a
// terminal state, and refunds the charge when the job does not produce a
// result
func (s *APIServer) handleGenerate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.NewValidationError("Invalid generation request", err.Error()))
		return
	}

	var kind provider.Kind
	var action string
	switch req.Kind {
	case string(provider.KindImage):
		kind, action = provider.KindImage, "image_generate"
	case string(provider.KindVideo):
		kind, action = provider.KindVideo, "video_generate"
	default:
		respondError(c, apierr.NewValidationError(fmt.Sprintf("unknown kind %q", req.Kind), nil))
		return
	}

	userID := middleware.GetUserID(c)
	charge, err := s.ledger.Charge(c.Request.Context(), userID, action, req.OperationID,
		fmt.Sprintf("%s request", action))
	if err != nil {
		respondError(c, err)
		return
	}
	monitoring.AddCreditsCharged(charge.ChargedCredits)

	job, genErr := s.orchestrator.Generate(c.Request.Context(), &provider.Request{
		Prompt:          req.Prompt,
		Kind:            kind,
		ReferenceImages: req.ReferenceImages,
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     req.AspectRatio,
		Resolution:      req.Resolution,
	})
	if genErr != nil {
		refund := s.refundCharge(userID, charge.ChargeID, genErr)
		apiErr := apierr.From(genErr)
		response := apierr.NewErrorResponse(apiErr, middleware.GetRequestID(c))
		c.JSON(apiErr.HTTPStatus, gin.H{
			"error":  response.Error,
			"job":    job,
			"refund": refund,
		})
		return
	}

	c.JSON(http.StatusOK, GenerateResponse{Job: job, Charge: charge})
}

// refundCharge issues the compensating refund after a failed or cancelled
// generation; refund failures are logged, never surfaced over the charge
func (s *APIServer) refundCharge(userID, chargeID string, cause error) *ledger.RefundResult {
	ctx, cancel := context.WithTimeout(context.Background(), refundTimeout)
	defer cancel()

	refund, err := s.ledger.Refund(ctx, userID, chargeID, apierr.From(cause).Message)
	if err != nil {
		handlerLog.Error().Err(err).
			Str("user_id", userID).
			Str("charge_id", chargeID).
			Msg("Compensating refund failed")
		return nil
	}
	monitoring.AddCreditsRefunded(refund.RefundedCredits)
	return refund
}

// handleGetGeneration returns a job from the in-memory registry
func (s *APIServer) handleGetGeneration(c *gin.Context) {
	job := s.orchestrator.Job(c.Param("id"))
	if job == nil {
		respondError(c, &apierr.APIError{
			Code:       apierr.CodeValidation,
			Message:    "Unknown generation id",
			HTTPStatus: http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusOK, job)
}

// SearchRequest is the knowledge-search body
type SearchRequest struct {
	Query string `json:"query" binding:"required"`
}

// handleSearch queries the knowledge index; unavailability degrades to an
// empty result set instead of failing the request
func (s *APIServer) handleSearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.NewValidationError("A query is required", err.Error()))
		return
	}

	results, err := s.searcher.Search(c.Request.Context(), req.Query)
	if err != nil {
		if errors.Is(err, search.ErrUnavailable) {
			c.JSON(http.StatusOK, gin.H{"results": []search.Result{}, "available": false})
			return
		}
		respondError(c, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "available": true})
}

// CreateKeysRequest is the admin key-minting body
type CreateKeysRequest struct {
	PlanID   string `json:"plan_id" binding:"required"`
	Quantity int    `json:"quantity"`
	Note     string `json:"note"`
}

// handleCreateKeys mints a batch of license keys
func (s *APIServer) handleCreateKeys(c *gin.Context) {
	var req CreateKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.NewValidationError("Invalid key batch request", err.Error()))
		return
	}

	keys, err := s.ledger.GenerateKeys(c.Request.Context(), req.PlanID, req.Quantity, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"keys": keys})
}

// handleListKeys lists keys, optionally filtered by status
func (s *APIServer) handleListKeys(c *gin.Context) {
	status := store.KeyStatus(c.Query("status"))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}

	keys, err := s.ledger.ListKeys(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// handleListPlans returns the static plan catalog
func (s *APIServer) handleListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": s.ledger.Plans()})
}
