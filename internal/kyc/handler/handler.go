package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/internal/platform/middleware"
	dErrors "onchainkyc/pkg/domain-errors"
	"onchainkyc/pkg/platform/httputil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

// maxWebhookBytes bounds provider callbacks; proofs are a few kilobytes.
const maxWebhookBytes = 256 << 10

// Service defines the orchestrator operations exposed over HTTP.
type Service interface {
	InitiateSession(ctx context.Context, wallet string, req *models.Requirements) (*models.InitiateResult, error)
	IngestWebhook(ctx context.Context, payload *models.WebhookPayload) (*models.Outcome, error)
	GetStatus(ctx context.Context, wallet string) (*models.Status, error)
	GetSession(ctx context.Context, sessionID, callerWallet string) (*models.Session, error)
	GetStatistics(ctx context.Context) (*models.Statistics, error)
	Config() models.Requirements
}

// Handler serves the /kyc routes.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the KYC routes. Cross-cutting middleware (request id,
// recovery, logging) is applied by the server router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/kyc", func(r chi.Router) {
		r.Post("/initiate", h.HandleInitiate)
		r.Post("/verify", h.HandleVerify)
		r.Get("/status/{walletAddress}", h.HandleStatus)
		r.Get("/statistics", h.HandleStatistics)
		r.Get("/config", h.HandleConfig)
		r.With(middleware.RequireCallerWallet(models.ParseWallet, h.logger)).
			Get("/session/{sessionId}", h.HandleGetSession)
	})
}

func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[InitiateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.InitiateSession(ctx, req.WalletAddress, req.Requirements.toModel())
	if err != nil {
		h.logFailure(ctx, "initiate session failed", err)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, InitiateResponse{
		SessionID:    res.SessionID.String(),
		Requirements: requirementsDTO(res.Requirements),
		ExpiresAt:    res.ExpiresAt,
	})
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBytes)).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "undecodable webhook body",
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeMalformedPayload, "invalid webhook body"))
		return
	}

	out, err := h.service.IngestWebhook(ctx, req.toModel())
	if err != nil {
		h.logFailure(ctx, "webhook processing failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, verifyStatus(out), toVerifyResponse(out))
}

// verifyStatus maps an outcome to its HTTP status. Duplicates answer with the
// same status as the original delivery.
func verifyStatus(o *models.Outcome) int {
	if o.Verified {
		return http.StatusOK
	}
	switch o.Reason {
	case models.ReasonInvalidProof:
		return http.StatusBadRequest
	case models.ReasonNullifierReplay, models.ReasonPolicyViolation:
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status, err := h.service.GetStatus(ctx, chi.URLParam(r, "walletAddress"))
	if err != nil {
		h.logFailure(ctx, "status query failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		WalletAddress:     status.Wallet,
		IsVerified:        status.IsVerified,
		VerificationCount: status.VerificationCount,
		LastResult:        toOutcomeDTO(status.LastResult),
		Source:            string(status.Source),
	})
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.service.GetSession(ctx, chi.URLParam(r, "sessionId"), middleware.GetCallerWallet(ctx))
	if err != nil {
		h.logFailure(ctx, "session lookup failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.service.GetStatistics(ctx)
	if err != nil {
		h.logFailure(ctx, "statistics query failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatisticsResponse{
		TotalVerifications: stats.TotalVerifications,
		UniqueUsers:        stats.UniqueUsers,
	})
}

func (h *Handler) HandleConfig(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, requirementsDTO(h.service.Config()))
}

// logFailure logs client errors at warn and everything else at error.
func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	args := []any{
		"request_id", middleware.GetRequestID(ctx),
		"code", string(dErrors.CodeOf(err)),
		"error", err,
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, args...)
		return
	}
	h.logger.WarnContext(ctx, msg, args...)
}
