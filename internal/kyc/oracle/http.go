package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"onchainkyc/internal/kyc/metrics"
	"onchainkyc/internal/kyc/models"
	"onchainkyc/pkg/platform/circuit"
)

// HeaderIdempotencyKey carries the session id so the gateway can deduplicate
// retried commits.
const HeaderIdempotencyKey = "Idempotency-Key"

// HTTPClient talks to a JSON ledger gateway:
//
//	POST {base}/v1/compliance/{wallet}/attestations
//	GET  {base}/v1/compliance/{wallet}
//
// Every call goes through the breaker. Calls are still attempted while the
// breaker is open so a recovering ledger closes it; Degraded lets callers
// route around the synchronous path meanwhile.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	readTimeout time.Duration
	breaker     *circuit.Breaker
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type HTTPOption func(*HTTPClient)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.httpClient = c
	}
}

func WithAPIKey(key string) HTTPOption {
	return func(h *HTTPClient) {
		h.apiKey = key
	}
}

func WithReadTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		if d > 0 {
			h.readTimeout = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) HTTPOption {
	return func(h *HTTPClient) {
		h.breaker = b
	}
}

func WithLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTPClient) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(h *HTTPClient) {
		h.metrics = m
	}
}

func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger base url %q", baseURL)
	}
	h := &HTTPClient{
		baseURL:     u.String(),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		readTimeout: 3 * time.Second,
		breaker:     circuit.New("compliance-ledger"),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type commitRequest struct {
	SessionID     string    `json:"session_id"`
	AttestationID string    `json:"attestation_id"`
	Nullifier     string    `json:"nullifier"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// Commit posts the attestation. Callers bound each attempt through ctx; the
// client timeout only caps calls made without a deadline.
// 409 means the gateway already holds this session and counts as success.
func (h *HTTPClient) Commit(ctx context.Context, wallet string, a models.Attestation) error {
	body, err := json.Marshal(commitRequest{
		SessionID:     a.SessionID.String(),
		AttestationID: a.AttestationID,
		Nullifier:     a.Nullifier,
		VerifiedAt:    a.VerifiedAt,
	})
	if err != nil {
		return &CommitError{Err: fmt.Errorf("marshal commit: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.walletURL(wallet)+"/attestations", bytes.NewReader(body))
	if err != nil {
		return &CommitError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, a.SessionID.String())

	start := time.Now()
	resp, err := h.do(req)
	h.metrics.ObserveLedgerLatency("commit", time.Since(start))
	if err != nil {
		h.recordFailure(ctx)
		return &CommitError{Retryable: true, Err: err}
	}
	defer drain(resp)

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		h.recordSuccess(ctx)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		h.recordFailure(ctx)
		return &CommitError{Retryable: true, Err: fmt.Errorf("ledger returned %d", resp.StatusCode)}
	default:
		// the gateway answered, so it is healthy even though it refused us
		h.recordSuccess(ctx)
		return &CommitError{Err: fmt.Errorf("ledger rejected commit with %d", resp.StatusCode)}
	}
}

type recordResponse struct {
	Wallet            string    `json:"wallet"`
	IsVerified        bool      `json:"is_verified"`
	VerifiedAt        time.Time `json:"verified_at"`
	VerificationCount int64     `json:"verification_count"`
}

func (h *HTTPClient) Read(ctx context.Context, wallet string) (*models.ComplianceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, h.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.walletURL(wallet), nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := h.do(req)
	h.metrics.ObserveLedgerLatency("read", time.Since(start))
	if err != nil {
		h.recordFailure(ctx)
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		h.recordSuccess(ctx)
		return &models.ComplianceRecord{Wallet: wallet}, nil
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			h.recordFailure(ctx)
		}
		return nil, fmt.Errorf("read ledger: status %d", resp.StatusCode)
	}
	h.recordSuccess(ctx)

	var out recordResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ledger record: %w", err)
	}
	return &models.ComplianceRecord{
		Wallet:            wallet,
		IsVerified:        out.IsVerified,
		VerifiedAt:        out.VerifiedAt,
		VerificationCount: out.VerificationCount,
	}, nil
}

// Degraded reports whether the breaker is open.
func (h *HTTPClient) Degraded() bool {
	return h.breaker.IsOpen()
}

func (h *HTTPClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("ledger timeout: %w", err)
		}
		return nil, err
	}
	return resp, nil
}

func (h *HTTPClient) walletURL(wallet string) string {
	return h.baseURL + "/v1/compliance/" + url.PathEscape(wallet)
}

func (h *HTTPClient) recordFailure(ctx context.Context) {
	if _, change := h.breaker.RecordFailure(); change.Opened {
		h.metrics.SetBreakerOpen(true)
		h.logger.WarnContext(ctx, "compliance ledger circuit opened", "breaker", h.breaker.Name())
	}
}

func (h *HTTPClient) recordSuccess(ctx context.Context) {
	if _, change := h.breaker.RecordSuccess(); change.Closed {
		h.metrics.SetBreakerOpen(false)
		h.logger.InfoContext(ctx, "compliance ledger circuit closed", "breaker", h.breaker.Name())
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
