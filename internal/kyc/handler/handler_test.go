package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"onchainkyc/internal/kyc/handler/mocks"
	"onchainkyc/internal/kyc/models"
	dErrors "onchainkyc/pkg/domain-errors"
)

const (
	wallet        = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	checksumAddrs = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

type HandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	h := New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *HandlerSuite) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) decode(rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *HandlerSuite) TestInitiate() {
	id := uuid.New()
	expires := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	s.Run("new session is 201", func() {
		s.service.EXPECT().
			InitiateSession(gomock.Any(), wallet, gomock.Nil()).
			Return(&models.InitiateResult{SessionID: id, Requirements: models.DefaultRequirements(), ExpiresAt: expires}, nil)

		rec := s.do(http.MethodPost, "/kyc/initiate", map[string]any{"walletAddress": wallet}, nil)
		s.Equal(http.StatusCreated, rec.Code)
		body := s.decode(rec)
		s.Equal(id.String(), body["sessionId"])
		s.Equal("2026-03-02T10:30:00Z", body["expiresAt"])
		req := body["requirements"].(map[string]any)
		s.EqualValues(18, req["minimumAge"])
		s.Equal(true, req["requireOfacCheck"])
		s.Equal([]any{float64(1), float64(2)}, req["allowedDocumentTypes"])
		s.Equal([]any{}, req["excludedCountries"])
	})

	s.Run("reused session is 200", func() {
		s.service.EXPECT().
			InitiateSession(gomock.Any(), wallet, gomock.Nil()).
			Return(&models.InitiateResult{SessionID: id, Requirements: models.DefaultRequirements(), ExpiresAt: expires, Reused: true}, nil)

		rec := s.do(http.MethodPost, "/kyc/initiate", map[string]any{"walletAddress": wallet}, nil)
		s.Equal(http.StatusOK, rec.Code)
	})

	s.Run("custom requirements are passed through", func() {
		s.service.EXPECT().
			InitiateSession(gomock.Any(), wallet, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, req *models.Requirements) (*models.InitiateResult, error) {
				s.Require().NotNil(req)
				s.Equal(21, req.MinimumAge)
				s.Equal([]models.DocumentType{models.DocumentTypeAadhaar}, req.AllowedDocumentTypes)
				s.Equal([]string{"KP"}, req.ExcludedCountries)
				return &models.InitiateResult{SessionID: id, Requirements: *req, ExpiresAt: expires}, nil
			})

		rec := s.do(http.MethodPost, "/kyc/initiate", map[string]any{
			"walletAddress": wallet,
			"requirements": map[string]any{
				"minimumAge":           21,
				"allowedDocumentTypes": []int{3},
				"excludedCountries":    []string{"KP"},
			},
		}, nil)
		s.Equal(http.StatusCreated, rec.Code)
	})

	s.Run("missing wallet never reaches the service", func() {
		rec := s.do(http.MethodPost, "/kyc/initiate", map[string]any{}, nil)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal(string(dErrors.CodeInvalidWallet), s.decode(rec)["error"])
	})

	s.Run("undecodable body", func() {
		rec := s.do(http.MethodPost, "/kyc/initiate", "{", nil)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal(string(dErrors.CodeBadRequest), s.decode(rec)["error"])
	})

	s.Run("service validation errors are 400", func() {
		s.service.EXPECT().
			InitiateSession(gomock.Any(), "0x12", gomock.Nil()).
			Return(nil, dErrors.New(dErrors.CodeInvalidWallet, "wallet address must be 0x followed by 40 hex characters"))

		rec := s.do(http.MethodPost, "/kyc/initiate", map[string]any{"walletAddress": "0x12"}, nil)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal(string(dErrors.CodeInvalidWallet), s.decode(rec)["error"])
	})
}

func (s *HandlerSuite) verifyBody(sessionID uuid.UUID) map[string]any {
	return map[string]any{
		"attestationId": "1",
		"proof":         map[string]any{"protocol": "jws-eddsa", "token": "a.b.c"},
		"publicSignals": []string{"n", "1", "scope", wallet, "DE", "1", "21", "0"},
		"extractedAttrs": map[string]any{
			"nationality": "DE", "documentType": 1, "ageAtLeast": 21, "isOfacMatch": false,
		},
		"userContextData": map[string]any{"sessionId": sessionID.String(), "walletAddress": wallet},
	}
}

func (s *HandlerSuite) TestVerifyDecodesPayload() {
	id := uuid.New()
	s.service.EXPECT().
		IngestWebhook(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, p *models.WebhookPayload) (*models.Outcome, error) {
			s.Equal("1", p.AttestationID)
			s.Equal(models.ProofBundle{Protocol: "jws-eddsa", Token: "a.b.c"}, p.Proof)
			s.Len(p.PublicSignals, models.SignalCount)
			s.Equal(&models.Attributes{Nationality: "DE", DocumentType: 1, AgeAtLeast: 21}, p.ExtractedAttrs)
			s.Equal(id.String(), p.UserContextData.SessionID)
			return &models.Outcome{SessionID: id, State: models.SessionStateVerified, Verified: true, CommitPending: true}, nil
		})

	rec := s.do(http.MethodPost, "/kyc/verify", s.verifyBody(id), nil)
	s.Equal(http.StatusOK, rec.Code)
	body := s.decode(rec)
	s.Equal(true, body["verified"])
	s.Equal("verified", body["state"])
	s.Equal(true, body["commitPending"])
	s.Equal(false, body["duplicate"])
	s.NotContains(body, "error")
}

func (s *HandlerSuite) TestVerifyOutcomeStatuses() {
	id := uuid.New()
	cases := []struct {
		name         string
		outcome      *models.Outcome
		wantStatus   int
		wantReason   string
		wantPolicy   string
		wantVerified bool
	}{
		{
			name:       "invalid proof",
			outcome:    &models.Outcome{SessionID: id, State: models.SessionStateRejected, Reason: models.ReasonInvalidProof},
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_proof",
		},
		{
			name:       "nullifier replay",
			outcome:    &models.Outcome{SessionID: id, State: models.SessionStateRejected, Reason: models.ReasonNullifierReplay},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "nullifier_replay",
		},
		{
			name: "policy violation",
			outcome: &models.Outcome{
				SessionID: id, State: models.SessionStateRejected,
				Reason: models.ReasonPolicyViolation, PolicyReason: models.PolicySanctionsMatch,
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "policy_violation",
			wantPolicy: "sanctions_match",
		},
		{
			name:         "duplicate of verified",
			outcome:      &models.Outcome{SessionID: id, State: models.SessionStateVerified, Verified: true, Duplicate: true},
			wantStatus:   http.StatusOK,
			wantVerified: true,
		},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.service.EXPECT().IngestWebhook(gomock.Any(), gomock.Any()).Return(tc.outcome, nil)
			rec := s.do(http.MethodPost, "/kyc/verify", s.verifyBody(id), nil)
			s.Equal(tc.wantStatus, rec.Code)
			body := s.decode(rec)
			s.Equal(tc.wantVerified, body["verified"])
			if tc.wantReason != "" {
				s.Equal(tc.wantReason, body["reason"])
				s.Equal(tc.wantReason, body["error"])
			}
			if tc.wantPolicy != "" {
				s.Equal(tc.wantPolicy, body["policyReason"])
			}
		})
	}
}

func (s *HandlerSuite) TestVerifyErrors() {
	cases := map[string]struct {
		err        error
		wantStatus int
	}{
		"malformed":   {dErrors.New(dErrors.CodeMalformedPayload, "attestationId is required"), http.StatusBadRequest},
		"not found":   {dErrors.New(dErrors.CodeSessionNotFound, "session not found"), http.StatusNotFound},
		"expired":     {dErrors.New(dErrors.CodeSessionExpired, "session expired"), http.StatusGone},
		"in progress": {dErrors.New(dErrors.CodeVerificationInProgress, "busy"), http.StatusConflict},
	}
	for name, tc := range cases {
		s.Run(name, func() {
			s.service.EXPECT().IngestWebhook(gomock.Any(), gomock.Any()).Return(nil, tc.err)
			rec := s.do(http.MethodPost, "/kyc/verify", s.verifyBody(uuid.New()), nil)
			s.Equal(tc.wantStatus, rec.Code)
			s.Equal(string(dErrors.CodeOf(tc.err)), s.decode(rec)["error"])
		})
	}

	s.Run("undecodable body is malformed_payload", func() {
		rec := s.do(http.MethodPost, "/kyc/verify", `{"publicSignals": 7}`, nil)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal(string(dErrors.CodeMalformedPayload), s.decode(rec)["error"])
	})

	s.Run("internal errors are not leaked", func() {
		s.service.EXPECT().IngestWebhook(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.Wrap(errors.New("pq: connection reset"), dErrors.CodeInternal, "failed to load session"))
		rec := s.do(http.MethodPost, "/kyc/verify", s.verifyBody(uuid.New()), nil)
		s.Equal(http.StatusInternalServerError, rec.Code)
		s.NotContains(rec.Body.String(), "pq:")
	})
}

func (s *HandlerSuite) TestStatus() {
	id := uuid.New()
	finalized := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	s.service.EXPECT().GetStatus(gomock.Any(), checksumAddrs).Return(&models.Status{
		Wallet:            wallet,
		IsVerified:        true,
		VerificationCount: 2,
		LastResult: &models.Outcome{
			SessionID: id, State: models.SessionStateVerified, Verified: true, FinalizedAt: finalized,
		},
		Source: models.StatusSourceLocal,
	}, nil)

	rec := s.do(http.MethodGet, "/kyc/status/"+checksumAddrs, nil, nil)
	s.Equal(http.StatusOK, rec.Code)
	body := s.decode(rec)
	s.Equal(wallet, body["walletAddress"])
	s.Equal(true, body["isVerified"])
	s.EqualValues(2, body["verificationCount"])
	s.Equal("local", body["source"])
	last := body["lastResult"].(map[string]any)
	s.Equal(id.String(), last["sessionId"])
	s.Equal("2026-03-02T10:05:00Z", last["finalizedAt"])
}

func (s *HandlerSuite) TestStatusWithoutHistoryOmitsLastResult() {
	s.service.EXPECT().GetStatus(gomock.Any(), wallet).
		Return(&models.Status{Wallet: wallet, Source: models.StatusSourceNone}, nil)

	rec := s.do(http.MethodGet, "/kyc/status/"+wallet, nil, nil)
	s.Equal(http.StatusOK, rec.Code)
	body := s.decode(rec)
	s.Equal(false, body["isVerified"])
	s.Equal("none", body["source"])
	s.NotContains(body, "lastResult")
}

func (s *HandlerSuite) TestGetSession() {
	id := uuid.New()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s.Run("requires the caller wallet header", func() {
		rec := s.do(http.MethodGet, "/kyc/session/"+id.String(), nil, nil)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("rejects a malformed caller wallet", func() {
		rec := s.do(http.MethodGet, "/kyc/session/"+id.String(), nil, map[string]string{"X-Wallet-Address": "0xnope"})
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal(string(dErrors.CodeInvalidWallet), s.decode(rec)["error"])
	})

	s.Run("returns the caller's session", func() {
		s.service.EXPECT().GetSession(gomock.Any(), id.String(), wallet).Return(&models.Session{
			ID:           id,
			Wallet:       wallet,
			State:        models.SessionStateRejected,
			Requirements: models.DefaultRequirements(),
			Result: &models.Result{
				Reason:       models.ReasonPolicyViolation,
				PolicyReason: models.PolicyNationalityExcluded,
				Attributes:   &models.Attributes{Nationality: "KP", DocumentType: 1, AgeAtLeast: 30},
				FinalizedAt:  now,
			},
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(30 * time.Minute),
		}, nil)

		rec := s.do(http.MethodGet, "/kyc/session/"+id.String(), nil, map[string]string{"X-Wallet-Address": checksumAddrs})
		s.Equal(http.StatusOK, rec.Code)
		body := s.decode(rec)
		s.Equal("rejected", body["state"])
		s.Equal(false, body["committed"])
		result := body["result"].(map[string]any)
		s.Equal("policy_violation", result["reason"])
		s.Equal("nationality_excluded", result["policyReason"])
		s.Equal("KP", result["attributes"].(map[string]any)["nationality"])
	})

	s.Run("other wallets see not found", func() {
		s.service.EXPECT().GetSession(gomock.Any(), id.String(), wallet).
			Return(nil, dErrors.New(dErrors.CodeSessionNotFound, "session not found"))
		rec := s.do(http.MethodGet, "/kyc/session/"+id.String(), nil, map[string]string{"X-Wallet-Address": wallet})
		s.Equal(http.StatusNotFound, rec.Code)
	})
}

func (s *HandlerSuite) TestStatisticsAndConfig() {
	s.service.EXPECT().GetStatistics(gomock.Any()).
		Return(&models.Statistics{TotalVerifications: 7, UniqueUsers: 5}, nil)
	rec := s.do(http.MethodGet, "/kyc/statistics", nil, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"totalVerifications":7,"uniqueUsers":5}`, rec.Body.String())

	s.service.EXPECT().Config().Return(models.DefaultRequirements())
	rec = s.do(http.MethodGet, "/kyc/config", nil, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"minimumAge":18,"requireOfacCheck":true,"allowedDocumentTypes":[1,2],"excludedCountries":[]}`, rec.Body.String())
}
