package handler

import (
	"time"

	"onchainkyc/internal/kyc/models"
)

type InitiateResponse struct {
	SessionID    string          `json:"sessionId"`
	Requirements RequirementsDTO `json:"requirements"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

type ResultDTO struct {
	Reason       string         `json:"reason,omitempty"`
	PolicyReason string         `json:"policyReason,omitempty"`
	Attributes   *AttributesDTO `json:"attributes,omitempty"`
	FinalizedAt  time.Time      `json:"finalizedAt"`
}

type SessionResponse struct {
	SessionID     string          `json:"sessionId"`
	WalletAddress string          `json:"walletAddress"`
	State         string          `json:"state"`
	Requirements  RequirementsDTO `json:"requirements"`
	Result        *ResultDTO      `json:"result,omitempty"`
	Committed     bool            `json:"committed"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
}

func toSessionResponse(s *models.Session) SessionResponse {
	resp := SessionResponse{
		SessionID:     s.ID.String(),
		WalletAddress: s.Wallet,
		State:         string(s.State),
		Requirements:  requirementsDTO(s.Requirements),
		Committed:     s.CommittedAt != nil,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		ExpiresAt:     s.ExpiresAt,
	}
	if s.Result != nil {
		resp.Result = &ResultDTO{
			Reason:       string(s.Result.Reason),
			PolicyReason: string(s.Result.PolicyReason),
			Attributes:   attributesDTO(s.Result.Attributes),
			FinalizedAt:  s.Result.FinalizedAt,
		}
	}
	return resp
}

type OutcomeDTO struct {
	SessionID     string    `json:"sessionId"`
	State         string    `json:"state"`
	Verified      bool      `json:"verified"`
	Reason        string    `json:"reason,omitempty"`
	PolicyReason  string    `json:"policyReason,omitempty"`
	FinalizedAt   time.Time `json:"finalizedAt"`
	CommitPending bool      `json:"commitPending"`
}

func toOutcomeDTO(o *models.Outcome) *OutcomeDTO {
	if o == nil {
		return nil
	}
	return &OutcomeDTO{
		SessionID:     o.SessionID.String(),
		State:         string(o.State),
		Verified:      o.Verified,
		Reason:        string(o.Reason),
		PolicyReason:  string(o.PolicyReason),
		FinalizedAt:   o.FinalizedAt,
		CommitPending: o.CommitPending,
	}
}

type StatusResponse struct {
	WalletAddress     string      `json:"walletAddress"`
	IsVerified        bool        `json:"isVerified"`
	VerificationCount int64       `json:"verificationCount"`
	LastResult        *OutcomeDTO `json:"lastResult,omitempty"`
	Source            string      `json:"source"`
}

// VerifyResponse reports a webhook outcome. Rejections carry the reason in
// both error and reason so generic error handling and outcome handling agree.
type VerifyResponse struct {
	Verified      bool           `json:"verified"`
	SessionID     string         `json:"sessionId"`
	State         string         `json:"state"`
	Error         string         `json:"error,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	PolicyReason  string         `json:"policyReason,omitempty"`
	Attributes    *AttributesDTO `json:"attributes,omitempty"`
	Duplicate     bool           `json:"duplicate"`
	CommitPending bool           `json:"commitPending"`
}

func toVerifyResponse(o *models.Outcome) VerifyResponse {
	return VerifyResponse{
		Verified:      o.Verified,
		SessionID:     o.SessionID.String(),
		State:         string(o.State),
		Error:         string(o.Reason),
		Reason:        string(o.Reason),
		PolicyReason:  string(o.PolicyReason),
		Attributes:    attributesDTO(o.Attributes),
		Duplicate:     o.Duplicate,
		CommitPending: o.CommitPending,
	}
}

type StatisticsResponse struct {
	TotalVerifications int64 `json:"totalVerifications"`
	UniqueUsers        int64 `json:"uniqueUsers"`
}
