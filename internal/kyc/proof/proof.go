// Package proof validates attestation-provider proof bundles and binds their
// public signals to the disclosed attributes and the session they answer.
package proof

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/pkg/requestcontext"
)

// ProtocolJWSEdDSA is the only bundle protocol accepted.
const ProtocolJWSEdDSA = "jws-eddsa"

// signalSeparator joins public signals before hashing.
const signalSeparator = "\x1f"

// ErrInvalidProof covers every validation failure. The wrapped cause is for logs.
var ErrInvalidProof = errors.New("invalid proof")

// Claims are the provider-signed JWS claims.
type Claims struct {
	jwt.RegisteredClaims
	Scope         string `json:"scope"`
	ConfigID      string `json:"config_id"`
	Nullifier     string `json:"nullifier"`
	AttestationID string `json:"attestation_id"`
	SignalsDigest string `json:"signals_digest"`
}

// Input is everything the validator checks a bundle against.
type Input struct {
	AttestationID  string
	Proof          models.ProofBundle
	PublicSignals  []string
	ExtractedAttrs models.Attributes

	// From the session
	Scope    string
	ConfigID string
	Wallet   string
}

// Verified carries the trusted values decoded from a valid proof.
type Verified struct {
	Nullifier     string
	AttestationID string
	Attributes    models.Attributes
}

// Validator checks proofs signed with the provider's Ed25519 key.
type Validator struct {
	issuer    string
	publicKey ed25519.PublicKey
	maxAge    time.Duration
	leeway    time.Duration
	logger    *slog.Logger
}

type Option func(*Validator)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithMaxAge rejects proofs issued longer ago than d. Zero disables the check.
func WithMaxAge(d time.Duration) Option {
	return func(v *Validator) {
		v.maxAge = d
	}
}

func WithLeeway(d time.Duration) Option {
	return func(v *Validator) {
		v.leeway = d
	}
}

// NewValidator constructs a Validator for proofs issued by issuer.
func NewValidator(issuer string, publicKey ed25519.PublicKey, opts ...Option) (*Validator, error) {
	if issuer == "" {
		return nil, fmt.Errorf("proof issuer is required")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("provider public key must be %d bytes", ed25519.PublicKeySize)
	}
	v := &Validator{
		issuer:    issuer,
		publicKey: publicKey,
		maxAge:    24 * time.Hour,
		leeway:    30 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ParsePublicKeyPEM reads a PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(pemBytes []byte) (ed25519.PublicKey, error) {
	key, err := jwt.ParseEdPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse provider public key: %w", err)
	}
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("provider public key is not ed25519")
	}
	return edKey, nil
}

// Validate verifies the bundle signature, the binding between claims, public
// signals and extracted attributes, and the match with the session. Any
// failure returns an error wrapping ErrInvalidProof.
func (v *Validator) Validate(ctx context.Context, in Input) (*Verified, error) {
	verified, err := v.validate(ctx, in)
	if err != nil {
		v.logger.WarnContext(ctx, "proof rejected",
			"request_id", requestcontext.RequestID(ctx),
			"wallet", in.Wallet,
			"attestation_id", in.AttestationID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}
	return verified, nil
}

func (v *Validator) validate(ctx context.Context, in Input) (*Verified, error) {
	if in.Proof.Protocol != ProtocolJWSEdDSA {
		return nil, fmt.Errorf("unsupported proof protocol %q", in.Proof.Protocol)
	}
	if len(in.PublicSignals) != models.SignalCount {
		return nil, fmt.Errorf("expected %d public signals, got %d", models.SignalCount, len(in.PublicSignals))
	}

	now := requestcontext.Now(ctx)
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(in.Proof.Token, claims,
		func(*jwt.Token) (any, error) { return crypto.PublicKey(v.publicKey), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("verify proof token: %w", err)
	}
	if v.maxAge > 0 {
		if claims.IssuedAt == nil || now.Sub(claims.IssuedAt.Time) > v.maxAge+v.leeway {
			return nil, fmt.Errorf("proof older than %s", v.maxAge)
		}
	}

	digest := SignalsDigest(in.PublicSignals)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(strings.ToLower(claims.SignalsDigest))) != 1 {
		return nil, fmt.Errorf("public signals digest mismatch")
	}

	signals := in.PublicSignals
	if claims.Nullifier == "" || signals[models.SignalNullifier] != claims.Nullifier {
		return nil, fmt.Errorf("nullifier signal does not match claims")
	}
	if signals[models.SignalAttestationID] != claims.AttestationID {
		return nil, fmt.Errorf("attestation signal does not match claims")
	}
	if signals[models.SignalScope] != claims.Scope {
		return nil, fmt.Errorf("scope signal does not match claims")
	}

	attrs, err := DecodeAttributes(signals)
	if err != nil {
		return nil, err
	}
	if !sameAttributes(attrs, in.ExtractedAttrs) {
		return nil, fmt.Errorf("extracted attributes differ from proven signals")
	}

	if claims.Scope != in.Scope || claims.ConfigID != in.ConfigID {
		return nil, fmt.Errorf("proof scope or config id does not match session")
	}
	wallet, err := models.ParseWallet(signals[models.SignalUserIdentifier])
	if err != nil || wallet != in.Wallet {
		return nil, fmt.Errorf("proof user identifier does not match session wallet")
	}
	if claims.AttestationID != in.AttestationID {
		return nil, fmt.Errorf("proof attestation id does not match payload")
	}

	return &Verified{
		Nullifier:     claims.Nullifier,
		AttestationID: claims.AttestationID,
		Attributes:    attrs,
	}, nil
}

// SignalsDigest is the lowercase hex SHA-256 of the signals joined with 0x1F.
func SignalsDigest(signals []string) string {
	sum := sha256.Sum256([]byte(strings.Join(signals, signalSeparator)))
	return hex.EncodeToString(sum[:])
}

// DecodeAttributes reads the attribute signals.
func DecodeAttributes(signals []string) (models.Attributes, error) {
	var attrs models.Attributes
	if len(signals) != models.SignalCount {
		return attrs, fmt.Errorf("expected %d public signals, got %d", models.SignalCount, len(signals))
	}

	nationality := strings.ToUpper(signals[models.SignalNationality])
	if len(nationality) < 2 || len(nationality) > 3 {
		return attrs, fmt.Errorf("nationality signal is not a country code")
	}

	docType, err := strconv.Atoi(signals[models.SignalDocumentType])
	if err != nil || !models.DocumentType(docType).IsKnown() {
		return attrs, fmt.Errorf("document type signal is invalid")
	}

	age, err := strconv.Atoi(signals[models.SignalAgeAtLeast])
	if err != nil || age < 0 || age > models.MaxMinimumAge {
		return attrs, fmt.Errorf("age signal is invalid")
	}

	var ofac bool
	switch signals[models.SignalOFACMatch] {
	case "0":
	case "1":
		ofac = true
	default:
		return attrs, fmt.Errorf("ofac signal must be 0 or 1")
	}

	return models.Attributes{
		Nationality:  nationality,
		DocumentType: models.DocumentType(docType),
		AgeAtLeast:   age,
		IsOFACMatch:  ofac,
	}, nil
}

func sameAttributes(proven, claimed models.Attributes) bool {
	return strings.EqualFold(proven.Nationality, claimed.Nationality) &&
		proven.DocumentType == claimed.DocumentType &&
		proven.AgeAtLeast == claimed.AgeAtLeast &&
		proven.IsOFACMatch == claimed.IsOFACMatch
}
