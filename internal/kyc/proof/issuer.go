package proof

import (
	"crypto/ed25519"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"onchainkyc/internal/kyc/models"
)

// Statement is what an issuer attests to. It mirrors the provider's side of
// the protocol and backs the local mock provider and tests.
type Statement struct {
	Nullifier     string
	AttestationID string
	Scope         string
	ConfigID      string
	Wallet        string
	Attributes    models.Attributes
	IssuedAt      time.Time
	TTL           time.Duration
}

// Issuer signs proof bundles with an Ed25519 key.
type Issuer struct {
	name string
	key  ed25519.PrivateKey
}

func NewIssuer(name string, key ed25519.PrivateKey) *Issuer {
	return &Issuer{name: name, key: key}
}

// Signals renders the public signals for a statement.
func Signals(st Statement) []string {
	signals := make([]string, models.SignalCount)
	signals[models.SignalNullifier] = st.Nullifier
	signals[models.SignalAttestationID] = st.AttestationID
	signals[models.SignalScope] = st.Scope
	signals[models.SignalUserIdentifier] = st.Wallet
	signals[models.SignalNationality] = st.Attributes.Nationality
	signals[models.SignalDocumentType] = strconv.Itoa(int(st.Attributes.DocumentType))
	signals[models.SignalAgeAtLeast] = strconv.Itoa(st.Attributes.AgeAtLeast)
	signals[models.SignalOFACMatch] = "0"
	if st.Attributes.IsOFACMatch {
		signals[models.SignalOFACMatch] = "1"
	}
	return signals
}

// Issue signs st and returns the bundle with its public signals.
func (i *Issuer) Issue(st Statement) (models.ProofBundle, []string, error) {
	signals := Signals(st)
	ttl := st.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			IssuedAt:  jwt.NewNumericDate(st.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(st.IssuedAt.Add(ttl)),
		},
		Scope:         st.Scope,
		ConfigID:      st.ConfigID,
		Nullifier:     st.Nullifier,
		AttestationID: st.AttestationID,
		SignalsDigest: SignalsDigest(signals),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.key)
	if err != nil {
		return models.ProofBundle{}, nil, err
	}
	return models.ProofBundle{Protocol: ProtocolJWSEdDSA, Token: token}, signals, nil
}
