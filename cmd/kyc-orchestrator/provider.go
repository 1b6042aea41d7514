package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"onchainkyc/internal/kyc/handler"
	"onchainkyc/internal/kyc/models"
	"onchainkyc/internal/kyc/proof"
)

// keygenCommand writes an Ed25519 key pair for the local mock provider.
func keygenCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:         "keygen",
		Short:       "Generate a provider signing key pair for local testing",
		Annotations: map[string]string{"config": "skip"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			privDER, err := x509.MarshalPKCS8PrivateKey(priv)
			if err != nil {
				return fmt.Errorf("encode private key: %w", err)
			}
			pubDER, err := x509.MarshalPKIXPublicKey(pub)
			if err != nil {
				return fmt.Errorf("encode public key: %w", err)
			}
			if err := writePEM(filepath.Join(dir, "provider.key"), "PRIVATE KEY", privDER, 0o600); err != nil {
				return err
			}
			if err := writePEM(filepath.Join(dir, "provider.pub"), "PUBLIC KEY", pubDER, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n",
				filepath.Join(dir, "provider.key"), filepath.Join(dir, "provider.pub"))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "out", ".", "directory to write provider.key and provider.pub")
	return cmd
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	buf := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, buf, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

type simulateFlags struct {
	keyFile     string
	target      string
	sessionID   string
	wallet      string
	nationality string
	docType     int
	age         int
	ofac        bool
	nullifier   string
}

// simulateCommand plays the attestation provider: it signs a proof for a
// session and delivers it to the verify webhook.
func simulateCommand() *cobra.Command {
	var f simulateFlags
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Sign a proof as the mock provider and deliver it to the webhook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFromContext(cmd.Context())

			keyPEM, err := os.ReadFile(f.keyFile)
			if err != nil {
				return fmt.Errorf("read provider key: %w", err)
			}
			key, err := jwt.ParseEdPrivateKeyFromPEM(keyPEM)
			if err != nil {
				return fmt.Errorf("parse provider key: %w", err)
			}
			edKey, ok := key.(ed25519.PrivateKey)
			if !ok {
				return fmt.Errorf("provider key is not ed25519")
			}
			wallet, err := models.ParseWallet(f.wallet)
			if err != nil {
				return err
			}
			if f.nullifier == "" {
				f.nullifier = uuid.NewString()
			}

			attrs := models.Attributes{
				Nationality:  f.nationality,
				DocumentType: models.DocumentType(f.docType),
				AgeAtLeast:   f.age,
				IsOFACMatch:  f.ofac,
			}
			attestationID := uuid.NewString()
			bundle, signals, err := proof.NewIssuer(cfg.Provider.Issuer, edKey).Issue(proof.Statement{
				Nullifier:     f.nullifier,
				AttestationID: attestationID,
				Scope:         cfg.Provider.Scope,
				ConfigID:      cfg.Provider.ConfigID,
				Wallet:        wallet,
				Attributes:    attrs,
				IssuedAt:      time.Now(),
			})
			if err != nil {
				return fmt.Errorf("sign proof: %w", err)
			}

			body, err := json.Marshal(handler.VerifyRequest{
				AttestationID: attestationID,
				Proof:         handler.ProofDTO{Protocol: bundle.Protocol, Token: bundle.Token},
				PublicSignals: signals,
				ExtractedAttrs: &handler.AttributesDTO{
					Nationality:  attrs.Nationality,
					DocumentType: int(attrs.DocumentType),
					AgeAtLeast:   attrs.AgeAtLeast,
					IsOFACMatch:  attrs.IsOFACMatch,
				},
				UserContextData: handler.UserContextDTO{SessionID: f.sessionID, WalletAddress: wallet},
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, f.target, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", "kyc-mock-provider/1.0")
			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("deliver webhook: %w", err)
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", resp.Status, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.keyFile, "key", "provider.key", "provider private key (PEM)")
	cmd.Flags().StringVar(&f.target, "target", "http://localhost:8080/kyc/verify", "webhook URL")
	cmd.Flags().StringVar(&f.sessionID, "session", "", "session id returned by initiate")
	cmd.Flags().StringVar(&f.wallet, "wallet", "", "wallet the proof is bound to")
	cmd.Flags().StringVar(&f.nationality, "nationality", "DE", "ISO 3166-1 alpha-2 nationality")
	cmd.Flags().IntVar(&f.docType, "document-type", int(models.DocumentTypePassport), "document type (1 passport, 2 EU id card, 3 aadhaar)")
	cmd.Flags().IntVar(&f.age, "age", 21, "proven minimum age")
	cmd.Flags().BoolVar(&f.ofac, "ofac-match", false, "mark the holder as a sanctions list match")
	cmd.Flags().StringVar(&f.nullifier, "nullifier", "", "document nullifier; random when empty")
	_ = cmd.MarkFlagRequired("wallet")
	return cmd
}
