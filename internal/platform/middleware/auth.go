package middleware

import (
	"context"
	"log/slog"
	"net/http"

	dErrors "onchainkyc/pkg/domain-errors"
	"onchainkyc/pkg/platform/httputil"
)

// HeaderWalletAddress carries the caller's wallet on owner-scoped routes.
const HeaderWalletAddress = "X-Wallet-Address"

// WalletParser validates and normalizes a wallet address.
type WalletParser func(raw string) (string, error)

type contextKeyCallerWallet struct{}

// ContextKeyCallerWallet is exported for tests that build the context by hand.
var ContextKeyCallerWallet = contextKeyCallerWallet{}

// GetCallerWallet returns the normalized caller wallet, or "".
func GetCallerWallet(ctx context.Context) string {
	wallet, ok := ctx.Value(ContextKeyCallerWallet).(string)
	if !ok {
		return ""
	}
	return wallet
}

// WithCallerWallet injects a caller wallet into ctx.
func WithCallerWallet(ctx context.Context, wallet string) context.Context {
	return context.WithValue(ctx, ContextKeyCallerWallet, wallet)
}

// RequireCallerWallet rejects requests without a well-formed X-Wallet-Address
// header and stores the normalized address in the context.
func RequireCallerWallet(parse WalletParser, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw := r.Header.Get(HeaderWalletAddress)
			if raw == "" {
				logger.WarnContext(ctx, "missing caller wallet header",
					"request_id", GetRequestID(ctx),
					"path", r.URL.Path,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "X-Wallet-Address header is required"))
				return
			}
			wallet, err := parse(raw)
			if err != nil {
				logger.WarnContext(ctx, "malformed caller wallet header",
					"request_id", GetRequestID(ctx),
					"error", err,
				)
				httputil.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCallerWallet(ctx, wallet)))
		})
	}
}
