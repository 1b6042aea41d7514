package testutil

import (
	"context"
	"net/http"
	"time"

	"onchainkyc/internal/platform/middleware"
	"onchainkyc/pkg/requestcontext"
)

// WithCallerWallet sets the caller wallet the way RequireCallerWallet would
// after a valid X-Wallet-Address header. The wallet is stored as given.
func WithCallerWallet(req *http.Request, wallet string) *http.Request {
	return req.WithContext(middleware.WithCallerWallet(req.Context(), wallet))
}

// WithRequestTime pins the request-scoped clock.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}

// WithRequestID sets the request id normally assigned by the RequestID middleware.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
