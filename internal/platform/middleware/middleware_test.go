package middleware_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/internal/platform/metrics"
	"onchainkyc/internal/platform/middleware"
	"onchainkyc/pkg/requestcontext"
	"onchainkyc/pkg/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func echoWallet() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, middleware.GetCallerWallet(r.Context()))
	})
}

func TestRequireCallerWallet(t *testing.T) {
	h := middleware.RequireCallerWallet(models.ParseWallet, discard)(echoWallet())

	testutil.Given(t, "a session lookup", func(t *testing.T) {
		testutil.When(t, "the wallet header is missing", func(t *testing.T) {
			rr := testutil.DoRequest(h, httptest.NewRequest(http.MethodGet, "/kyc/session/x", nil))
			testutil.Then(t, "the request is rejected as malformed", func(t *testing.T) {
				testutil.AssertError(t, rr, http.StatusBadRequest, "bad_request")
			})
		})

		testutil.When(t, "the wallet header is not an address", func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/kyc/session/x", nil)
			req.Header.Set(middleware.HeaderWalletAddress, "alice")
			rr := testutil.DoRequest(h, req)
			testutil.Then(t, "the wallet is reported invalid", func(t *testing.T) {
				testutil.AssertError(t, rr, http.StatusBadRequest, "invalid_wallet")
			})
		})

		testutil.When(t, "the wallet header is checksummed", func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/kyc/session/x", nil)
			req.Header.Set(middleware.HeaderWalletAddress, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
			rr := testutil.DoRequest(h, req)
			testutil.Then(t, "the handler sees the lowercase form", func(t *testing.T) {
				assert.Equal(t, http.StatusOK, rr.Code)
				assert.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", rr.Body.String())
			})
		})
	})
}

func TestCallerWalletFromContext(t *testing.T) {
	req := testutil.WithCallerWallet(httptest.NewRequest(http.MethodGet, "/", nil), "0xabc")
	rr := testutil.DoRequest(echoWallet(), req)
	assert.Equal(t, "0xabc", rr.Body.String())
}

func TestRequestID(t *testing.T) {
	var seen string
	h := middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = middleware.GetRequestID(r.Context())
	}))

	t.Run("propagates the inbound id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(middleware.HeaderRequestID, "req-1")
		rr := testutil.DoRequest(h, req)
		assert.Equal(t, "req-1", seen)
		assert.Equal(t, "req-1", rr.Header().Get(middleware.HeaderRequestID))
	})

	t.Run("replaces an oversized id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(middleware.HeaderRequestID, strings.Repeat("a", 200))
		testutil.DoRequest(h, req)
		assert.Len(t, seen, 36)
	})
}

func TestRecovery(t *testing.T) {
	h := middleware.Recovery(discard)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := testutil.DoRequest(h, httptest.NewRequest(http.MethodGet, "/", nil))
	testutil.AssertError(t, rr, http.StatusInternalServerError, "internal_error")
	assert.NotContains(t, rr.Body.String(), "boom")
}

func TestContentTypeJSON(t *testing.T) {
	h := middleware.ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := testutil.NewJSONRequest(t, http.MethodPost, "/kyc/initiate", map[string]string{"walletAddress": "0x"})
	assert.Equal(t, http.StatusNoContent, testutil.DoRequest(h, req).Code)

	req = testutil.NewJSONRequest(t, http.MethodPost, "/kyc/initiate", "x")
	req.Header.Set("Content-Type", "text/plain")
	testutil.AssertError(t, testutil.DoRequest(h, req), http.StatusBadRequest, "bad_request")

	req = httptest.NewRequest(http.MethodGet, "/kyc/config", nil)
	req.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusNoContent, testutil.DoRequest(h, req).Code)
}

func TestTimeout(t *testing.T) {
	var deadline time.Time
	h := middleware.Timeout(time.Second)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var ok bool
		deadline, ok = r.Context().Deadline()
		require.True(t, ok)
	}))
	testutil.DoRequest(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
}

func TestLatencyMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := middleware.LatencyMiddleware(m, func(*http.Request) string { return "/kyc/config" })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	)

	req := testutil.WithRequestTime(httptest.NewRequest(http.MethodGet, "/kyc/config", nil), time.Now())
	testutil.DoRequest(h, req)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/kyc/config", "418")))
	assert.False(t, requestcontext.Now(req.Context()).IsZero())
}
