package logger_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/quotakit/pkg/logger"
)

func TestContextWithAttrs(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.New(logger.WithOutput(buf))

	ctx := logger.ContextWithAttrs(context.Background(), logger.Provider("stripe"))
	ctx = logger.ContextWithAttrs(ctx, logger.TransactionID("pi_1"))
	assert.Equal(t, ctx, logger.ContextWithAttrs(ctx))

	log.With(slog.String("static", "yes")).InfoContext(ctx, "charged")

	entry := decode(t, buf)
	assert.Equal(t, "stripe", entry["provider"])
	assert.Equal(t, "pi_1", entry["transaction_id"])
	assert.Equal(t, "yes", entry["static"])
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.New(logger.WithOutput(buf), logger.WithContextExtractors(logger.RequestID))

	var ctx context.Context
	middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ctx = r.Context()
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	log.InfoContext(ctx, "handled")
	assert.NotEmpty(t, decode(t, buf)["request_id"])

	_, ok := logger.RequestID(context.Background())
	assert.False(t, ok)
}
