package observability

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestHTTPMiddleware_NoopProvider(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	handler := p.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1/analytics", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestRecordReceiptCreated_Noop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	// No meter configured; must not panic.
	p.RecordReceiptCreated(context.Background(), "t1", "TRANSACTION")
}

func TestNewLogger_Levels(t *testing.T) {
	assert.IsType(t, &slog.Logger{}, NewLogger("DEBUG"))
	assert.IsType(t, &slog.Logger{}, NewLogger("garbage"))
}
