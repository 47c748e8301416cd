package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/config"
)

func TestNew_ThreadsAPIKeyToServer(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.APIKey = "secret"
	cfg.Export.StagingDir = t.TempDir()

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	handler := a.http.Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := strings.NewReader(`{"user_id":"ghost"}`)
	denied := httptest.NewRecorder()
	handler.ServeHTTP(denied, httptest.NewRequest(http.MethodPost, "/v1/deletions/", body))
	require.Equal(t, http.StatusForbidden, denied.Code)

	// With the key the request clears the middleware and reaches the
	// service, which rejects the unknown user.
	body = strings.NewReader(`{"user_id":"ghost"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/deletions/", body)
	req.Header.Set("X-API-Key", "secret")
	allowed := httptest.NewRecorder()
	handler.ServeHTTP(allowed, req)
	require.Equal(t, http.StatusNotFound, allowed.Code)
}
