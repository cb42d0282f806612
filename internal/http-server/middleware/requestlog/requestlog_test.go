package requestlog_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"aniyuu/internal/domain/models"
	"aniyuu/internal/http-server/middleware/requestlog"
	"aniyuu/internal/lib/handlers/slogdiscard"
	"aniyuu/internal/lib/requestctx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type saver struct {
	entries []models.RequestLog
	err     error
}

func (s *saver) SaveRequestLog(_ context.Context, entry models.RequestLog) error {
	s.entries = append(s.entries, entry)
	return s.err
}

func TestRequestLog(t *testing.T) {
	s := &saver{}
	h := requestlog.New(slogdiscard.NewDiscardLogger(), s)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rc := &models.RequestContext{
		Client:   models.ClientInfo{DeviceID: "device-A", IP: "1.2.3.4"},
		Identity: &models.Identity{UserID: "u1"},
	}
	req = req.WithContext(requestctx.With(req.Context(), rc))

	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, s.entries, 1)
	e := s.entries[0]
	assert.Equal(t, http.MethodPost, e.Method)
	assert.Equal(t, "/auth/logout", e.Path)
	assert.Equal(t, http.StatusTeapot, e.StatusCode)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, "1.2.3.4", e.IP)
	assert.Equal(t, "device-A", e.DeviceID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestRequestLog_ImplicitOKAndSaveFailure(t *testing.T) {
	s := &saver{err: errors.New("disk full")}
	h := requestlog.New(slogdiscard.NewDiscardLogger(), s)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	require.Len(t, s.entries, 1)
	assert.Equal(t, http.StatusOK, s.entries[0].StatusCode)
	assert.Empty(t, s.entries[0].UserID)
}
