package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/lxstreamer/writer"
)

type stubSource struct {
	authSession string
}

func (s *stubSource) AuthSession() string     { return s.authSession }
func (s *stubSource) PreferredFormat() string { return "" }
func (s *stubSource) AddViewer(ctx context.Context, v *writer.Viewer) {}

func TestHandleUnknownRouteReturns404(t *testing.T) {
	srv := New(Config{Addr: ":0"}, func(string) (ViewerSource, bool) { return nil, false })
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleStreamUnknownSourceReturns404(t *testing.T) {
	srv := New(Config{Addr: ":0"}, func(string) (ViewerSource, bool) { return nil, false })
	req := httptest.NewRequest(http.MethodGet, "/stream?source=missing", nil)
	rr := httptest.NewRecorder()
	srv.handleStream(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleStreamWrongSessionReturns401(t *testing.T) {
	src := &stubSource{authSession: "secret"}
	srv := New(Config{Addr: ":0"}, func(name string) (ViewerSource, bool) {
		if name == "cam1" {
			return src, true
		}
		return nil, false
	})
	req := httptest.NewRequest(http.MethodGet, "/stream?source=cam1&session=wrong", nil)
	rr := httptest.NewRecorder()
	srv.handleStream(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleStreamNonGetReturns400(t *testing.T) {
	srv := New(Config{Addr: ":0"}, func(string) (ViewerSource, bool) { return nil, false })
	req := httptest.NewRequest(http.MethodPost, "/stream?source=cam1", nil)
	rr := httptest.NewRecorder()
	srv.handleStream(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
