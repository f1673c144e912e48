package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/paddockstream/telemetry/internal/firewall"
	"github.com/paddockstream/telemetry/internal/ingest"
	"github.com/paddockstream/telemetry/internal/ports"
	"github.com/paddockstream/telemetry/internal/registry"
)

// alwaysExistsChecker reports every championship id as known, standing in
// for internal/store.Store's persisted championships table in tests that
// don't exercise the not-found path.
type alwaysExistsChecker struct{}

func (alwaysExistsChecker) ChampionshipExists(context.Context, int32) (bool, error) {
	return true, nil
}

// neverExistsChecker reports every championship id as unknown.
type neverExistsChecker struct{}

func (neverExistsChecker) ChampionshipExists(context.Context, int32) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	leaser := ports.New(ports.Range{Start: 27780, End: 27800}, nil)
	fw := firewall.New(false, zap.NewNop())
	cfg := ingest.DefaultConfig()
	cfg.SocketTimeout = 2 * time.Second
	reg := registry.New(leaser, fw, nil, nil, cfg, zap.NewNop())
	t.Cleanup(func() { reg.StopAll(context.Background()) })
	return New(reg, nil, alwaysExistsChecker{}, cfg, zap.NewNop())
}

func TestHealthzReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp healthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok", resp.Status)
	}
}

func TestStatusOnInactiveChampionship(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/championships/42/service/status", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Active {
		t.Fatal("expected inactive championship to report active=false")
	}
}

func TestStartThenStatusThenStop(t *testing.T) {
	s := newTestServer(t)

	startReq := httptest.NewRequest(http.MethodPost, "/championships/7/service/start", bytes.NewReader([]byte(`{}`)))
	startReq.Header.Set(echoContentType, jsonContentType)
	startRec := httptest.NewRecorder()
	s.echo.ServeHTTP(startRec, startReq)
	if startRec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, want %d, body=%s", startRec.Code, http.StatusCreated, startRec.Body.String())
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/championships/7/service/status", nil)
	statusRec := httptest.NewRecorder()
	s.echo.ServeHTTP(statusRec, statusReq)
	var status statusResponse
	if err := json.Unmarshal(statusRec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !status.Active {
		t.Fatal("expected championship to be active after start")
	}

	stopReq := httptest.NewRequest(http.MethodGet, "/championships/7/service/stop", nil)
	stopRec := httptest.NewRecorder()
	s.echo.ServeHTTP(stopRec, stopReq)
	if stopRec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, want %d", stopRec.Code, http.StatusOK)
	}
}

func TestStartOnUnknownChampionshipReturnsNotFound(t *testing.T) {
	leaser := ports.New(ports.Range{Start: 27801, End: 27820}, nil)
	fw := firewall.New(false, zap.NewNop())
	cfg := ingest.DefaultConfig()
	cfg.SocketTimeout = 2 * time.Second
	reg := registry.New(leaser, fw, nil, nil, cfg, zap.NewNop())
	t.Cleanup(func() { reg.StopAll(context.Background()) })
	s := New(reg, nil, neverExistsChecker{}, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/championships/55/service/start", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(echoContentType, jsonContentType)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestStartTwiceReturnsConflict(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/championships/8/service/start", bytes.NewReader([]byte(`{}`)))
		req.Header.Set(echoContentType, jsonContentType)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		if i == 0 && rec.Code != http.StatusCreated {
			t.Fatalf("first start status = %d, want %d", rec.Code, http.StatusCreated)
		}
		if i == 1 && rec.Code != http.StatusConflict {
			t.Fatalf("second start status = %d, want %d", rec.Code, http.StatusConflict)
		}
	}
}

func TestStopOnInactiveReturnsInternalServerError(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/championships/99/service/stop", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestStreamOnInactiveReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/stream/championship/123", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

const (
	echoContentType = "Content-Type"
	jsonContentType = "application/json"
)
