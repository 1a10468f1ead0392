package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/handover"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStatusService struct {
	mock.Mock
}

func (m *MockStatusService) ComputeStatus(ctx context.Context, ownerID uuid.UUID) (*monitor.Status, error) {
	args := m.Called(ownerID)
	status, _ := args.Get(0).(*monitor.Status)
	return status, args.Error(1)
}

func (m *MockStatusService) Sweep(ctx context.Context) (*monitor.SweepReport, error) {
	args := m.Called()
	report, _ := args.Get(0).(*monitor.SweepReport)
	return report, args.Error(1)
}

type MockRetrievalService struct {
	mock.Mock
}

func (m *MockRetrievalService) RedeemRetrievalGrant(ctx context.Context, token string) (*handover.Retrieval, error) {
	args := m.Called(token)
	r, _ := args.Get(0).(*handover.Retrieval)
	return r, args.Error(1)
}

func newTestServer(t *testing.T, status StatusService, retrievals RetrievalService) *Server {
	t.Helper()
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		GracefulShutdownDuration: time.Second,
	}, status, retrievals)
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, new(MockStatusService), nil)

	rec := do(srv, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())

	rec = do(srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, http.MethodGet, "/drain", nil)
	assert.JSONEq(t, `{"status":"draining"}`, rec.Body.String())
	rec = do(srv, http.MethodGet, "/drain", nil)
	assert.JSONEq(t, `{"status":"already draining"}`, rec.Body.String())

	rec = do(srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(srv, http.MethodGet, "/undrain", nil)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
	rec = do(srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOwnerStatus(t *testing.T) {
	ownerID := uuid.New()
	status := &monitor.Status{
		OwnerID:             ownerID,
		Phase:               monitor.PhaseReminder,
		Threshold:           30 * 24 * time.Hour,
		InactivityDuration:  24 * 24 * time.Hour,
		ThresholdPercentage: 80,
	}

	t.Run("found", func(t *testing.T) {
		svc := new(MockStatusService)
		svc.On("ComputeStatus", ownerID).Return(status, nil)
		srv := newTestServer(t, svc, nil)

		rec := do(srv, http.MethodGet, "/internal/owners/"+ownerID.String()+"/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, ownerID.String(), body["ownerId"])
		assert.Equal(t, string(monitor.PhaseReminder), body["phase"])
		assert.EqualValues(t, (30 * 24 * time.Hour).Milliseconds(), body["thresholdMs"])
		svc.AssertExpectations(t)
	})

	t.Run("unknown owner", func(t *testing.T) {
		svc := new(MockStatusService)
		svc.On("ComputeStatus", ownerID).Return(nil, fmt.Errorf("%w: owner", interfaces.ErrNotFound))
		srv := newTestServer(t, svc, nil)

		rec := do(srv, http.MethodGet, "/internal/owners/"+ownerID.String()+"/status", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		svc := new(MockStatusService)
		srv := newTestServer(t, svc, nil)

		rec := do(srv, http.MethodGet, "/internal/owners/not-a-uuid/status", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "ComputeStatus", mock.Anything)
	})

	t.Run("internal error hides detail", func(t *testing.T) {
		svc := new(MockStatusService)
		svc.On("ComputeStatus", ownerID).Return(nil, errors.New("connection refused to db-host"))
		srv := newTestServer(t, svc, nil)

		rec := do(srv, http.MethodGet, "/internal/owners/"+ownerID.String()+"/status", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "db-host")
	})
}

func TestSweep(t *testing.T) {
	t.Run("runs", func(t *testing.T) {
		svc := new(MockStatusService)
		svc.On("Sweep").Return(&monitor.SweepReport{Evaluated: 3, Reminded: 1}, nil)
		srv := newTestServer(t, svc, nil)

		rec := do(srv, http.MethodPost, "/internal/sweep", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var report monitor.SweepReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.EqualValues(t, 3, report.Evaluated)
		assert.EqualValues(t, 1, report.Reminded)
	})

	t.Run("already running", func(t *testing.T) {
		svc := new(MockStatusService)
		svc.On("Sweep").Return(nil, fmt.Errorf("%w: sweep already running", interfaces.ErrConflict))
		srv := newTestServer(t, svc, nil)

		rec := do(srv, http.MethodPost, "/internal/sweep", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("get not allowed", func(t *testing.T) {
		srv := newTestServer(t, new(MockStatusService), nil)
		rec := do(srv, http.MethodGet, "/internal/sweep", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestRetrieval(t *testing.T) {
	retrieval := &handover.Retrieval{
		ProcessID:      uuid.New(),
		SuccessorID:    uuid.New(),
		ShareIndex:     2,
		EncryptedShare: []byte("sealed"),
	}

	t.Run("redeems bearer grant", func(t *testing.T) {
		grants := new(MockRetrievalService)
		grants.On("RedeemRetrievalGrant", "grant-token").Return(retrieval, nil)
		srv := newTestServer(t, new(MockStatusService), grants)

		rec := do(srv, http.MethodPost, "/api/retrievals", map[string]string{"Authorization": "Bearer grant-token"})
		require.Equal(t, http.StatusOK, rec.Code)

		var got handover.Retrieval
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, retrieval.SuccessorID, got.SuccessorID)
		assert.Equal(t, []byte("sealed"), got.EncryptedShare)
	})

	t.Run("missing header", func(t *testing.T) {
		grants := new(MockRetrievalService)
		srv := newTestServer(t, new(MockStatusService), grants)

		rec := do(srv, http.MethodPost, "/api/retrievals", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		grants.AssertNotCalled(t, "RedeemRetrievalGrant", mock.Anything)
	})

	t.Run("invalid grant", func(t *testing.T) {
		grants := new(MockRetrievalService)
		grants.On("RedeemRetrievalGrant", "forged").Return(nil, fmt.Errorf("%w: invalid grant", interfaces.ErrValidation))
		srv := newTestServer(t, new(MockStatusService), grants)

		rec := do(srv, http.MethodPost, "/api/retrievals", map[string]string{"Authorization": "Bearer forged"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("exhausted grant", func(t *testing.T) {
		grants := new(MockRetrievalService)
		grants.On("RedeemRetrievalGrant", "used").Return(nil, fmt.Errorf("%w: grant already redeemed", interfaces.ErrConflict))
		srv := newTestServer(t, new(MockStatusService), grants)

		rec := do(srv, http.MethodPost, "/api/retrievals", map[string]string{"Authorization": "Bearer used"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("not mounted without service", func(t *testing.T) {
		srv := newTestServer(t, new(MockStatusService), nil)
		rec := do(srv, http.MethodPost, "/api/retrievals", map[string]string{"Authorization": "Bearer x"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
