package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hosting-ledger/internal/catalog"
	"hosting-ledger/internal/config"
	"hosting-ledger/internal/metrics"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
	"hosting-ledger/internal/service"
	"hosting-ledger/internal/service/servicetest"
)

const adminID = 99

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

type testAPI struct {
	router *gin.Engine
	remote *servicetest.Remote
	infra  *servicetest.Infra
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := &config.Config{
		Defaults: config.DefaultsConfig{RAM: 2, CPU: 100, Disk: 10, ServerSlots: 1},
		Admin:    config.AdminConfig{AccountIDs: []int64{adminID}},
		Afk:      config.AfkConfig{CoinsPerTick: 1, MinWindowSeconds: 55, MaxWindowSeconds: 65},
	}
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	mem := servicetest.NewLedger()
	ledger := service.NewLedgerService(mem, mem, servicetest.NewCache(), m)
	cat := catalog.Default()
	infra := servicetest.NewInfra(mem)
	remote := &servicetest.Remote{}

	deps := &Dependencies{
		Config:     cfg,
		Ledger:     ledger,
		Allocator:  service.NewAllocatorService(ledger, cat, nil),
		Afk:        service.NewAfkService(&servicetest.AfkStore{}, ledger, cfg.Afk, m),
		Tasks:      service.NewTaskService(ledger, mem, cat),
		Reconciler: service.NewReconcilerService(servicetest.Servers{Infra: infra}, servicetest.Inconsistencies{Infra: infra}, remote, time.Second, m),
		Capacity:   service.NewCapacityService(infra),
		Metrics:    m,
		Gatherer:   registry,
	}
	return &testAPI{router: NewRouter(deps), remote: remote, infra: infra}
}

type response struct {
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data"`
	ErrorKind apperr.Kind     `json:"errorKind"`
	Message   string          `json:"message"`
}

func (a *testAPI) do(t *testing.T, method, path string, account int64, body any, headers ...string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != 0 {
		req.Header.Set(HeaderAccountID, strconv.FormatInt(account, 10))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var resp response
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (a *testAPI) register(t *testing.T, account int64) {
	t.Helper()
	w, _ := a.do(t, http.MethodPost, "/api/v1/accounts", account, map[string]string{"email": "u@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)
}

func (a *testAPI) credit(t *testing.T, account, amount int64) {
	t.Helper()
	w, resp := a.do(t, http.MethodPost, "/api/v1/admin/accounts/"+strconv.FormatInt(account, 10)+"/earn", adminID,
		map[string]any{"amount": amount})
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
}

func TestIdentity(t *testing.T) {
	api := newTestAPI(t)

	w, resp := api.do(t, http.MethodGet, "/api/v1/accounts/me", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, resp.OK)

	w, _ = api.do(t, http.MethodGet, "/api/v1/accounts/me", 0, nil, HeaderAccountID, "abc")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp = api.do(t, http.MethodGet, "/api/v1/accounts/me", 7, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperr.KindAccountNotFound, resp.ErrorKind)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestRegisterAndBalance(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, 1)

	w, resp := api.do(t, http.MethodPost, "/api/v1/accounts", 1, nil)
	assert.Equal(t, http.StatusOK, w.Code, "registering again returns the stored account")
	assert.Equal(t, "u@example.com", decode[model.Account](t, resp.Data).Email)

	w, resp = api.do(t, http.MethodGet, "/api/v1/accounts/me", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	acc := decode[model.Account](t, resp.Data)
	assert.Equal(t, int64(0), acc.Coins)
	assert.Equal(t, int64(1), acc.ServerSlots)
}

func TestUpgradeIdempotencyHeader(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, 1)
	api.credit(t, 1, 250)

	body := map[string]any{"type": "ram", "quantity": 2}
	w, resp := api.do(t, http.MethodPost, "/api/v1/upgrades", 1, body, HeaderIdempotencyKey, "up-1")
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	first := decode[model.LedgerResult](t, resp.Data)
	assert.Equal(t, int64(50), first.Account.Coins)
	assert.Equal(t, int64(6), first.Account.RAM)
	assert.False(t, first.Replayed)

	w, resp = api.do(t, http.MethodPost, "/api/v1/upgrades", 1, body, HeaderIdempotencyKey, "up-1")
	require.Equal(t, http.StatusOK, w.Code)
	again := decode[model.LedgerResult](t, resp.Data)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)

	w, resp = api.do(t, http.MethodPost, "/api/v1/upgrades", 1, body, HeaderIdempotencyKey, "up-2")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, apperr.KindInsufficientFunds, resp.ErrorKind)

	w, resp = api.do(t, http.MethodPost, "/api/v1/upgrades", 1, map[string]any{"type": "gpu"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperr.KindInvalidUpgradeType, resp.ErrorKind)

	w, resp = api.do(t, http.MethodGet, "/api/v1/accounts/me/transactions", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Transaction](t, resp.Data), 2)
}

func TestAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, 1)

	w, resp := api.do(t, http.MethodGet, "/api/v1/admin/accounts", 1, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.KindForbidden, resp.ErrorKind)

	w, resp = api.do(t, http.MethodPost, "/api/v1/admin/accounts/1/adjust", adminID,
		map[string]any{"coins": 40, "ram": 4, "description": "support"})
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	res := decode[model.LedgerResult](t, resp.Data)
	assert.Equal(t, int64(40), res.Account.Coins)
	assert.Equal(t, int64(6), res.Account.RAM)

	w, resp = api.do(t, http.MethodPost, "/api/v1/admin/accounts/1/adjust", adminID, map[string]any{"coins": -100})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, apperr.KindInsufficientFunds, resp.ErrorKind)

	w, resp = api.do(t, http.MethodGet, "/api/v1/admin/accounts/1/audit", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[model.LedgerMismatch](t, resp.Data).Balanced())

	w, resp = api.do(t, http.MethodGet, "/api/v1/admin/audit", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]model.LedgerMismatch](t, resp.Data))

	w, _ = api.do(t, http.MethodGet, "/api/v1/admin/accounts/x", adminID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/admin/accounts/1", adminID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = api.do(t, http.MethodGet, "/api/v1/admin/accounts/1", adminID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerLifecycle(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, 1)
	api.register(t, 2)

	w, resp := api.do(t, http.MethodPost, "/api/v1/admin/nodes", adminID,
		map[string]any{"nodeId": 1, "name": "node-a", "ram": 16, "cpu": 800, "disk": 200})
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)

	create := map[string]any{"name": "web", "nodeId": 1, "ram": 2, "cpu": 100, "disk": 10}
	w, resp = api.do(t, http.MethodPost, "/api/v1/servers", 1, create)
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)
	created := decode[service.LifecycleResult](t, resp.Data)
	assert.Equal(t, model.OutcomeConfirmed, created.Outcome)
	serverPath := "/api/v1/servers/" + created.Server.ID

	w, resp = api.do(t, http.MethodPost, "/api/v1/servers", 1, create)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "only one slot")
	assert.Equal(t, apperr.KindQuotaExceeded, resp.ErrorKind)

	w, resp = api.do(t, http.MethodGet, serverPath, 2, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.KindForbidden, resp.ErrorKind)

	w, resp = api.do(t, http.MethodGet, "/api/v1/servers/count", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, string(resp.Data))

	w, resp = api.do(t, http.MethodPost, serverPath+"/power", 1, map[string]string{"target": "start"})
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	assert.Equal(t, model.OutcomeConfirmed, decode[service.LifecycleResult](t, resp.Data).Outcome)

	w, _ = api.do(t, http.MethodPost, serverPath+"/power", 1, map[string]string{"target": "explode"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = api.do(t, http.MethodGet, "/api/v1/admin/nodes/1", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), decode[nodeStatus](t, resp.Data).RAMUsed)

	api.remote.Fail(errors.New("control plane down"))
	w, resp = api.do(t, http.MethodDelete, serverPath, 1, nil)
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	deleted := decode[service.LifecycleResult](t, resp.Data)
	assert.Equal(t, model.OutcomeDegradedLocalOnly, deleted.Outcome)
	require.NotNil(t, deleted.Inconsistency)

	w, resp = api.do(t, http.MethodGet, "/api/v1/admin/nodes/1", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), decode[nodeStatus](t, resp.Data).RAMUsed, "capacity released despite remote failure")

	w, resp = api.do(t, http.MethodGet, "/api/v1/admin/inconsistencies", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Inconsistency](t, resp.Data), 1)

	path := "/api/v1/admin/inconsistencies/" + strconv.FormatInt(deleted.Inconsistency.ID, 10) + "/resolve"
	w, resp = api.do(t, http.MethodPost, path, adminID, nil)
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	assert.NotNil(t, decode[model.Inconsistency](t, resp.Data).ResolvedAt)
}

func TestServerCreateFailureAccepted(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, 1)
	_, err := api.infra.Register(context.Background(), 1, "node-a", model.Resources{RAM: 16, CPU: 800, Disk: 200})
	require.NoError(t, err)
	api.remote.Fail(errors.New("control plane down"))

	w, resp := api.do(t, http.MethodPost, "/api/v1/servers", 1,
		map[string]any{"name": "web", "nodeId": 1, "ram": 2, "cpu": 100, "disk": 10})
	require.Equal(t, http.StatusAccepted, w.Code, resp.Message)
	res := decode[service.LifecycleResult](t, resp.Data)
	assert.Equal(t, model.OutcomeFailed, res.Outcome)
	assert.Equal(t, model.ServerPending, res.Server.Status)
	assert.NotContains(t, w.Body.String(), "control plane down")

	// Owners only ever see the generic failure.
	for _, path := range []string{"/api/v1/servers", "/api/v1/servers/" + res.Server.ID} {
		w, _ = api.do(t, http.MethodGet, path, 1, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.NotContains(t, w.Body.String(), "control plane down", path)
		assert.Contains(t, w.Body.String(), "control plane create failed", path)
	}

	w, _ = api.do(t, http.MethodGet, "/api/v1/admin/inconsistencies", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "control plane down")

	api.remote.Fail(nil)
	w, resp = api.do(t, http.MethodPost, "/api/v1/servers/"+res.Server.ID+"/retry", 1, nil)
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	assert.Equal(t, model.OutcomeConfirmed, decode[service.LifecycleResult](t, resp.Data).Outcome)
}

func TestAfkRoutes(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, 1)

	w, resp := api.do(t, http.MethodPost, "/api/v1/afk/start", 1, nil)
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)

	w, resp = api.do(t, http.MethodPost, "/api/v1/afk/start", 1, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperr.KindSessionAlreadyActive, resp.ErrorKind)

	w, _ = api.do(t, http.MethodPost, "/api/v1/afk/tick", 1, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = api.do(t, http.MethodPost, "/api/v1/afk/tick", 1, map[string]any{"secondsElapsed": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperr.KindInvalidVerificationWindow, resp.ErrorKind)

	w, resp = api.do(t, http.MethodGet, "/api/v1/afk", 1, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "out-of-window tick ends the session")
	assert.Equal(t, apperr.KindNoActiveSession, resp.ErrorKind)

	w, resp = api.do(t, http.MethodGet, "/api/v1/afk/history", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.AfkSession](t, resp.Data), 1)
}

func TestCatalogAndPurchases(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, 1)

	w, resp := api.do(t, http.MethodGet, "/api/v1/catalog/prices", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]catalog.Upgrade](t, resp.Data), 4)

	w, resp = api.do(t, http.MethodPost, "/api/v1/purchases", 1, map[string]any{"itemId": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperr.KindItemNotFound, resp.ErrorKind)

	w, resp = api.do(t, http.MethodPost, "/api/v1/tasks/nope/complete", 1, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperr.KindTaskNotFound, resp.ErrorKind)
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	w, resp := api.do(t, http.MethodGet, "/healthz", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.OK)

	w, _ = api.do(t, http.MethodGet, "/metrics", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hosting_ledger_http_requests_total")
}

func TestHealthUnavailable(t *testing.T) {
	router := NewRouter(&Dependencies{
		Config: &config.Config{},
		Ping:   func(context.Context) error { return errors.New("db down") },
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServerRunShutdown(t *testing.T) {
	srv := NewServer(config.HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, http.NotFoundHandler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
