package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/api/http/handlers"
	"github.com/spec-kit/consultation-sync/internal/auth"
	"github.com/spec-kit/consultation-sync/internal/chat"
	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/observability"
	"github.com/spec-kit/consultation-sync/internal/service"
	"github.com/spec-kit/consultation-sync/internal/testutil/memstore"
	"github.com/spec-kit/consultation-sync/internal/worker"
)

const (
	testSecret    = "test-secret"
	webhookSecret = "hook-secret"
)

var testNow = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

type stubTask struct {
	name string
	runs int
	err  error
}

func (s *stubTask) Name() string { return s.name }

func (s *stubTask) Run(context.Context) error {
	s.runs++
	return s.err
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	app     *fiber.App
	store   *memstore.Store
	tokens  *auth.TokenManager
	task    *stubTask
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, deps map[string]handlers.Pinger) *testServer {
	t.Helper()
	store := memstore.New()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	now := func() time.Time { return testNow }

	reconciler := service.NewReconcileService(service.ReconcileDependencies{
		ConsultationRepo: store.Consultations(),
		AgentRepo:        store.Agents(),
		MappingRepo:      store.Mappings(),
		ActivityRepo:     store.Activity(),
		ClosureRepo:      store.Closures(),
		Now:              now,
	})
	selector := service.NewManagerSelector(service.SelectorDependencies{
		AgentRepo:        store.Agents(),
		ConsultationRepo: store.Consultations(),
		ClosureRepo:      store.Closures(),
	})
	estimator := service.NewQueueEstimator(store.Consultations(), service.EstimatorConfig{}, now)

	task := &stubTask{name: "consultations"}
	scheduler := worker.NewScheduler(nil, time.Minute, logger)
	scheduler.Register(task, 0)

	tokens := auth.NewTokenManager(testSecret, 60)

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, 5*time.Second)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("consultation-sync", "test", deps, metrics),
		Webhooks:       handlers.NewWebhookHandler(service.NewWebhookService(store.Webhooks(), reconciler, webhookSecret, logger), logger),
		Managers:       handlers.NewManagersHandler(selector, estimator, now),
		Agents:         handlers.NewAgentsHandler(service.NewAgentService(store.Agents(), store.Mappings(), logger)),
		Reconcile:      handlers.NewReconcileHandler(reconciler, store.Consultations(), store.ChangeLog()),
		Jobs:           handlers.NewJobsHandler(scheduler, metrics),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})
	return &testServer{app: app, store: store, tokens: tokens, task: task, metrics: metrics}
}

func (s *testServer) token(t *testing.T, scopes ...auth.Scope) string {
	t.Helper()
	token, _, err := s.tokens.GenerateToken("consultation-api", scopes)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body []byte, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	envelope, _ := body["error"].(map[string]any)
	code, _ := envelope["code"].(string)
	return code
}

func data(body map[string]any) map[string]any {
	d, _ := body["data"].(map[string]any)
	return d
}

func putAgent(t *testing.T, store *memstore.Store, key string, capacity int) {
	t.Helper()
	if err := store.Agents().Upsert(context.Background(), &domain.Agent{ERPKey: key, Name: key, Capacity: capacity, Active: true}); err != nil {
		t.Fatalf("agent: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	if status, _ := srv.do(t, fiber.MethodGet, "/health/live", "", nil, nil); status != fiber.StatusOK {
		t.Fatalf("live status %d", status)
	}
	if status, _ := srv.do(t, fiber.MethodGet, "/health/ready", "", nil, nil); status != fiber.StatusOK {
		t.Fatalf("ready status %d", status)
	}
	status, body := srv.do(t, fiber.MethodGet, "/health/metrics", "", nil, nil)
	if status != fiber.StatusOK || data(body)["requests"] == nil {
		t.Fatalf("metrics status %d body %v", status, body)
	}

	down := newTestServer(t, map[string]handlers.Pinger{"postgres": failingPinger{}})
	status, body = down.do(t, fiber.MethodGet, "/health/ready", "", nil, nil)
	if status != fiber.StatusServiceUnavailable || errorCode(body) != "DEPENDENCY_UNAVAILABLE" {
		t.Fatalf("ready status %d body %v", status, body)
	}
}

func TestInternalRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, nil)

	status, body := srv.do(t, fiber.MethodGet, "/internal/managers/load", "", nil, nil)
	if status != fiber.StatusUnauthorized || errorCode(body) != "UNAUTHORIZED" {
		t.Fatalf("status %d body %v", status, body)
	}
	status, _ = srv.do(t, fiber.MethodGet, "/internal/managers/load", "not-a-token", nil, nil)
	if status != fiber.StatusUnauthorized {
		t.Fatalf("status %d", status)
	}
	status, body = srv.do(t, fiber.MethodGet, "/internal/managers/load", srv.token(t, auth.ScopeSyncRun), nil, nil)
	if status != fiber.StatusForbidden || errorCode(body) != "FORBIDDEN" {
		t.Fatalf("status %d body %v", status, body)
	}
	status, _ = srv.do(t, fiber.MethodGet, "/internal/managers/load", srv.token(t, auth.ScopeManagersRead), nil, nil)
	if status != fiber.StatusOK {
		t.Fatalf("status %d", status)
	}
}

func TestSelectManager(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, auth.ScopeManagersRead)

	status, body := srv.do(t, fiber.MethodPost, "/internal/managers/select", token, []byte(`{"category":"tax"}`), nil)
	if status != fiber.StatusConflict || errorCode(body) != "CONFLICT" {
		t.Fatalf("status %d body %v", status, body)
	}

	putAgent(t, srv.store, "anna", 5)
	status, body = srv.do(t, fiber.MethodPost, "/internal/managers/select", token, []byte(`{"category":"tax","language":"en"}`), nil)
	if status != fiber.StatusOK {
		t.Fatalf("status %d body %v", status, body)
	}
	agent, _ := data(body)["agent"].(map[string]any)
	if agent["erp_key"] != "anna" {
		t.Fatalf("unexpected agent %v", body)
	}
	wait, _ := data(body)["wait"].(map[string]any)
	if wait["queue_depth"] != float64(0) {
		t.Fatalf("unexpected wait %v", wait)
	}
}

func TestManagerWait(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, auth.ScopeManagersRead)
	putAgent(t, srv.store, "anna", 10)
	for _, key := range []string{"a", "b", "c"} {
		srv.store.PutConsultation(domain.Consultation{ExternalKey: key, Scope: domain.ScopeTenant, Status: domain.StatusOpen, AgentKey: "anna"})
	}

	status, body := srv.do(t, fiber.MethodGet, "/internal/managers/anna/wait", token, nil, nil)
	if status != fiber.StatusOK {
		t.Fatalf("status %d body %v", status, body)
	}
	if d := data(body); d["queue_depth"] != float64(3) || d["minutes"] != float64(45) {
		t.Fatalf("unexpected wait %v", d)
	}

	status, body = srv.do(t, fiber.MethodGet, "/internal/managers/anna/wait?position=2", token, nil, nil)
	if status != fiber.StatusOK || data(body)["minutes"] != float64(15) {
		t.Fatalf("status %d body %v", status, body)
	}

	status, _ = srv.do(t, fiber.MethodGet, "/internal/managers/anna/wait?position=0", token, nil, nil)
	if status != fiber.StatusBadRequest {
		t.Fatalf("status %d", status)
	}
}

func TestChatWebhook(t *testing.T) {
	srv := newTestServer(t, nil)
	body := []byte(`{"event":"conversation_created","id":41,"status":"open","custom_attributes":{"consultation_type":"technical"}}`)

	status, resp := srv.do(t, fiber.MethodPost, "/webhooks/chat", "", body, map[string]string{chat.SignatureHeader: "bad"})
	if status != fiber.StatusUnauthorized {
		t.Fatalf("status %d body %v", status, resp)
	}

	status, resp = srv.do(t, fiber.MethodPost, "/webhooks/chat", "", body, map[string]string{chat.SignatureHeader: chat.Sign(webhookSecret, body)})
	if status != fiber.StatusOK {
		t.Fatalf("status %d body %v", status, resp)
	}
	c, err := srv.store.Consultations().GetByChatID(context.Background(), "41")
	if err != nil || c.Type != domain.TypeTechnical {
		t.Fatalf("consultation %+v err %v", c, err)
	}

	malformed := []byte(`{"event":`)
	status, _ = srv.do(t, fiber.MethodPost, "/webhooks/chat", "", malformed, map[string]string{chat.SignatureHeader: chat.Sign(webhookSecret, malformed)})
	if status != fiber.StatusBadRequest {
		t.Fatalf("status %d", status)
	}
	if n := len(srv.store.WebhookEntries()); n != 3 {
		t.Fatalf("expected every delivery logged, got %d", n)
	}
}

func TestUpsertAgentProfile(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, auth.ScopeAgentsWrite)

	body := []byte(`{"chat_user_id":"17","name":"Anna","capacity":8,"work_start":"09:00","work_end":"18:00","skills":["tax"],"languages":["en"]}`)
	status, resp := srv.do(t, fiber.MethodPut, "/internal/agents/anna", token, body, nil)
	if status != fiber.StatusOK {
		t.Fatalf("status %d body %v", status, resp)
	}
	if d := data(resp); d["work_start"] != "09:00" || d["chat_user_id"] != "17" || d["capacity"] != float64(8) {
		t.Fatalf("unexpected agent %v", d)
	}
	mapping, err := srv.store.Mappings().GetByChatUserID(context.Background(), "17")
	if err != nil || mapping.ERPAgentKey != "anna" {
		t.Fatalf("mapping %+v err %v", mapping, err)
	}

	status, _ = srv.do(t, fiber.MethodPut, "/internal/agents/anna", token, []byte(`{"work_start":"9am","work_end":"18:00"}`), nil)
	if status != fiber.StatusBadRequest {
		t.Fatalf("status %d", status)
	}
	status, _ = srv.do(t, fiber.MethodPut, "/internal/agents/anna", token, []byte(`{"capacity":-1}`), nil)
	if status != fiber.StatusUnprocessableEntity {
		t.Fatalf("status %d", status)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, auth.ScopeConsultationsWrite)

	body := []byte(`{"source":"chat","chat_id":"300","status":"pending","type":"accounting"}`)
	status, resp := srv.do(t, fiber.MethodPost, "/internal/reconcile", token, body, nil)
	if status != fiber.StatusCreated || data(resp)["status"] != "pending" {
		t.Fatalf("status %d body %v", status, resp)
	}
	status, resp = srv.do(t, fiber.MethodPost, "/internal/reconcile", token, []byte(`{"source":"chat","chat_id":"300","status":"open"}`), nil)
	if status != fiber.StatusOK || data(resp)["status"] != "open" {
		t.Fatalf("status %d body %v", status, resp)
	}

	id, _ := data(resp)["id"].(string)
	reader := srv.token(t, auth.ScopeConsultationsRead)
	status, resp = srv.do(t, fiber.MethodGet, "/internal/consultations/"+id+"/changes", reader, nil, nil)
	changes, _ := resp["data"].([]any)
	if status != fiber.StatusOK || len(changes) == 0 {
		t.Fatalf("status %d body %v", status, resp)
	}
	status, resp = srv.do(t, fiber.MethodGet, "/internal/consultations/"+id, reader, nil, nil)
	if status != fiber.StatusOK || data(resp)["chat_id"] != "300" {
		t.Fatalf("status %d body %v", status, resp)
	}
	status, _ = srv.do(t, fiber.MethodGet, "/internal/consultations/00000000-0000-0000-0000-000000000000", reader, nil, nil)
	if status != fiber.StatusNotFound {
		t.Fatalf("status %d", status)
	}

	status, _ = srv.do(t, fiber.MethodPost, "/internal/reconcile", token, []byte(`{"source":"chat"}`), nil)
	if status != fiber.StatusBadRequest {
		t.Fatalf("status %d", status)
	}
	status, _ = srv.do(t, fiber.MethodPost, "/internal/reconcile", token, []byte(`{"source":"fax","chat_id":"1"}`), nil)
	if status != fiber.StatusBadRequest {
		t.Fatalf("status %d", status)
	}
}

func TestRunJob(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, auth.ScopeSyncRun)

	status, body := srv.do(t, fiber.MethodPost, "/internal/jobs/consultations/run", token, nil, nil)
	if status != fiber.StatusOK || srv.task.runs != 1 {
		t.Fatalf("status %d runs %d body %v", status, srv.task.runs, body)
	}
	status, body = srv.do(t, fiber.MethodPost, "/internal/jobs/nope/run", token, nil, nil)
	if status != fiber.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Fatalf("status %d body %v", status, body)
	}

	srv.task.err = errors.New("erp unavailable")
	status, body = srv.do(t, fiber.MethodPost, "/internal/jobs/consultations/run", token, nil, nil)
	if status != fiber.StatusBadGateway || errorCode(body) != "JOB_FAILED" {
		t.Fatalf("status %d body %v", status, body)
	}

	status, body = srv.do(t, fiber.MethodGet, "/internal/jobs", token, nil, nil)
	jobs, _ := body["data"].([]any)
	if status != fiber.StatusOK || len(jobs) != 1 {
		t.Fatalf("status %d body %v", status, body)
	}
}
