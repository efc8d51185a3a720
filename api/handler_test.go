package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/notifly"
	"github.com/xraph/notifly/api"
	"github.com/xraph/notifly/broker"
	brokermem "github.com/xraph/notifly/broker/memory"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/event"
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/observability"
	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	srv    *httptest.Server
	n      *notifly.Notifly
	store  *memory.Store
	broker *brokermem.Broker
}

// testServer creates a Handler backed by the memory store and broker.
func testServer(t *testing.T, opts ...notifly.Option) *testEnv {
	t.Helper()

	s := memory.New()
	b := brokermem.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(observability.NewBacklogCollector(s))
	n, err := notifly.New(append([]notifly.Option{
		notifly.WithStore(s),
		notifly.WithBroker(b),
		notifly.WithMetrics(observability.NewMetrics(gu.NewMetricsCollector("notifly"))),
	}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(api.NewHandler(n, api.Config{Gatherer: reg}, nil))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, n: n, store: s, broker: b}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func tenant(extra ...string) map[string]string {
	h := map[string]string{api.HeaderTenantID: "tenant-1"}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

func welcomeBody() map[string]any {
	return map[string]any{
		"eventType": "welcome",
		"userId":    "user-1",
		"recipient": map[string]string{"email": "ada@example.com"},
		"channels":  []string{"EMAIL"},
		"data":      map[string]any{"subject": "Hi", "content": "Welcome"},
	}
}

// --- Admission ---

func TestSubmitAccepted(t *testing.T) {
	env := testServer(t)

	resp := doJSON(t, "POST", env.srv.URL+"/notifications", welcomeBody(), tenant(api.HeaderCorrelationID, "corr-1"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(api.HeaderCorrelationID); got != "corr-1" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}

	var receipt notifly.Receipt
	decodeBody(t, resp, &receipt)
	if receipt.RequestID == "" || receipt.Status != "ACCEPTED" || receipt.CorrelationID != "corr-1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if n, _ := env.store.CountPending(context.Background()); n != 1 {
		t.Fatalf("expected 1 outbox entry, got %d", n)
	}
}

func TestSubmitMissingTenant(t *testing.T) {
	env := testServer(t)

	resp := doJSON(t, "POST", env.srv.URL+"/notifications", welcomeBody(), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSubmitValidationError(t *testing.T) {
	env := testServer(t)

	body := welcomeBody()
	body["channels"] = []string{"FAX"}
	resp := doJSON(t, "POST", env.srv.URL+"/notifications", body, tenant())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var out map[string]string
	decodeBody(t, resp, &out)
	if out["field"] != "channels" || out["error"] == "" {
		t.Fatalf("unexpected body %v", out)
	}

	resp = doJSON(t, "POST", env.srv.URL+"/notifications", nil, tenant())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", resp.StatusCode)
	}
}

func TestSubmitIdempotency(t *testing.T) {
	env := testServer(t)
	headers := tenant(api.HeaderIdempotencyKey, "idem-1")

	var first, second notifly.Receipt
	decodeBody(t, doJSON(t, "POST", env.srv.URL+"/notifications", welcomeBody(), headers), &first)
	resp := doJSON(t, "POST", env.srv.URL+"/notifications", welcomeBody(), headers)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 on resubmission, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &second)
	if second.RequestID != first.RequestID || second.Message != notifly.MessageDuplicate {
		t.Fatalf("expected duplicate receipt for %s, got %+v", first.RequestID, second)
	}

	changed := welcomeBody()
	changed["eventType"] = "reset"
	resp = doJSON(t, "POST", env.srv.URL+"/notifications", changed, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	env := testServer(t, notifly.WithRateLimit(ratelimit.Config{RequestsPerMinute: 1}))

	resp := doJSON(t, "POST", env.srv.URL+"/notifications", welcomeBody(), tenant())
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	resp = doJSON(t, "POST", env.srv.URL+"/notifications", welcomeBody(), tenant())
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	var out map[string]any
	decodeBody(t, resp, &out)
	if secs, _ := out["retryAfterSeconds"].(float64); secs < 1 {
		t.Fatalf("expected retryAfterSeconds >= 1, got %v", out)
	}

	// A different credential has its own window.
	resp = doJSON(t, "POST", env.srv.URL+"/notifications", welcomeBody(), tenant(api.HeaderAPIKey, "key-2"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for another credential, got %d", resp.StatusCode)
	}
}

// --- Status ---

func TestStatusLifecycle(t *testing.T) {
	env := testServer(t)

	resp := doJSON(t, "GET", env.srv.URL+"/notifications/missing", nil, tenant())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var missing notifly.StatusResult
	decodeBody(t, resp, &missing)
	if missing.Status != notifly.StatusNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", missing.Status)
	}

	var receipt notifly.Receipt
	decodeBody(t, doJSON(t, "POST", env.srv.URL+"/notifications", welcomeBody(), tenant()), &receipt)

	var pending notifly.StatusResult
	decodeBody(t, doJSON(t, "GET", env.srv.URL+"/notifications/"+receipt.RequestID, nil, tenant()), &pending)
	if pending.Status != notifly.StatusPending {
		t.Fatalf("expected PENDING, got %s", pending.Status)
	}

	if _, err := env.n.RelayOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, msg := range env.broker.Drain(broker.TopicPrimary) {
		if err := env.n.Worker().Process(context.Background(), 0, msg); err != nil {
			t.Fatal(err)
		}
	}

	var delivered notifly.StatusResult
	decodeBody(t, doJSON(t, "GET", env.srv.URL+"/notifications/"+receipt.RequestID, nil, tenant()), &delivered)
	if delivered.Status != notifly.StatusDelivered || len(delivered.DeliveryLogs) != 1 {
		t.Fatalf("expected DELIVERED with one log, got %+v", delivered)
	}

	// Another tenant cannot see the request.
	resp = doJSON(t, "GET", env.srv.URL+"/notifications/"+receipt.RequestID, nil, map[string]string{api.HeaderTenantID: "tenant-2"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 across tenants, got %d", resp.StatusCode)
	}
}

// --- DLQ ---

func pushDeadLetter(t *testing.T, env *testEnv, tenantID string) *dlq.Entry {
	t.Helper()
	raw, err := event.Encode(&event.DeliveryEvent{
		RequestID:  "req-dead",
		TenantID:   tenantID,
		EventType:  "welcome",
		Recipient:  "ada@example.com",
		Channels:   []string{"EMAIL"},
		RetryCount: 3,
		CreatedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	entry := &dlq.Entry{
		TenantID:     tenantID,
		RequestID:    "req-dead",
		Channels:     "EMAIL",
		RetryAttempt: 3,
		ErrorCode:    dlq.CodeMaxRetriesExceeded,
		Payload:      raw,
	}
	if _, err := env.n.DLQ().Record(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestDLQListGetReplay(t *testing.T) {
	env := testServer(t)
	entry := pushDeadLetter(t, env, "tenant-1")
	pushDeadLetter(t, env, "tenant-2")

	var list []dlq.Entry
	decodeBody(t, doJSON(t, "GET", env.srv.URL+"/dlq", nil, tenant()), &list)
	if len(list) != 1 || list[0].TenantID != "tenant-1" {
		t.Fatalf("expected only tenant-1 entries, got %+v", list)
	}

	resp := doJSON(t, "GET", env.srv.URL+"/dlq/"+entry.ID.String(), nil, tenant())
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, "POST", env.srv.URL+"/dlq/"+entry.ID.String()+"/replay", nil, tenant())
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	msgs := env.broker.Drain(broker.TopicPrimary)
	if len(msgs) != 1 || msgs[0].Key != "req-dead" {
		t.Fatalf("expected one replayed message keyed by requestId, got %d", len(msgs))
	}
	evt, err := event.Decode(msgs[0].Value)
	if err != nil {
		t.Fatal(err)
	}
	if evt.RetryCount != 0 {
		t.Fatalf("replay must reset retryCount, got %d", evt.RetryCount)
	}
}

func TestDLQTenantIsolationAndBadID(t *testing.T) {
	env := testServer(t)
	other := pushDeadLetter(t, env, "tenant-2")

	resp := doJSON(t, "GET", env.srv.URL+"/dlq/"+other.ID.String(), nil, tenant())
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another tenant's entry, got %d", resp.StatusCode)
	}
	resp = doJSON(t, "POST", env.srv.URL+"/dlq/"+other.ID.String()+"/replay", nil, tenant())
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 replaying another tenant's entry, got %d", resp.StatusCode)
	}
	if n := len(env.broker.Published(broker.TopicPrimary)); n != 0 {
		t.Fatalf("nothing may be published, got %d", n)
	}

	resp = doJSON(t, "GET", env.srv.URL+"/dlq/not-an-id", nil, tenant())
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp = doJSON(t, "GET", env.srv.URL+"/dlq/"+id.NewDLQID().String(), nil, tenant())
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

// --- Operator routes ---

func TestHealthzStatsMetrics(t *testing.T) {
	env := testServer(t)
	resp := doJSON(t, "POST", env.srv.URL+"/notifications", welcomeBody(), tenant())
	resp.Body.Close()

	resp = doJSON(t, "GET", env.srv.URL+"/healthz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var stats map[string]int64
	decodeBody(t, doJSON(t, "GET", env.srv.URL+"/stats", nil, nil), &stats)
	if stats["pendingOutbox"] != 1 || stats["dlqSize"] != 0 {
		t.Fatalf("unexpected stats %v", stats)
	}

	resp = doJSON(t, "GET", env.srv.URL+"/metrics", nil, nil)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "notifly_outbox_pending 1") {
		t.Fatalf("expected outbox backlog in metrics output")
	}

	_ = env.store.Close()
	resp = doJSON(t, "GET", env.srv.URL+"/healthz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after store close, got %d", resp.StatusCode)
	}
}
