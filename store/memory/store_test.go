package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/notifly"
	"github.com/xraph/notifly/delivery"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/internal/entity"
	"github.com/xraph/notifly/outbox"
	"github.com/xraph/notifly/policy"
	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/request"
	"github.com/xraph/notifly/template"
)

func ctx() context.Context { return context.Background() }

func newRequest(tenant, requestID, idemKey string) (*request.Request, *outbox.Entry) {
	req := &request.Request{
		Entity:         entity.New(),
		TenantID:       tenant,
		RequestID:      requestID,
		IdempotencyKey: idemKey,
		EventType:      "welcome",
		Status:         request.StatusAccepted,
	}
	entry := &outbox.Entry{
		Entity:      entity.New(),
		ID:          id.NewOutboxID(),
		TenantID:    tenant,
		AggregateID: requestID,
		Payload:     []byte(`{}`),
		Status:      outbox.StatusPending,
	}
	return req, entry
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	s := New()

	if err := s.Migrate(ctx()); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx()); !errors.Is(err, notifly.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// request.Store
// ──────────────────────────────────────────────────

func TestCreateRequestUniqueness(t *testing.T) {
	s := New()

	req, entry := newRequest("tenant-1", "req-1", "idem-1")
	if err := s.CreateRequest(ctx(), req, entry); err != nil {
		t.Fatal(err)
	}

	dupID, dupEntry := newRequest("tenant-1", "req-1", "")
	if err := s.CreateRequest(ctx(), dupID, dupEntry); !errors.Is(err, notifly.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest for same requestId, got %v", err)
	}

	dupKey, dupKeyEntry := newRequest("tenant-1", "req-2", "idem-1")
	if err := s.CreateRequest(ctx(), dupKey, dupKeyEntry); !errors.Is(err, notifly.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest for same idempotency key, got %v", err)
	}

	// Same ids under another tenant are independent.
	other, otherEntry := newRequest("tenant-2", "req-1", "idem-1")
	if err := s.CreateRequest(ctx(), other, otherEntry); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.CountPending(ctx()); n != 2 {
		t.Fatalf("expected 2 outbox entries, got %d", n)
	}

	got, err := s.GetRequestByIdempotencyKey(ctx(), "tenant-1", "idem-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != "req-1" {
		t.Fatalf("got request %q", got.RequestID)
	}
	if _, err := s.GetRequest(ctx(), "tenant-1", "missing"); !errors.Is(err, notifly.ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// outbox.Store
// ──────────────────────────────────────────────────

func TestClaimPendingLease(t *testing.T) {
	s := New()
	now := time.Unix(1700000000, 0)
	s.SetClock(func() time.Time { return now })

	for _, rid := range []string{"req-1", "req-2", "req-3"} {
		req, entry := newRequest("tenant-1", rid, "")
		if err := s.CreateRequest(ctx(), req, entry); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.ClaimPending(ctx(), 2, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].AggregateID != "req-1" || first[1].AggregateID != "req-2" {
		t.Fatalf("expected req-1, req-2 in order, got %d entries", len(first))
	}

	second, err := s.ClaimPending(ctx(), 10, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].AggregateID != "req-3" {
		t.Fatalf("expected only the unleased entry, got %d", len(second))
	}

	// Lease expiry makes unsent entries claimable again.
	if err := s.MarkSent(ctx(), first[0].ID); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	again, err := s.ClaimPending(ctx(), 10, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 2 {
		t.Fatalf("expected 2 re-claimable entries, got %d", len(again))
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	s := New()
	for range 50 {
		req, entry := newRequest("tenant-1", id.NewRequestID().String(), "")
		if err := s.CreateRequest(ctx(), req, entry); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := s.ClaimPending(ctx(), 20, time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			for _, e := range batch {
				seen[e.ID.String()]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("expected all 50 entries claimed, got %d", len(seen))
	}
	for entryID, n := range seen {
		if n != 1 {
			t.Fatalf("entry %s claimed %d times", entryID, n)
		}
	}
}

func TestMarkFailedIsTerminal(t *testing.T) {
	s := New()
	req, entry := newRequest("tenant-1", "req-1", "")
	if err := s.CreateRequest(ctx(), req, entry); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx(), entry.ID, "broker down"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSent(ctx(), entry.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOutboxByAggregate(ctx(), "tenant-1", "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != outbox.StatusFailed || got.LastError != "broker down" {
		t.Fatalf("expected FAILED to stick, got %s", got.Status)
	}

	batch, _ := s.ClaimPending(ctx(), 10, time.Second)
	if len(batch) != 0 {
		t.Fatalf("FAILED entries must not be claimed, got %d", len(batch))
	}
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

func TestAppendLogDeduplicates(t *testing.T) {
	s := New()
	l := &delivery.Log{
		ID:           id.NewDeliveryLogID(),
		TenantID:     "tenant-1",
		RequestID:    "req-1",
		Channel:      "SMS",
		Status:       delivery.StatusSuccess,
		RetryAttempt: 0,
	}
	for range 3 {
		if err := s.AppendLog(ctx(), l); err != nil {
			t.Fatal(err)
		}
	}

	logs, err := s.ListLogs(ctx(), "tenant-1", "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(logs))
	}

	ok, err := s.HasSuccess(ctx(), "tenant-1", "req-1", []string{"email", "sms"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected prior success on SMS")
	}
	ok, _ = s.HasSuccess(ctx(), "tenant-1", "req-1", []string{"EMAIL"})
	if ok {
		t.Fatal("no success recorded on EMAIL")
	}
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

func TestPushDLQOncePerCycle(t *testing.T) {
	s := New()
	push := func(correlationID string) bool {
		t.Helper()
		inserted, err := s.PushDLQ(ctx(), &dlq.Entry{
			ID:            id.NewDLQID(),
			TenantID:      "tenant-1",
			RequestID:     "req-1",
			CorrelationID: correlationID,
			ErrorCode:     dlq.CodeMaxRetriesExceeded,
			FailedAt:      time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
		return inserted
	}
	if !push("corr-1") {
		t.Fatal("first entry should be inserted")
	}
	if push("corr-1") {
		t.Fatal("second entry for the same cycle should be a no-op")
	}
	if n, _ := s.CountDLQ(ctx(), "tenant-1"); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}

	// A replayed cycle carries a new correlation id.
	if !push("corr-2") {
		t.Fatal("replayed cycle should get its own entry")
	}
	if n, _ := s.CountDLQ(ctx(), "tenant-1"); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
	if n, _ := s.CountDLQ(ctx(), "tenant-2"); n != 0 {
		t.Fatalf("expected 0 entries for other tenant, got %d", n)
	}
}

func TestListDLQFiltersAndPaginates(t *testing.T) {
	s := New()
	base := time.Unix(1700000000, 0)
	for i := range 5 {
		tenant := "tenant-1"
		if i == 4 {
			tenant = "tenant-2"
		}
		_, _ = s.PushDLQ(ctx(), &dlq.Entry{
			ID:        id.NewDLQID(),
			TenantID:  tenant,
			RequestID: id.NewRequestID().String(),
			FailedAt:  base.Add(time.Duration(i) * time.Minute),
		})
	}

	all, _ := s.ListDLQ(ctx(), dlq.ListOpts{TenantID: "tenant-1"})
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	if !all[0].FailedAt.After(all[1].FailedAt) {
		t.Fatal("expected newest first")
	}

	page, _ := s.ListDLQ(ctx(), dlq.ListOpts{TenantID: "tenant-1", Offset: 1, Limit: 2})
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}

	purged, _ := s.PurgeDLQ(ctx(), base.Add(2*time.Minute))
	if purged != 2 {
		t.Fatalf("expected 2 purged, got %d", purged)
	}
	if _, err := s.GetDLQ(ctx(), id.NewDLQID()); !errors.Is(err, notifly.ErrDLQNotFound) {
		t.Fatalf("expected ErrDLQNotFound, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Tenant configuration
// ──────────────────────────────────────────────────

func TestTenantConfiguration(t *testing.T) {
	s := New()

	if err := s.PutPolicy(ctx(), &policy.Policy{TenantID: "tenant-1", EventType: "otp", Channels: []string{"sms", "email"}}); err != nil {
		t.Fatal(err)
	}
	p, err := s.GetPolicy(ctx(), "tenant-1", "otp")
	if err != nil {
		t.Fatal(err)
	}
	if p.Channels[0] != "SMS" {
		t.Fatalf("expected normalized channels, got %v", p.Channels)
	}
	if _, err := s.GetPolicy(ctx(), "tenant-1", "welcome"); !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}

	_ = s.PutPreference(ctx(), &policy.Preference{TenantID: "tenant-1", UserID: "u1", Channel: "sms", Enabled: true})
	_ = s.PutPreference(ctx(), &policy.Preference{TenantID: "tenant-1", UserID: "u1", Channel: "SMS", Enabled: false})
	prefs, _ := s.ListPreferences(ctx(), "tenant-1", "u1")
	if len(prefs) != 1 || prefs[0].Enabled {
		t.Fatalf("expected one disabled SMS preference, got %+v", prefs)
	}

	tpl := &template.Template{TenantID: "tenant-1", Name: "welcome", IsActive: true}
	if err := s.PutTemplate(ctx(), tpl); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTemplate(ctx(), "tenant-1", tpl.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTemplate(ctx(), "tenant-2", tpl.ID); !errors.Is(err, template.ErrTemplateNotFound) {
		t.Fatalf("templates must be tenant scoped, got %v", err)
	}

	_ = s.PutRateLimitConfig(ctx(), &ratelimit.Config{TenantID: "tenant-1", RequestsPerMinute: 5})
	cfg, err := s.GetRateLimitConfig(ctx(), "tenant-1")
	if err != nil || cfg.RequestsPerMinute != 5 {
		t.Fatalf("unexpected config %+v, %v", cfg, err)
	}
	if _, err := s.GetRateLimitConfig(ctx(), "tenant-2"); !errors.Is(err, ratelimit.ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}
