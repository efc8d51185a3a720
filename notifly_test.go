package notifly_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/notifly"
	"github.com/xraph/notifly/broker"
	brokermem "github.com/xraph/notifly/broker/memory"
	"github.com/xraph/notifly/channel"
	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/request"
	"github.com/xraph/notifly/scope"
	"github.com/xraph/notifly/store/memory"
	"github.com/xraph/notifly/template"
)

func ctx() context.Context { return scope.WithTenant(context.Background(), "tenant-1") }

func newNotifly(t *testing.T, opts ...notifly.Option) (*notifly.Notifly, *memory.Store, *brokermem.Broker) {
	t.Helper()
	s := memory.New()
	b := brokermem.New()
	n, err := notifly.New(append([]notifly.Option{
		notifly.WithStore(s),
		notifly.WithBroker(b),
		notifly.WithSendTimeout(time.Second),
	}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return n, s, b
}

func welcome() notifly.Input {
	return notifly.Input{
		EventType: "welcome",
		UserID:    "user-1",
		Recipient: map[string]string{"email": "ada@example.com"},
		Channels:  []string{"email"},
		Data:      map[string]any{"subject": "Hi", "content": "Welcome aboard"},
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := notifly.New(); !errors.Is(err, notifly.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	n, _, _ := newNotifly(t)

	cases := map[string]struct {
		ctx   context.Context
		in    notifly.Input
		field string
	}{
		"missing tenant": {context.Background(), welcome(), "tenantId"},
		"missing event":  {ctx(), func() notifly.Input { in := welcome(); in.EventType = ""; return in }(), "eventType"},
		"no channels":    {ctx(), func() notifly.Input { in := welcome(); in.Channels = nil; return in }(), "channels"},
		"unknown channel": {ctx(), func() notifly.Input {
			in := welcome()
			in.Channels = []string{"FAX"}
			return in
		}(), "channels"},
		"no recipient": {ctx(), func() notifly.Input { in := welcome(); in.Recipient = map[string]string{"slack": "x"}; return in }(), "recipient"},
	}
	for name, tc := range cases {
		_, err := n.Submit(tc.ctx, tc.in, "")
		var ve *notifly.ValidationError
		if !errors.As(err, &ve) || !errors.Is(err, notifly.ErrValidation) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
		if ve.Field != tc.field {
			t.Fatalf("%s: expected field %q, got %q", name, tc.field, ve.Field)
		}
	}
}

func TestSubmitIdempotentResubmission(t *testing.T) {
	n, s, _ := newNotifly(t)

	first, err := n.Submit(ctx(), welcome(), "idem-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != "ACCEPTED" || first.Message != notifly.MessageAccepted {
		t.Fatalf("unexpected receipt %+v", first)
	}

	// A client retry with a regenerated requestId still matches.
	retry := welcome()
	retry.RequestID = "client-generated"
	second, err := n.Submit(ctx(), retry, "idem-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.RequestID != first.RequestID || second.Message != notifly.MessageDuplicate {
		t.Fatalf("expected duplicate of %q, got %+v", first.RequestID, second)
	}

	if pending, _ := s.CountPending(ctx()); pending != 1 {
		t.Fatalf("expected exactly one outbox entry, got %d", pending)
	}
}

func TestSubmitIdempotencyConflict(t *testing.T) {
	n, _, _ := newNotifly(t)

	if _, err := n.Submit(ctx(), welcome(), "idem-1"); err != nil {
		t.Fatal(err)
	}
	changed := welcome()
	changed.Data = map[string]any{"content": "something else"}
	if _, err := n.Submit(ctx(), changed, "idem-1"); !errors.Is(err, notifly.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestSubmitDuplicateRequestID(t *testing.T) {
	n, s, _ := newNotifly(t)

	in := welcome()
	in.RequestID = "req-1"
	if _, err := n.Submit(ctx(), in, ""); err != nil {
		t.Fatal(err)
	}
	again, err := n.Submit(ctx(), in, "")
	if err != nil {
		t.Fatal(err)
	}
	if again.RequestID != "req-1" || again.Message != notifly.MessageDuplicate {
		t.Fatalf("unexpected receipt %+v", again)
	}
	if pending, _ := s.CountPending(ctx()); pending != 1 {
		t.Fatalf("expected one outbox entry, got %d", pending)
	}
}

// racingStore misses the next idempotency key lookup, as when a concurrent
// submission commits between the lookup and the insert.
type racingStore struct {
	*memory.Store
	missNext atomic.Bool
}

func (s *racingStore) GetRequestByIdempotencyKey(ctx context.Context, tenantID, key string) (*request.Request, error) {
	if s.missNext.CompareAndSwap(true, false) {
		return nil, notifly.ErrRequestNotFound
	}
	return s.Store.GetRequestByIdempotencyKey(ctx, tenantID, key)
}

func TestSubmitIdempotencyKeyInsertRace(t *testing.T) {
	s := &racingStore{Store: memory.New()}
	n, err := notifly.New(notifly.WithStore(s), notifly.WithBroker(brokermem.New()))
	if err != nil {
		t.Fatal(err)
	}

	first, err := n.Submit(ctx(), welcome(), "idem-race")
	if err != nil {
		t.Fatal(err)
	}

	// Same payload: the unique violation resolves to the winner's receipt.
	s.missNext.Store(true)
	again, err := n.Submit(ctx(), welcome(), "idem-race")
	if err != nil {
		t.Fatal(err)
	}
	if again.RequestID != first.RequestID || again.Message != notifly.MessageDuplicate {
		t.Fatalf("expected duplicate of %s, got %+v", first.RequestID, again)
	}

	// Different payload under the same key conflicts.
	changed := welcome()
	changed.Data = map[string]any{"subject": "Hi", "content": "Something else"}
	s.missNext.Store(true)
	if _, err := n.Submit(ctx(), changed, "idem-race"); !errors.Is(err, notifly.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}

	if pending, _ := s.CountPending(ctx()); pending != 1 {
		t.Fatalf("expected one outbox entry, got %d", pending)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	now := time.Unix(1700000000, 0)
	n, s, _ := newNotifly(t, notifly.WithClock(func() time.Time { return now }))
	_ = s.PutRateLimitConfig(ctx(), &ratelimit.Config{TenantID: "tenant-1", RequestsPerMinute: 3})

	for i := range 3 {
		if _, err := n.Submit(ctx(), welcome(), ""); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		now = now.Add(time.Second)
	}

	_, err := n.Submit(ctx(), welcome(), "")
	var rle *notifly.RateLimitError
	if !errors.As(err, &rle) || !errors.Is(err, notifly.ErrRateLimitExceeded) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.Limit != 3 || rle.RetryAfterSeconds() != 57 {
		t.Fatalf("unexpected limit %d retry after %ds", rle.Limit, rle.RetryAfterSeconds())
	}

	// Other tenants have their own window.
	other := scope.WithTenant(context.Background(), "tenant-2")
	if _, err := n.Submit(other, welcome(), ""); err != nil {
		t.Fatalf("tenant-2 should not be limited: %v", err)
	}

	now = now.Add(time.Minute)
	if _, err := n.Submit(ctx(), welcome(), ""); err != nil {
		t.Fatalf("expected admission after the window slid, got %v", err)
	}
}

func TestWelcomeFlowEndToEnd(t *testing.T) {
	n, _, b := newNotifly(t)

	in := welcome()
	in.Recipient = map[string]string{"email": "not-an-email", "phone": "+15550001111"}
	in.Channels = []string{"EMAIL", "SMS"}
	receipt, err := n.Submit(ctx(), in, "")
	if err != nil {
		t.Fatal(err)
	}

	st, err := n.Status(ctx(), receipt.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != notifly.StatusPending {
		t.Fatalf("expected PENDING before delivery, got %s", st.Status)
	}

	published, err := n.RelayOnce(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if published != 1 {
		t.Fatalf("expected 1 relayed entry, got %d", published)
	}

	for _, msg := range b.Drain(broker.TopicPrimary) {
		if err := n.Worker().Process(context.Background(), 0, msg); err != nil {
			t.Fatal(err)
		}
	}

	st, err = n.Status(ctx(), receipt.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != notifly.StatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", st.Status)
	}
	if len(st.DeliveryLogs) != 1 || st.DeliveryLogs[0].Channel != channel.SMS {
		t.Fatalf("expected SMS success after EMAIL fallback, got %+v", st.DeliveryLogs)
	}
	if st.CreatedAt == nil {
		t.Fatal("expected createdAt")
	}
}

func TestStatusStates(t *testing.T) {
	n, _, b := newNotifly(t)

	st, err := n.Status(ctx(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != notifly.StatusNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", st.Status)
	}

	in := welcome()
	in.Recipient = map[string]string{"email": "not-an-email"}
	receipt, err := n.Submit(ctx(), in, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.RelayOnce(ctx()); err != nil {
		t.Fatal(err)
	}
	for _, msg := range b.Drain(broker.TopicPrimary) {
		if err := n.Worker().Process(context.Background(), 0, msg); err != nil {
			t.Fatal(err)
		}
	}

	st, _ = n.Status(ctx(), receipt.RequestID)
	if st.Status != notifly.StatusFailed {
		t.Fatalf("expected FAILED after a failed attempt, got %s", st.Status)
	}

	// Another tenant cannot see the request.
	other := scope.WithTenant(context.Background(), "tenant-2")
	st, _ = n.Status(other, receipt.RequestID)
	if st.Status != notifly.StatusNotFound {
		t.Fatalf("expected NOT_FOUND across tenants, got %s", st.Status)
	}
}

func TestSubmitRendersTemplate(t *testing.T) {
	n, s, b := newNotifly(t)

	tpl := &template.Template{
		TenantID: "tenant-1",
		Name:     "welcome",
		Subject:  "Welcome {{.name}}",
		Content:  "Hello {{.name}}",
		IsActive: true,
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"name"},
		},
	}
	if err := s.PutTemplate(ctx(), tpl); err != nil {
		t.Fatal(err)
	}

	in := welcome()
	in.TemplateID = tpl.ID.String()
	in.Data = map[string]any{}
	_, err := n.Submit(ctx(), in, "")
	var ve *notifly.ValidationError
	if !errors.As(err, &ve) || ve.Field != "data" {
		t.Fatalf("expected data validation error, got %v", err)
	}

	in.Data = map[string]any{"name": "Ada"}
	if _, err := n.Submit(ctx(), in, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := n.RelayOnce(ctx()); err != nil {
		t.Fatal(err)
	}
	msgs := b.Published(broker.TopicPrimary)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(msgs))
	}
	if got := string(msgs[0].Value); !strings.Contains(got, `"subject":"Welcome Ada"`) {
		t.Fatalf("expected rendered subject in %s", got)
	}
}

func TestRelayRequiresBroker(t *testing.T) {
	n, err := notifly.New(notifly.WithStore(memory.New()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.RelayOnce(ctx()); !errors.Is(err, notifly.ErrNoBroker) {
		t.Fatalf("expected ErrNoBroker, got %v", err)
	}
	if err := n.StartWorker(ctx()); !errors.Is(err, notifly.ErrNoBroker) {
		t.Fatalf("expected ErrNoBroker, got %v", err)
	}
}

func TestStartedPipelineDelivers(t *testing.T) {
	n, _, _ := newNotifly(t, notifly.WithPollInterval(10*time.Millisecond))
	if err := n.StartRelay(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := n.StartWorker(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer n.Stop(context.Background())

	receipt, err := n.Submit(ctx(), welcome(), "")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, _ := n.Status(ctx(), receipt.RequestID)
		if st.Status == notifly.StatusDelivered {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("notification was not delivered in time")
}
