// Package notifly provides a multi-tenant notification pipeline for Go.
//
// Requests are admitted synchronously with idempotency and per-tenant rate
// limiting, written together with a transactional outbox entry, relayed to a
// message broker, and delivered asynchronously by a worker that falls back
// across channels and escalates failures through fixed retry tiers to a dead
// letter sink.
//
// Key features:
//   - Idempotent admission keyed by request id and idempotency key
//   - Sliding-window rate limits per tenant and credential (memory or Redis)
//   - Transactional outbox relayed to Kafka, RabbitMQ or an in-process broker
//   - Channel fallback (EMAIL, SMS, PUSH) with tenant policies and user preferences
//   - Retry tiers at 0s, 1s, 5s and 30s, then a replayable dead letter sink
//   - Composable store pattern with multiple backends (Postgres, SQLite, Memory)
//
// Quick start:
//
//	n, err := notifly.New(
//	    notifly.WithStore(memory.New()),
//	    notifly.WithBroker(brokermem.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = n.StartRelay(ctx)
//	_ = n.StartWorker(ctx)
//
//	receipt, err := n.Submit(scope.WithTenant(ctx, "tenant_123"), notifly.Input{
//	    EventType: "welcome",
//	    Recipient: map[string]string{"email": "ada@example.com"},
//	    Channels:  []string{"EMAIL", "SMS"},
//	    Data:      map[string]any{"subject": "Welcome", "content": "Hello!"},
//	}, "")
package notifly
