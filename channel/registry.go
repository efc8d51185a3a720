package channel

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry maps channel names to senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// NewStubRegistry returns a registry with the validating stub senders
// registered for EMAIL, SMS and PUSH.
func NewStubRegistry() *Registry {
	r := NewRegistry()
	r.Register(Email, NewStubEmail())
	r.Register(SMS, NewStubSMS())
	r.Register(Push, NewStubPush())
	return r
}

// Register binds a sender to a channel name, replacing any previous binding.
func (r *Registry) Register(name string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[Normalize(name)] = s
}

// Lookup returns the sender for a channel name.
func (r *Registry) Lookup(name string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[Normalize(name)]
	return s, ok
}

// Has reports whether a sender is registered for the channel.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.senders))
	for n := range r.senders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Send dispatches msg to the sender registered for name. A timeout of zero
// disables the per-send deadline. Missing senders and deadline overruns are
// reported as failed results.
func (r *Registry) Send(ctx context.Context, name string, msg Message, timeout time.Duration) Result {
	s, ok := r.Lookup(name)
	if !ok {
		return Failed(CodeUnsupported, "no sender registered for "+Normalize(name))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res := s.Send(ctx, msg)
	if !res.Success && ctx.Err() != nil && res.ErrorCode == "" {
		res.ErrorCode = CodeTimeout
		res.ErrorMessage = ctx.Err().Error()
	}
	if res.LatencyMs == 0 {
		res.LatencyMs = time.Since(start).Milliseconds()
	}
	return res
}
