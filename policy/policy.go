// Package policy resolves the ordered channel fallback list for a delivery
// from the tenant's per-event-type policy and the user's channel preferences.
package policy

import (
	"context"
	"errors"

	"github.com/xraph/notifly/channel"
	"github.com/xraph/notifly/internal/entity"
)

// ErrPolicyNotFound is returned by a Store when no policy matches.
var ErrPolicyNotFound = errors.New("policy: not found")

// Policy is a tenant's ordered channel list for one event type.
type Policy struct {
	entity.Entity

	TenantID  string   `json:"tenantId"`
	EventType string   `json:"eventType"`
	Channels  []string `json:"channels"`
}

// Preference records whether a user accepts a channel.
type Preference struct {
	entity.Entity

	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	Channel  string `json:"channel"`
	Enabled  bool   `json:"enabled"`
}

// Store provides read access to policies and preferences.
type Store interface {
	// GetPolicy returns the policy for (tenant, eventType) or ErrPolicyNotFound.
	GetPolicy(ctx context.Context, tenantID, eventType string) (*Policy, error)

	// ListPreferences returns every preference a user has set.
	ListPreferences(ctx context.Context, tenantID, userID string) ([]*Preference, error)
}

// Order computes the effective try order.
//
// Channels from policyOrder that were requested come first in policy order,
// followed by requested channels the policy omits in request order. Channels in
// disabled are removed. If nothing is left the requested list is returned.
func Order(policyOrder, requested []string, disabled map[string]bool) []string {
	want := make(map[string]bool, len(requested))
	for _, ch := range requested {
		want[channel.Normalize(ch)] = true
	}

	out := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	add := func(ch string) {
		ch = channel.Normalize(ch)
		if !want[ch] || seen[ch] || disabled[ch] {
			return
		}
		seen[ch] = true
		out = append(out, ch)
	}
	for _, ch := range policyOrder {
		add(ch)
	}
	for _, ch := range requested {
		add(ch)
	}

	if len(out) == 0 {
		fallback := make([]string, 0, len(requested))
		for _, ch := range requested {
			fallback = append(fallback, channel.Normalize(ch))
		}
		return fallback
	}
	return out
}
