// Package fanout broadcasts board events to every process serving live
// client connections. Delivery is immediate, best-effort and lossy: the
// fanout is a liveness hint, not a data transport, and clients must be able
// to reconstruct full state from the CRUD API.
//
// Two interchangeable backends exist: a Redis keyed pub/sub broker and a
// PostgreSQL LISTEN/NOTIFY channel. Callers are backend-agnostic.
package fanout

import (
	"context"
	"strings"
)

// Handler receives payloads for a single subscribed channel.
type Handler func(payload []byte)

// TenantHandler receives payloads for a channel across all tenants.
type TenantHandler func(tenantID string, payload []byte)

// Subscription is a live subscription that must be closed when done.
type Subscription interface {
	Close() error
}

// Broker is the fanout capability. Publish is fire-and-forget from the
// caller's point of view: errors are returned for logging only and must
// never fail the business operation that triggered the event.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte, tenantID string) error
	Subscribe(ctx context.Context, channel, tenantID string, h Handler) (Subscription, error)
	// SubscribeAll receives the channel's events for every tenant without
	// knowing tenant IDs in advance.
	SubscribeAll(ctx context.Context, channel string, h TenantHandler) (Subscription, error)
	Close() error
}

const tenantPrefix = "tenant:"

// channelName returns the effective channel, namespaced by tenant when
// multi-tenant mode is in play.
func channelName(tenantID, channel string) string {
	if tenantID == "" {
		return channel
	}

	return tenantPrefix + tenantID + ":" + channel
}

// tenantPattern is the Redis glob matching every tenant's variant of a
// channel.
func tenantPattern(channel string) string {
	return tenantPrefix + "*:" + channel
}

// splitTenant extracts the tenant ID from an effective channel name,
// reporting whether the name is a tenant-qualified variant of base.
func splitTenant(name, base string) (string, bool) {
	if !strings.HasPrefix(name, tenantPrefix) {
		return "", false
	}

	middle, ok := strings.CutSuffix(name[len(tenantPrefix):], ":"+base)
	if !ok || middle == "" || strings.Contains(middle, ":") {
		return "", false
	}

	return middle, true
}

// announceName is the side channel where multi-tenant publishers announce
// tenant IDs so all-tenant subscribers can lazily attach (LISTEN has no
// pattern subscribe).
func announceName(channel string) string {
	return channel + ":tenants"
}
