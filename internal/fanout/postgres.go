package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"
)

const (
	minReconnect = time.Second
	maxReconnect = 30 * time.Second

	// NOTIFY payloads are capped at 8000 bytes by the server; the size
	// policy must kick in below that.
	pgNotifyLimit = 8000
)

// PostgresBroker fans events out over LISTEN/NOTIFY, reusing the relational
// store instead of a separate broker process.
//
// LISTEN has no pattern subscribe, so multi-tenant publishes also announce
// the tenant ID on a per-channel side channel; an all-tenant subscriber
// lazily LISTENs each tenant's channel the first time that tenant publishes
// and caches the subscription.
type PostgresBroker struct {
	db       *dbpg.DB
	listener *pq.Listener
	policy   SizePolicy

	mu       sync.Mutex
	seq      uint64
	handlers map[string]map[uint64]Handler       // effective channel -> handlers
	allSubs  map[string]map[uint64]TenantHandler // base channel -> all-tenant handlers
	tenants  map[string]map[string]struct{}      // base channel -> tenants already listened
}

// NewPostgresBroker creates a LISTEN/NOTIFY-backed fanout broker and starts
// its dispatch loop.
func NewPostgresBroker(db *dbpg.DB, dsn string, policy SizePolicy) *PostgresBroker {
	if policy.MaxPayloadBytes <= 0 || policy.MaxPayloadBytes > pgNotifyLimit {
		policy.MaxPayloadBytes = pgNotifyLimit - 500
	}

	listener := pq.NewListener(dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			zlog.Logger.Error().Err(err).Int("event", int(ev)).Msg("postgres listener event")
		}
	})

	b := &PostgresBroker{
		db:       db,
		listener: listener,
		policy:   policy,
		handlers: make(map[string]map[uint64]Handler),
		allSubs:  make(map[string]map[uint64]TenantHandler),
		tenants:  make(map[string]map[string]struct{}),
	}

	go b.dispatch()

	return b
}

// Publish notifies the tenant's variant of the channel, announcing the
// tenant first so all-tenant subscribers can attach.
func (b *PostgresBroker) Publish(ctx context.Context, channel string, payload []byte, tenantID string) error {
	name := channelName(tenantID, channel)
	payload = b.policy.Apply(name, payload)

	if tenantID != "" {
		if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, announceName(channel), tenantID); err != nil {
			return fmt.Errorf("failed to announce tenant: %w", err)
		}
	}

	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, name, string(payload)); err != nil {
		return fmt.Errorf("failed to notify channel %s: %w", name, err)
	}

	return nil
}

// Subscribe listens on one tenant's variant of the channel.
func (b *PostgresBroker) Subscribe(ctx context.Context, channel, tenantID string, h Handler) (Subscription, error) {
	name := channelName(tenantID, channel)

	b.mu.Lock()
	id := b.nextID()
	first := len(b.handlers[name]) == 0
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[uint64]Handler)
	}
	b.handlers[name][id] = h
	b.mu.Unlock()

	if first {
		if err := b.listener.Listen(name); err != nil {
			b.mu.Lock()
			delete(b.handlers[name], id)
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to listen on %s: %w", name, err)
		}
	}

	return &pgSubscription{broker: b, channel: name, id: id}, nil
}

// SubscribeAll receives the channel across all tenants via the announce
// side channel.
func (b *PostgresBroker) SubscribeAll(ctx context.Context, channel string, h TenantHandler) (Subscription, error) {
	b.mu.Lock()
	id := b.nextID()
	first := len(b.allSubs[channel]) == 0
	if b.allSubs[channel] == nil {
		b.allSubs[channel] = make(map[uint64]TenantHandler)
	}
	b.allSubs[channel][id] = h
	b.mu.Unlock()

	if first {
		if err := b.listener.Listen(announceName(channel)); err != nil {
			b.mu.Lock()
			delete(b.allSubs[channel], id)
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to listen on announce channel: %w", err)
		}
	}

	return &pgSubscription{broker: b, allChannel: channel, id: id}, nil
}

// Close terminates the listener; the dispatch loop exits when the Notify
// channel drains.
func (b *PostgresBroker) Close() error {
	return b.listener.Close()
}

// dispatch routes server notifications to the registered handlers. Handlers
// are invoked outside the registry lock so a slow consumer cannot block
// subscription changes.
func (b *PostgresBroker) dispatch() {
	for n := range b.listener.Notify {
		if n == nil {
			// Connection re-established; notifications may have been lost,
			// which the lossy fanout contract permits.
			continue
		}

		b.route(n.Channel, []byte(n.Extra))
	}
}

func (b *PostgresBroker) route(name string, payload []byte) {
	b.mu.Lock()

	// Tenant announcement: lazily attach to the tenant's channel.
	for base, subs := range b.allSubs {
		if name != announceName(base) || len(subs) == 0 {
			continue
		}

		tenantID := string(payload)
		if _, seen := b.tenants[base][tenantID]; !seen {
			if b.tenants[base] == nil {
				b.tenants[base] = make(map[string]struct{})
			}
			b.tenants[base][tenantID] = struct{}{}
			tenantChannel := channelName(tenantID, base)

			b.mu.Unlock()
			if err := b.listener.Listen(tenantChannel); err != nil {
				zlog.Logger.Error().Err(err).Str("channel", tenantChannel).Msg("failed to attach tenant channel")
			}
			b.mu.Lock()
		}
	}

	var direct []Handler
	for _, h := range b.handlers[name] {
		direct = append(direct, h)
	}

	type allCall struct {
		h        TenantHandler
		tenantID string
	}
	var all []allCall
	for base, subs := range b.allSubs {
		tenantID, ok := splitTenant(name, base)
		if !ok {
			continue
		}
		for _, h := range subs {
			all = append(all, allCall{h: h, tenantID: tenantID})
		}
	}

	b.mu.Unlock()

	for _, h := range direct {
		h(payload)
	}
	for _, c := range all {
		c.h(c.tenantID, payload)
	}
}

// nextID must be called with mu held.
func (b *PostgresBroker) nextID() uint64 {
	b.seq++
	return b.seq
}

type pgSubscription struct {
	broker     *PostgresBroker
	channel    string // set for Subscribe
	allChannel string // set for SubscribeAll
	id         uint64
	once       sync.Once
}

func (s *pgSubscription) Close() error {
	var err error

	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()

		if s.channel != "" {
			delete(b.handlers[s.channel], s.id)
			last := len(b.handlers[s.channel]) == 0
			b.mu.Unlock()

			if last {
				err = b.listener.Unlisten(s.channel)
			}
			return
		}

		delete(b.allSubs[s.allChannel], s.id)
		b.mu.Unlock()
		// Cached tenant channel listens stay in place for future
		// subscribers; they are cheap and the listener owns them.
	})

	return err
}
