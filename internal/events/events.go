// Package events dispatches tenant lifecycle events to in-process handlers and
// mirrors them onto Redis for other instances and operator tooling.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisstore "github.com/gosuda/tenantry/internal/store/redis"
)

// Kind names a lifecycle event.
type Kind string

const (
	TenantCreated Kind = "tenant.created"
	TenantDeleted Kind = "tenant.deleted"
	TenantReady   Kind = "tenant.ready"
	TenantFailed  Kind = "tenant.failed"
	TenantDropped Kind = "tenant.dropped"
)

// Event is one lifecycle transition of a tenant.
type Event struct {
	Kind     Kind      `json:"kind"`
	TenantID string    `json:"tenant_id"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Handler reacts to an event. Handlers run synchronously in Dispatch.
type Handler func(ctx context.Context, ev Event) error

// Publisher mirrors events to other processes.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber is the receiving side of Publisher.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Bus routes events by kind.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[Kind][]Handler
	publisher Publisher
}

// New creates a Bus. A nil publisher keeps events in-process.
func New(publisher Publisher) *Bus {
	return &Bus{handlers: make(map[Kind][]Handler), publisher: publisher}
}

// On registers h for kind. Handlers run in registration order.
func (b *Bus) On(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Dispatch runs every handler for ev.Kind and then publishes ev. All handlers
// run even if one fails; the returned error joins their failures. Publishing
// is best effort.
func (b *Bus) Dispatch(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[ev.Kind]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	b.Publish(ctx, ev)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("events.Bus.Dispatch: %s: %w", ev.Kind, err)
	}
	return nil
}

// Publish mirrors ev without running handlers.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b.publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("encode lifecycle event")
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, ch := range []string{redisstore.LifecycleChannel, redisstore.TenantChannel(ev.TenantID)} {
		if err := b.publisher.Publish(ctx, ch, payload); err != nil {
			log.Warn().Err(err).
				Str("kind", string(ev.Kind)).
				Str("tenant_id", ev.TenantID).
				Str("channel", ch).
				Msg("publish lifecycle event")
		}
	}
}

// Watch decodes events from channel until ctx ends and passes them to fn.
// Undecodable payloads are skipped.
func Watch(ctx context.Context, sub Subscriber, channel string, fn func(Event)) error {
	msgs, cleanup, err := sub.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("events.Watch: %w", err)
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("skip malformed lifecycle event")
				continue
			}
			fn(ev)
		}
	}
}
