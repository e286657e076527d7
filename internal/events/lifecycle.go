package events

import (
	"context"
)

// Lifecycle is what the bus drives when tenants come and go.
type Lifecycle interface {
	Provision(ctx context.Context, tenantID string) error
	Teardown(ctx context.Context, tenantID string) error
}

// Bind wires TenantCreated to Provision and TenantDeleted to Teardown, and
// publishes the outcome of each.
func Bind(b *Bus, lc Lifecycle) {
	b.On(TenantCreated, func(ctx context.Context, ev Event) error {
		err := lc.Provision(ctx, ev.TenantID)
		b.Publish(ctx, outcome(ev.TenantID, TenantReady, err))
		return err
	})
	b.On(TenantDeleted, func(ctx context.Context, ev Event) error {
		err := lc.Teardown(ctx, ev.TenantID)
		b.Publish(ctx, outcome(ev.TenantID, TenantDropped, err))
		return err
	})
}

func outcome(tenantID string, ok Kind, err error) Event {
	if err != nil {
		return Event{Kind: TenantFailed, TenantID: tenantID, Error: err.Error()}
	}
	return Event{Kind: ok, TenantID: tenantID}
}
