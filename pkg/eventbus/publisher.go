package eventbus

import (
	"context"

	"github.com/anumate/control-plane/pkg/tenancy"
)

// Publisher stamps envelopes with the caller's tenant and correlation id
// before handing them to the bus.
type Publisher struct {
	bus    Bus
	source string
}

func NewPublisher(bus Bus, source string) *Publisher {
	return &Publisher{bus: bus, source: source}
}

// Emit publishes a payload on a subject, filling the envelope from context.
func (p *Publisher) Emit(ctx context.Context, subject, runID string, payload any) error {
	if p == nil || p.bus == nil {
		return nil
	}
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	evt, err := New(subject, p.source, tid, payload)
	if err != nil {
		return err
	}
	evt.RunID = runID
	evt.CorrelationID = tenancy.CorrelationID(ctx)
	return p.bus.Publish(ctx, subject, evt)
}
