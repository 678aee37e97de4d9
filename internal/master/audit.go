package master

import (
	"context"

	"github.com/sustenet/sustenet/internal/events"
)

// ClusterHistory persists cluster registrations. *db.AuditStore implements it.
type ClusterHistory interface {
	RecordClusterEvent(ctx context.Context, name, ip string, port int, event string) error
}

const auditHandler = "audit_store"

// SubscribeAudit records cluster promotions and removals in store. Writes
// happen on the bus goroutines, never on the dispatcher.
func SubscribeAudit(bus *events.EventBus, store ClusterHistory) {
	record := func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ClusterPayload)
		if !ok {
			return nil
		}
		return store.RecordClusterEvent(ctx, p.Name, p.IP, int(p.Port), string(e.Type))
	}
	bus.Subscribe(events.EventClusterPromoted, auditHandler, record)
	bus.Subscribe(events.EventClusterRemoved, auditHandler, record)
}
