package notify

import (
	"context"
	"fmt"
	"log/slog"

	"doorbell-platform/internal/session"
)

// Dispatcher wakes the owner up when a doorbell rings and no owner client is
// watching the fanout channel.
//
// Contract (per target, per ring):
// - one delivery attempt, no retry queue;
// - permanent failure deletes the target;
// - transient failure is logged and left for the next ring.
//
// The push path is the secondary channel. A missed push is recoverable: the
// visitor's UI stays in ringing and the owner reconciles on next subscribe.
type Dispatcher struct {
	targets   TargetRepository
	directory PropertyDirectory
	providers map[string]Provider
	log       *slog.Logger
}

func NewDispatcher(targets TargetRepository, directory PropertyDirectory, log *slog.Logger, providers ...Provider) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	byKind := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byKind[p.Name()] = p
	}
	return &Dispatcher{
		targets:   targets,
		directory: directory,
		providers: byKind,
		log:       log,
	}
}

// AlertRinging delivers the ring alert to every registered target of the
// session's owner. Errors never propagate to the visitor who rang; they are
// a property of the owner's connectivity, not of the ring that succeeded.
func (d *Dispatcher) AlertRinging(ctx context.Context, s session.Session) {
	propertyName := s.PropertyRef
	if d.directory != nil {
		if p, err := d.directory.ByRef(ctx, s.PropertyRef); err == nil {
			propertyName = p.Name
		} else {
			d.log.Warn("property lookup failed for ring alert", "property_ref", s.PropertyRef, "err", err)
		}
	}

	alert := Alert{
		Title:        "Someone is at the door",
		Body:         fmt.Sprintf("The doorbell at %s is ringing", propertyName),
		RoomKey:      s.RoomKey,
		PropertyName: propertyName,
	}

	targets, err := d.targets.ListByOwner(ctx, s.OwnerRef)
	if err != nil {
		d.log.Error("push target lookup failed", "owner_ref", s.OwnerRef, "err", err)
		return
	}
	if len(targets) == 0 {
		d.log.Info("no push targets registered", "owner_ref", s.OwnerRef, "room_key", s.RoomKey)
		return
	}

	for _, t := range targets {
		d.deliverOne(ctx, t, alert)
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, t PushTarget, alert Alert) {
	p, ok := d.providers[t.Kind]
	if !ok {
		// A registration for an adapter this deployment does not run is as
		// dead as a gone endpoint.
		d.log.Warn("pruning target with unknown kind", "target_id", t.ID, "kind", t.Kind)
		d.prune(ctx, t)
		return
	}

	status, err := p.Deliver(ctx, t, alert)
	switch status {
	case DeliveryOk:
	case DeliveryGone:
		d.log.Info("pruning dead push target", "target_id", t.ID, "provider", p.Name(), "err", err)
		d.prune(ctx, t)
	case DeliveryTransient:
		d.log.Warn("push delivery failed, will retry on next ring", "target_id", t.ID, "provider", p.Name(), "err", err)
	}
}

func (d *Dispatcher) prune(ctx context.Context, t PushTarget) {
	if err := d.targets.Delete(ctx, t.ID); err != nil {
		d.log.Error("push target prune failed", "target_id", t.ID, "err", err)
	}
}
