package notify

import (
	"context"
	"errors"
	"time"
)

// PushTarget is one registered device endpoint capable of receiving
// out-of-band doorbell alerts for an owner. Targets the provider reports as
// permanently gone are deleted, never retried.
type PushTarget struct {
	ID       string `json:"id" db:"id"`
	OwnerRef string `json:"owner_ref" db:"owner_ref"`

	// Kind selects the delivery adapter ("mqtt", "webhook").
	Kind string `json:"kind" db:"kind"`

	// Endpoint is adapter-specific: an MQTT topic or a webhook URL.
	Endpoint string `json:"endpoint" db:"endpoint"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Alert is the structured doorbell notification pushed to a target.
type Alert struct {
	Title        string `json:"title"`
	Body         string `json:"body"`
	RoomKey      string `json:"room_key"`
	PropertyName string `json:"property_name"`
}

// DeliveryStatus classifies one delivery attempt.
type DeliveryStatus int

const (
	// DeliveryOk: the provider accepted the alert.
	DeliveryOk DeliveryStatus = iota
	// DeliveryGone: the endpoint is permanently dead; prune the target.
	DeliveryGone
	// DeliveryTransient: a temporary failure; the next ring retries
	// naturally, nothing is queued.
	DeliveryTransient
)

// Provider is one delivery adapter. A single attempt per call; retry policy
// belongs to the dispatcher contract, not the adapter.
type Provider interface {
	Name() string
	Deliver(ctx context.Context, target PushTarget, alert Alert) (DeliveryStatus, error)
}

// TargetRepository stores push target registrations.
type TargetRepository interface {
	Save(ctx context.Context, t PushTarget) error
	ListByOwner(ctx context.Context, ownerRef string) ([]PushTarget, error)
	Delete(ctx context.Context, id string) error
}

// Property is the directory record a room key resolves to.
type Property struct {
	Ref      string `json:"ref" db:"ref"`
	RoomKey  string `json:"room_key" db:"room_key"`
	Name     string `json:"name" db:"name"`
	OwnerRef string `json:"owner_ref" db:"owner_ref"`

	// AutoOnline marks properties whose visitor side is permanently
	// connected (a wired intercom panel). The visitor client checks this
	// flag to decide whether ringing is needed; it is not a session state.
	AutoOnline bool `json:"auto_online" db:"auto_online"`
}

// PropertyDirectory resolves room keys to properties. Read-only here; the
// CRUD side of properties lives outside this service.
type PropertyDirectory interface {
	ByRoomKey(ctx context.Context, roomKey string) (Property, error)
	ByRef(ctx context.Context, ref string) (Property, error)
}

var (
	ErrTargetNotFound   = errors.New("push target not found")
	ErrPropertyNotFound = errors.New("property not found")
	ErrInvalidTarget    = errors.New("invalid push target")
)
