package notify

import (
	"context"
	"sync"
)

// MemoryTargetRepo is an in-memory TargetRepository for tests.
type MemoryTargetRepo struct {
	mu      sync.Mutex
	targets map[string]PushTarget
}

func NewMemoryTargetRepo() *MemoryTargetRepo {
	return &MemoryTargetRepo{targets: make(map[string]PushTarget)}
}

func (r *MemoryTargetRepo) Save(ctx context.Context, t PushTarget) error {
	if t.ID == "" || t.OwnerRef == "" {
		return ErrInvalidTarget
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[t.ID] = t
	return nil
}

func (r *MemoryTargetRepo) ListByOwner(ctx context.Context, ownerRef string) ([]PushTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PushTarget
	for _, t := range r.targets {
		if t.OwnerRef == ownerRef {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryTargetRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[id]; !ok {
		return ErrTargetNotFound
	}
	delete(r.targets, id)
	return nil
}

// MemoryDirectory is an in-memory PropertyDirectory for tests.
type MemoryDirectory struct {
	mu    sync.Mutex
	byKey map[string]Property
	byRef map[string]Property
}

func NewMemoryDirectory(props ...Property) *MemoryDirectory {
	d := &MemoryDirectory{
		byKey: make(map[string]Property),
		byRef: make(map[string]Property),
	}
	for _, p := range props {
		d.byKey[p.RoomKey] = p
		d.byRef[p.Ref] = p
	}
	return d
}

func (d *MemoryDirectory) ByRoomKey(ctx context.Context, roomKey string) (Property, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byKey[roomKey]
	if !ok {
		return Property{}, ErrPropertyNotFound
	}
	return p, nil
}

func (d *MemoryDirectory) ByRef(ctx context.Context, ref string) (Property, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byRef[ref]
	if !ok {
		return Property{}, ErrPropertyNotFound
	}
	return p, nil
}
