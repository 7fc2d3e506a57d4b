package conference

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// StaticProvider derives meeting URLs locally under a fixed base (any
// public Jitsi deployment works this way: the room exists once someone
// opens the link). Used for local development and tests.
type StaticProvider struct {
	baseURL string
}

func NewStaticProvider(baseURL string) *StaticProvider {
	return &StaticProvider{baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) CreateMeetingLink(ctx context.Context, roomName string) (string, error) {
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(roomName), " ", "-"))
	if slug == "" {
		slug = "door"
	}
	// Random suffix so an old link never collides with a new episode's room.
	return fmt.Sprintf("%s/%s-%s", p.baseURL, slug, uuid.NewString()[:8]), nil
}
