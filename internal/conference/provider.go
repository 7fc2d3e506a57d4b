package conference

import "context"

// Provider creates the conferencing link for a call. The state machine
// invokes it at most once per episode and caches the result on the session
// row; adapters never need their own dedup.
//
// Rules:
// - No provider SDK calls outside conference adapters.
// - The returned URL is handed to both sides as-is; the transport of the
//   call itself is entirely the provider's business.
type Provider interface {
	Name() string
	CreateMeetingLink(ctx context.Context, roomName string) (string, error)
}
