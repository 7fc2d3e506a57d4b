package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Owner tokens gate the owner-side doorbell actions. The visitor side is
// deliberately unauthenticated: possession of the room link is the
// visitor's credential.
type Claims struct {
	jwt.RegisteredClaims

	OwnerRef  string    `json:"owner_ref"`
	TokenType TokenType `json:"token_type"`
}
