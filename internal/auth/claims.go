package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for the reference backend.
// Access tokens carry the identity snapshot; refresh tokens carry only user_id so
// group changes take effect on the next refresh.
type Claims struct {
	jwt.RegisteredClaims

	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Groups    []string  `json:"groups,omitempty"`
	Superuser bool      `json:"is_superuser,omitempty"`
	TokenType TokenType `json:"token_type"`
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Username: c.Username, Groups: c.Groups, Superuser: c.Superuser}
}
