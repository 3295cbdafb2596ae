package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the identity claim carried by the token.
	UserID() string
	// Claims unmarshalls the token's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// User is an application user a realtime connection is bound to.
type User struct {
	ID          int64  `json:"id"`
	Phonenumber string `json:"phonenumber"`
	Name        string `json:"name,omitempty"`
}

// UserStore resolves an identity claim to a User.
type UserStore interface {
	// FindUser returns nil, nil when no user matches claim.
	FindUser(ctx context.Context, claim string) (*User, error)
}
