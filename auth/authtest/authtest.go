// Package authtest provides in-memory auth collaborators for tests.
package authtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/sockethub/auth"
)

// StaticTokens is an Authenticator that accepts a fixed set of tokens, each
// mapped to the identity claim it carries.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticTokens creates an authenticator from token → claim pairs.
func NewStaticTokens(tokens map[string]string) *StaticTokens {
	s := &StaticTokens{tokens: make(map[string]string, len(tokens))}
	for k, v := range tokens {
		s.tokens[k] = v
	}
	return s
}

// Add registers token as carrying claim.
func (s *StaticTokens) Add(token, claim string) {
	s.mu.Lock()
	s.tokens[token] = claim
	s.mu.Unlock()
}

// CheckAuthentication implements auth.Authenticator.
func (s *StaticTokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	s.mu.RLock()
	claim, ok := s.tokens[tok]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return userInfo(claim), nil
}

type userInfo string

func (u userInfo) UserID() string       { return string(u) }
func (u userInfo) Claims(ref any) error { return nil }

// Users is an in-memory auth.UserStore keyed by phone number.
type Users struct {
	mu    sync.RWMutex
	users map[string]auth.User
	err   error
}

// NewUsers creates a store holding users.
func NewUsers(users ...auth.User) *Users {
	s := &Users{users: make(map[string]auth.User)}
	for _, u := range users {
		s.users[u.Phonenumber] = u
	}
	return s
}

// Add inserts or replaces u.
func (s *Users) Add(u auth.User) {
	s.mu.Lock()
	s.users[u.Phonenumber] = u
	s.mu.Unlock()
}

// Fail makes every later FindUser call return err. Pass nil to recover.
func (s *Users) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// FindUser implements auth.UserStore.
func (s *Users) FindUser(_ context.Context, claim string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	u, ok := s.users[claim]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

var (
	_ auth.Authenticator = (*StaticTokens)(nil)
	_ auth.UserStore     = (*Users)(nil)
)
