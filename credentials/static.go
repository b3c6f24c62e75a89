package credentials

import (
	"context"
	"sync"

	"github.com/edulab/authcore"
	"github.com/edulab/authcore/password"
)

// StaticUser is one entry of a StaticProvider.
type StaticUser struct {
	ID           string
	Identifier   string
	Name         string
	Roles        []string
	PasswordHash string
}

// StaticProvider serves a fixed user list from memory.
type StaticProvider struct {
	hasher password.Hasher
	eq     equalizer

	mu           sync.RWMutex
	byIdentifier map[string]StaticUser
	byID         map[string]StaticUser
}

func NewStaticProvider(hasher password.Hasher, users ...StaticUser) *StaticProvider {
	p := &StaticProvider{
		hasher:       hasher,
		byIdentifier: make(map[string]StaticUser, len(users)),
		byID:         make(map[string]StaticUser, len(users)),
	}
	for _, u := range users {
		p.byIdentifier[u.Identifier] = u
		p.byID[u.ID] = u
	}
	return p
}

// AddUser hashes pw and stores the user, replacing any user with the same identifier.
func (p *StaticProvider) AddUser(id, identifier, name, pw string, roles ...string) error {
	hash, err := p.hasher.Hash(pw)
	if err != nil {
		return err
	}
	u := StaticUser{ID: id, Identifier: identifier, Name: name, Roles: roles, PasswordHash: hash}

	p.mu.Lock()
	p.byIdentifier[identifier] = u
	p.byID[id] = u
	p.mu.Unlock()
	return nil
}

func (p *StaticProvider) Authenticate(ctx context.Context, identifier, pw string) (authcore.Identity, error) {
	if err := contextDone(ctx); err != nil {
		return authcore.Identity{}, err
	}

	p.mu.RLock()
	u, ok := p.byIdentifier[identifier]
	p.mu.RUnlock()
	if !ok {
		p.eq.burn(p.hasher, pw)
		return authcore.Identity{}, authcore.ErrUserNotFound
	}
	if err := verify(p.hasher, pw, u.PasswordHash); err != nil {
		return authcore.Identity{}, err
	}
	return identityOf(u), nil
}

func (p *StaticProvider) GetIdentity(_ context.Context, userID string) (authcore.Identity, error) {
	p.mu.RLock()
	u, ok := p.byID[userID]
	p.mu.RUnlock()
	if !ok {
		return authcore.Identity{}, authcore.ErrUserNotFound
	}
	return identityOf(u), nil
}

func identityOf(u StaticUser) authcore.Identity {
	return authcore.Identity{
		UserID: u.ID,
		Name:   u.Name,
		Roles:  append([]string(nil), u.Roles...),
	}
}
