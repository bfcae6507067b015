package users

import (
	"context"
	"errors"
	"sync"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
)

var ErrUserNotFound = errors.New("user not found")

// Directory resolves user ids to display identities. The relay never writes
// users; the identity service owns them.
type Directory interface {
	Lookup(ctx context.Context, id string) (*domain.User, error)
}

// MemoryDirectory is a fixed set of users, used by the memory storage driver
// and in tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func NewMemoryDirectory(users ...domain.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]domain.User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *MemoryDirectory) Put(u domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *MemoryDirectory) Lookup(_ context.Context, id string) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}
