// Package registry tracks which users currently hold a live channel to this
// process. Entries are transient: they are created by a successful handshake
// and removed on disconnect, and nothing about them is persisted.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Channel is an open bidirectional connection to a user.
type Channel interface {
	Send(ctx context.Context, text string) error
	Close() error
}

type entry struct {
	lease uint64
	ch    Channel
}

// Registry maps user ids to their current live channel. A reconnect replaces
// the previous channel (last writer wins); a disconnect only removes the
// registration it was issued for.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]entry
	nextLease uint64
	logger    zerolog.Logger
}

// New creates an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// Connect registers ch for userID and returns the lease to pass to
// Disconnect. A channel it supersedes is closed.
func (r *Registry) Connect(userID string, ch Channel) uint64 {
	r.mu.Lock()
	r.nextLease++
	lease := r.nextLease
	prev, replaced := r.entries[userID]
	r.entries[userID] = entry{lease: lease, ch: ch}
	r.mu.Unlock()

	if replaced {
		r.logger.Debug().Str("user_id", userID).Uint64("lease", prev.lease).Msg("superseded live channel")
		if err := prev.ch.Close(); err != nil {
			r.logger.Debug().Err(err).Str("user_id", userID).Msg("close superseded channel")
		}
	}
	return lease
}

// Disconnect removes userID's entry if it still belongs to lease. It reports
// whether an entry was removed.
func (r *Registry) Disconnect(userID string, lease uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.lease != lease {
		return false
	}
	delete(r.entries, userID)
	return true
}

// IsLive reports whether userID has a registered channel.
func (r *Registry) IsLive(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// Count returns the number of live users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Send writes text to userID's channel. delivered is false with a nil error
// when the user is not live. A failed write evicts that channel and returns
// the error; the caller is expected to fall back to the durable log.
func (r *Registry) Send(ctx context.Context, userID, text string) (delivered bool, err error) {
	r.mu.RLock()
	e, ok := r.entries[userID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := e.ch.Send(ctx, text); err != nil {
		if r.Disconnect(userID, e.lease) {
			_ = e.ch.Close()
		}
		return false, fmt.Errorf("registry: send to %s: %w", userID, err)
	}
	return true, nil
}
