package inmemory

import (
	"log/slog"
	"sync"

	"github.com/sharetube/teamsync/internal/repository/peer"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// repo indexes connected peers by scope. P is the connection handle.
type repo[P comparable] struct {
	scopes    map[string]map[P]string
	peerScope map[P]string
	mu        sync.RWMutex
	logger    *slog.Logger
}

func NewRepo[P comparable](logger *slog.Logger) *repo[P] {
	return &repo[P]{
		scopes:    make(map[string]map[P]string),
		peerScope: make(map[P]string),
		logger:    logger,
	}
}

// Add registers p in scopeID under senderID.
func (r *repo[P]) Add(scopeID string, p P, senderID string) error {
	funcName := "peer.inmemory.Add"
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug(funcName, "scope_id", scopeID, "sender_id", senderID)
	if _, ok := r.peerScope[p]; ok {
		r.logger.Info(funcName, "error", peer.ErrAlreadyExists)
		return peer.ErrAlreadyExists
	}

	if r.scopes[scopeID] == nil {
		r.scopes[scopeID] = make(map[P]string)
	}
	r.scopes[scopeID][p] = senderID
	r.peerScope[p] = scopeID

	return nil
}

// Remove drops p and returns the scope it was in.
func (r *repo[P]) Remove(p P) (string, error) {
	funcName := "peer.inmemory.Remove"
	r.mu.Lock()
	defer r.mu.Unlock()

	scopeID, ok := r.peerScope[p]
	if !ok {
		r.logger.Info(funcName, "error", peer.ErrNotFound)
		return "", peer.ErrNotFound
	}

	delete(r.peerScope, p)
	delete(r.scopes[scopeID], p)
	if len(r.scopes[scopeID]) == 0 {
		delete(r.scopes, scopeID)
	}

	r.logger.Debug(funcName, "scope_id", scopeID)
	return scopeID, nil
}

// SetSender records the sender id once the peer has identified itself.
func (r *repo[P]) SetSender(p P, senderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	scopeID, ok := r.peerScope[p]
	if !ok {
		return peer.ErrNotFound
	}
	r.scopes[scopeID][p] = senderID
	return nil
}

func (r *repo[P]) Sender(p P) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopeID, ok := r.peerScope[p]
	if !ok {
		return "", peer.ErrNotFound
	}
	return r.scopes[scopeID][p], nil
}

// Peers returns the peers of scopeID except the excluded ones.
func (r *repo[P]) Peers(scopeID string, except ...P) []P {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]P, 0, len(r.scopes[scopeID]))
	for p := range r.scopes[scopeID] {
		if slices.Contains(except, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *repo[P]) Count(scopeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes[scopeID])
}

// Scopes lists scopes with at least one peer, in order.
func (r *repo[P]) Scopes() []string {
	r.mu.RLock()
	ids := maps.Keys(r.scopes)
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
