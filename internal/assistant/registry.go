// Package assistant serves the chat WebSocket endpoint of the dev backend:
// it authenticates connections, persists messages, rate-limits and bills
// senders and produces assistant replies.
package assistant

import (
	"log/slog"
	"sync"
)

// Registry tracks open chat connections per conversation so messages can be
// relayed to every participant.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[*peer]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]map[*peer]struct{})}
}

func (r *Registry) register(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.active[p.conversationID]
	if !ok {
		peers = make(map[*peer]struct{})
		r.active[p.conversationID] = peers
	}
	peers[p] = struct{}{}
	slog.Info("Chat connection registered",
		"user_id", p.userID, "conversation_id", p.conversationID, "participants", len(peers))
}

func (r *Registry) unregister(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.active[p.conversationID]
	if !ok {
		return
	}
	if _, exists := peers[p]; !exists {
		return
	}
	delete(peers, p)
	if len(peers) == 0 {
		delete(r.active, p.conversationID)
	}
	slog.Info("Chat connection unregistered", "user_id", p.userID, "conversation_id", p.conversationID)
}

// others returns the peers in p's conversation except p itself.
func (r *Registry) others(p *peer) []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*peer
	for other := range r.active[p.conversationID] {
		if other != p {
			out = append(out, other)
		}
	}
	return out
}

// Count returns the number of open connections in a conversation.
func (r *Registry) Count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active[conversationID])
}

// CloseAll closes every open connection with a going-away status.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	var all []*peer
	for _, peers := range r.active {
		for p := range peers {
			all = append(all, p)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range all {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			p.close(goingAway, reason)
		}(p)
	}
	wg.Wait()
	if len(all) > 0 {
		slog.Info("Closed chat connections", "count", len(all), "reason", reason)
	}
}
