package trust

import "sync"

// Store is the local trust circle: the mapping from peer identity to the
// tier the local user has assigned. Only the local user mutates it. A
// missing entry means the peer is untrusted and resolves to public-tier
// precision; removal behaves identically to never having been set.
type Store interface {
	// TrustLevel returns the tier assigned to a peer and whether one is set.
	TrustLevel(peer string) (Tier, bool)

	// SetTrustLevel assigns a tier to a peer.
	SetTrustLevel(peer string, tier Tier) error

	// RemoveTrustLevel deletes the peer's entry. The peer then resolves
	// to public, never to any previously held tier.
	RemoveTrustLevel(peer string) error
}

// InMemoryStore is a mutex-guarded in-memory Store. It is the default
// store and is also used in tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	tiers map[string]Tier
}

// NewInMemoryStore creates an empty in-memory trust circle.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tiers: make(map[string]Tier),
	}
}

// TrustLevel returns the tier assigned to a peer and whether one is set.
func (s *InMemoryStore) TrustLevel(peer string) (Tier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tier, ok := s.tiers[peer]
	return tier, ok
}

// SetTrustLevel assigns a tier to a peer.
func (s *InMemoryStore) SetTrustLevel(peer string, tier Tier) error {
	if !tier.Valid() {
		return ErrInvalidTier
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[peer] = tier
	return nil
}

// RemoveTrustLevel deletes the peer's entry.
func (s *InMemoryStore) RemoveTrustLevel(peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tiers, peer)
	return nil
}

// Len returns the number of peers with an assigned tier.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiers)
}
