package trust

import (
	"errors"
	"testing"
)

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()

	if _, ok := s.TrustLevel("did:key:peer"); ok {
		t.Error("unknown peer reported a tier; want none")
	}

	if err := s.SetTrustLevel("did:key:peer", TierFriends); err != nil {
		t.Fatalf("SetTrustLevel() unexpected error = %v", err)
	}
	tier, ok := s.TrustLevel("did:key:peer")
	if !ok || tier != TierFriends {
		t.Errorf("TrustLevel() = (%v, %v), want (friends, true)", tier, ok)
	}

	// Reassignment overwrites, it does not layer.
	if err := s.SetTrustLevel("did:key:peer", TierIntimate); err != nil {
		t.Fatalf("SetTrustLevel() unexpected error = %v", err)
	}
	if tier, _ := s.TrustLevel("did:key:peer"); tier != TierIntimate {
		t.Errorf("TrustLevel() after upgrade = %v, want intimate", tier)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}

	if err := s.RemoveTrustLevel("did:key:peer"); err != nil {
		t.Fatalf("RemoveTrustLevel() unexpected error = %v", err)
	}
	if _, ok := s.TrustLevel("did:key:peer"); ok {
		t.Error("removed peer still reports a tier; removal must resolve to none")
	}
}

func TestInMemoryStoreRejectsInvalidTier(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.SetTrustLevel("did:key:peer", Tier(200)); !errors.Is(err, ErrInvalidTier) {
		t.Errorf("SetTrustLevel(invalid) error = %v, want ErrInvalidTier", err)
	}
	if _, ok := s.TrustLevel("did:key:peer"); ok {
		t.Error("failed assignment still stored a tier")
	}
}

func TestRemoveUnknownPeerIsNoop(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.RemoveTrustLevel("did:key:stranger"); err != nil {
		t.Errorf("RemoveTrustLevel(unknown) error = %v, want nil", err)
	}
}
