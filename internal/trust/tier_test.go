package trust

import (
	"errors"
	"testing"
)

func TestTierOrdering(t *testing.T) {
	// Disclosure order: public < network < friends < close < intimate.
	ordered := []Tier{TierPublic, TierNetwork, TierFriends, TierClose, TierIntimate}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1] >= ordered[i] {
			t.Errorf("tier %s not ordered below %s", ordered[i-1], ordered[i])
		}
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Tier
		wantErr bool
	}{
		{name: "public", input: "public", want: TierPublic},
		{name: "network", input: "network", want: TierNetwork},
		{name: "friends", input: "friends", want: TierFriends},
		{name: "close", input: "close", want: TierClose},
		{name: "intimate", input: "intimate", want: TierIntimate},
		{name: "unknown name", input: "bestie", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "case sensitive", input: "Friends", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTier(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTier) {
					t.Errorf("ParseTier(%q) error = %v, want ErrInvalidTier", tt.input, err)
				}
				if got != TierPublic {
					t.Errorf("ParseTier(%q) on error = %v, want TierPublic", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTier(%q) unexpected error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseTier(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTierStringRoundTrip(t *testing.T) {
	for _, tier := range AllTiers {
		parsed, err := ParseTier(tier.String())
		if err != nil {
			t.Fatalf("ParseTier(%q) unexpected error = %v", tier.String(), err)
		}
		if parsed != tier {
			t.Errorf("round trip %v -> %q -> %v", tier, tier.String(), parsed)
		}
	}
}

func TestTierString_UnknownRendersPublic(t *testing.T) {
	if got := Tier(42).String(); got != "public" {
		t.Errorf("Tier(42).String() = %q, want %q", got, "public")
	}
}

func TestInMemoryStoreLifecycle(t *testing.T) {
	store := NewInMemoryStore()

	// Unknown peer has no tier.
	if _, ok := store.TrustLevel("did:key:alice"); ok {
		t.Error("TrustLevel() for unknown peer reported a tier")
	}

	if err := store.SetTrustLevel("did:key:alice", TierFriends); err != nil {
		t.Fatalf("SetTrustLevel() unexpected error = %v", err)
	}

	tier, ok := store.TrustLevel("did:key:alice")
	if !ok || tier != TierFriends {
		t.Errorf("TrustLevel() = (%v, %v), want (TierFriends, true)", tier, ok)
	}

	// Reassignment overwrites.
	if err := store.SetTrustLevel("did:key:alice", TierIntimate); err != nil {
		t.Fatalf("SetTrustLevel() unexpected error = %v", err)
	}
	if tier, _ := store.TrustLevel("did:key:alice"); tier != TierIntimate {
		t.Errorf("TrustLevel() after update = %v, want TierIntimate", tier)
	}

	// Removal behaves like never set.
	if err := store.RemoveTrustLevel("did:key:alice"); err != nil {
		t.Fatalf("RemoveTrustLevel() unexpected error = %v", err)
	}
	if _, ok := store.TrustLevel("did:key:alice"); ok {
		t.Error("TrustLevel() after removal reported a tier")
	}
}

func TestInMemoryStore_RejectsInvalidTier(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.SetTrustLevel("did:key:alice", Tier(99)); !errors.Is(err, ErrInvalidTier) {
		t.Errorf("SetTrustLevel(invalid) error = %v, want ErrInvalidTier", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d after rejected set, want 0", store.Len())
	}
}
