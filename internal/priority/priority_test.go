package priority

import (
	"testing"

	"github.com/Marx-A00/rec-sub006/internal/models"
)

func TestNumericOrdering(t *testing.T) {
	if Numeric(models.TierAdmin) >= Numeric(models.TierUserFacing) {
		t.Fatal("admin must outrank user-facing")
	}
	if Numeric(models.TierUserFacing) >= Numeric(models.TierBackground) {
		t.Fatal("user-facing must outrank background")
	}
}

func TestOnlyBackgroundIsPausable(t *testing.T) {
	for _, tier := range Lanes() {
		want := tier == models.TierBackground
		if IsPausable(tier) != want {
			t.Fatalf("IsPausable(%s) = %v, want %v", tier, !want, want)
		}
	}
}

func TestFromString(t *testing.T) {
	if _, ok := FromString("admin"); !ok {
		t.Fatal("admin should parse")
	}
	if _, ok := FromString("vip"); ok {
		t.Fatal("unknown tier should not parse")
	}
}
