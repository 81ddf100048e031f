package rank

import "testing"

func TestRankForBoundaries(t *testing.T) {
	for i, tier := range Tiers() {
		if got := RankFor(tier.Threshold); got != tier {
			t.Errorf("RankFor(%d) = %q, want tier %d %q", tier.Threshold, got.Label, i, tier.Label)
		}
		if tier.Threshold > 0 {
			if got := RankFor(tier.Threshold - 1); got == tier {
				t.Errorf("RankFor(%d) should be below %q", tier.Threshold-1, tier.Label)
			}
		}
	}
	if RankFor(0).Label != "Shokyū (Beginner)" {
		t.Errorf("unexpected lowest tier %q", RankFor(0).Label)
	}
	if RankFor(-5) != RankFor(0) {
		t.Error("negative counts should map to the lowest tier")
	}
}

func TestRankForMonotonic(t *testing.T) {
	prev := RankFor(0).Threshold
	for c := 1; c <= 250; c++ {
		cur := RankFor(c).Threshold
		if cur < prev {
			t.Fatalf("rank decreased at count %d", c)
		}
		prev = cur
	}
}

func TestNextRankFor(t *testing.T) {
	top := Tiers()[len(Tiers())-1]
	if NextRankFor(top.Threshold) != nil || NextRankFor(top.Threshold+40) != nil {
		t.Error("expected nil at or above the top tier")
	}

	tests := []struct {
		count     int
		next      string
		progress  float64
		remaining int
	}{
		{0, "Kikizake Apprentice", 0, 3},
		{1, "Kikizake Apprentice", 1.0 / 3.0, 2},
		{3, "Kurabito", 0, 7},
		{24, "Tōji", 14.0 / 15.0, 1},
		{75, "Sake Sensei", 0.5, 25},
	}
	for _, tt := range tests {
		p := NextRankFor(tt.count)
		if p == nil {
			t.Fatalf("NextRankFor(%d) = nil", tt.count)
		}
		if p.Next.Label != tt.next || p.Remaining != tt.remaining {
			t.Errorf("NextRankFor(%d) = %+v", tt.count, p)
		}
		if diff := p.Progress - tt.progress; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("NextRankFor(%d) progress = %v, want %v", tt.count, p.Progress, tt.progress)
		}
	}
}

func TestNextRankForProgressInRange(t *testing.T) {
	for c := 0; c < 100; c++ {
		p := NextRankFor(c)
		if p == nil {
			t.Fatalf("unexpected nil at %d", c)
		}
		if p.Progress < 0 || p.Progress >= 1 {
			t.Errorf("progress %v out of [0,1) at count %d", p.Progress, c)
		}
	}
}

func TestCompare(t *testing.T) {
	if Compare(1, 2) != nil {
		t.Error("no tier change expected between 1 and 2")
	}
	c := Compare(9, 10)
	if c == nil || c.From.Label != "Kikizake Apprentice" || c.To.Label != "Kurabito" {
		t.Errorf("unexpected change %+v", c)
	}
}
