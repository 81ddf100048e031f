// Package rank maps a taster's count of distinct tastings to a progression tier.
package rank

// Tier is one named progression level.
type Tier struct {
	Threshold int    `json:"threshold"`
	Label     string `json:"label"`
}

// tiers is ordered by strictly increasing threshold. The first threshold must be 0.
var tiers = []Tier{
	{Threshold: 0, Label: "Shokyū (Beginner)"},
	{Threshold: 3, Label: "Kikizake Apprentice"},
	{Threshold: 10, Label: "Kurabito"},
	{Threshold: 25, Label: "Tōji"},
	{Threshold: 50, Label: "Sake Samurai"},
	{Threshold: 100, Label: "Sake Sensei"},
}

// Tiers returns a copy of the tier table, lowest first.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

// RankFor returns the highest tier whose threshold is <= count.
// Negative counts are treated as zero.
func RankFor(count int) Tier {
	return tiers[indexFor(count)]
}

// Progress describes the distance to the next tier.
type Progress struct {
	Next      Tier    `json:"next"`
	Progress  float64 `json:"progress"`  // in [0, 1) between the current and next threshold
	Remaining int     `json:"remaining"` // tastings still needed
}

// NextRankFor returns nil when count is already at the top tier.
func NextRankFor(count int) *Progress {
	i := indexFor(count)
	if i == len(tiers)-1 {
		return nil
	}
	if count < 0 {
		count = 0
	}
	cur, next := tiers[i], tiers[i+1]
	return &Progress{
		Next:      next,
		Progress:  float64(count-cur.Threshold) / float64(next.Threshold-cur.Threshold),
		Remaining: next.Threshold - count,
	}
}

// Change is a tier transition between two counts.
type Change struct {
	From Tier `json:"from"`
	To   Tier `json:"to"`
}

// Compare reports the tier change between before and after, or nil when the tier is unchanged.
func Compare(before, after int) *Change {
	from, to := RankFor(before), RankFor(after)
	if from == to {
		return nil
	}
	return &Change{From: from, To: to}
}

func indexFor(count int) int {
	for i := len(tiers) - 1; i > 0; i-- {
		if count >= tiers[i].Threshold {
			return i
		}
	}
	return 0
}
