package model

import "time"

// ResearchBooklet is the final Markdown artifact merging all four findings
// for a batch (spec §3, §4.7). Immutable once assembled.
type ResearchBooklet struct {
	BookletID   string
	BatchID     string
	GeneratedAt time.Time
	FileName    string
	Content     string
	Findings    [NumStages]AIResearchFinding
}

// Confidence is the minimum confidence across all findings (spec §3, §8
// property 5).
func (b ResearchBooklet) Confidence() float64 {
	min := 1.0
	for _, f := range b.Findings {
		if f.Confidence < min {
			min = f.Confidence
		}
	}
	return min
}
