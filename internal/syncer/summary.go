package syncer

import (
	"sort"

	"github.com/ppiankov/peekr/internal/source"
)

// Summary aggregates one sync cycle.
type Summary struct {
	Results  []Result
	NewItems int
	Failures []Result
}

// Summarize orders results by platform and sums the successful counts.
func Summarize(results map[source.Platform]Result) Summary {
	var s Summary
	for _, r := range results {
		s.Results = append(s.Results, r)
	}
	sort.Slice(s.Results, func(i, j int) bool {
		return s.Results[i].Platform < s.Results[j].Platform
	})
	for _, r := range s.Results {
		if r.OK() {
			s.NewItems += r.Count
			continue
		}
		s.Failures = append(s.Failures, r)
	}
	return s
}
