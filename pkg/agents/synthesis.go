package agents

import "github.com/Mindburn-Labs/icgl/pkg/contracts"

// Synthesize merges agent results. Recommendations and concerns are
// deduplicated by exact text in first-seen order. Confidence is the mean over
// results with confidence > 0; an all-zero set yields 0.
func Synthesize(results []*contracts.AgentResult) *contracts.SynthesisResult {
	out := &contracts.SynthesisResult{
		Results:         results,
		Recommendations: []string{},
		Concerns:        []string{},
	}
	seenRec := make(map[string]bool)
	seenCon := make(map[string]bool)
	var sum float64
	var n int
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, rec := range r.Recommendations {
			if !seenRec[rec] {
				seenRec[rec] = true
				out.Recommendations = append(out.Recommendations, rec)
			}
		}
		for _, c := range r.Concerns {
			if !seenCon[c] {
				seenCon[c] = true
				out.Concerns = append(out.Concerns, c)
			}
		}
		if r.Confidence > 0 {
			sum += r.Confidence
			n++
		}
	}
	if n > 0 {
		out.Confidence = sum / float64(n)
	}
	return out
}
