package bridge

import "strings"

// ocrScoreThreshold is the minimum relevance score an OCR-selected candidate
// must clear. Below it the route escalates to the vision-language path
// instead of proceeding uncertain.
const ocrScoreThreshold = 0.55

var sendHints = []string{"send", "发送", "发 送", "sent", "deliver", "提交", "确认"}

func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// heuristicCandidate returns the id of a candidate whose label contains the
// destination, or failing that an action keyword. Zero means no match.
func heuristicCandidate(candidates []Candidate, intent Intent) int {
	destination := normalizeLabel(intent.Destination)
	if destination != "" {
		for _, c := range candidates {
			label := normalizeLabel(c.Label)
			if label != "" && strings.Contains(label, destination) {
				return c.ID
			}
		}
	}
	for _, c := range candidates {
		label := strings.ToLower(c.Label)
		for _, hint := range sendHints {
			if label != "" && strings.Contains(label, hint) {
				return c.ID
			}
		}
	}
	return 0
}

// scoreOCRCandidates ranks candidates by weighted relevance: destination
// substring, action keyword, screen-position bias toward the lower half
// where composer controls live, and the OCR confidence itself. Returns the
// best id and its score; id zero means nothing scored at all.
func scoreOCRCandidates(candidates []Candidate, intent Intent, display Display) (int, float64) {
	destination := normalizeLabel(intent.Destination)
	bestID := 0
	bestScore := 0.0
	for _, c := range candidates {
		label := normalizeLabel(c.Label)
		if label == "" {
			continue
		}
		score := 0.0
		if destination != "" && strings.Contains(label, destination) {
			score += 0.5
		}
		for _, hint := range sendHints {
			if strings.Contains(label, hint) {
				score += 0.25
				break
			}
		}
		if display.Height > 0 && c.Center.Y > display.Height/2 {
			score += 0.15
		}
		score += 0.10 * clampFloat(c.Confidence, 0, 1)
		if score > bestScore {
			bestScore = score
			bestID = c.ID
		}
	}
	return bestID, bestScore
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
