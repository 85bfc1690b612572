package bridge

import "sort"

const (
	maxCandidates    = 120
	maxOCRCandidates = 80
	gridSize         = 10
	// ocrCandidateIDOffset keeps converted OCR box ids out of the range
	// suppliers use for native Set-of-Mark candidates.
	ocrCandidateIDOffset = 200
)

// BuildCandidates produces the Set-of-Mark candidate list for a screen:
// supplied candidates win, then converted OCR boxes, then a uniform grid.
// The result is capped and sorted by id.
func BuildCandidates(screen ScreenState) []Candidate {
	var candidates []Candidate
	switch {
	case len(screen.SomCandidates) > 0:
		candidates = append(candidates, screen.SomCandidates...)
	case len(screen.OCRBoxes) > 0:
		candidates = convertOCRBoxes(screen)
	default:
		candidates = gridCandidates(screen.Display)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates
}

func convertOCRBoxes(screen ScreenState) []Candidate {
	boxes := screen.OCRBoxes
	if len(boxes) > maxOCRCandidates {
		boxes = boxes[:maxOCRCandidates]
	}
	cellW := max(1, screen.Display.Width/gridSize)
	cellH := max(1, screen.Display.Height/gridSize)

	candidates := make([]Candidate, 0, len(boxes))
	for i, box := range boxes {
		if box.Width <= 0 || box.Height <= 0 {
			continue
		}
		cx := box.X + box.Width/2
		cy := box.Y + box.Height/2
		candidates = append(candidates, Candidate{
			ID:         ocrCandidateIDOffset + i + 1,
			Label:      box.Text,
			Coarse:     Coarse{Row: clampCell(cy / cellH), Col: clampCell(cx / cellW)},
			ROI:        Rect{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height},
			Center:     Point{X: cx, Y: cy},
			Confidence: box.Confidence,
		})
	}
	return candidates
}

func gridCandidates(display Display) []Candidate {
	cellW := max(1, display.Width/gridSize)
	cellH := max(1, display.Height/gridSize)

	candidates := make([]Candidate, 0, gridSize*gridSize)
	id := 1
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			x := col * cellW
			y := row * cellH
			candidates = append(candidates, Candidate{
				ID:     id,
				Coarse: Coarse{Row: row, Col: col},
				ROI: Rect{
					X:      x,
					Y:      y,
					Width:  max(1, min(cellW, display.Width-x)),
					Height: max(1, min(cellH, display.Height-y)),
				},
				Center: Point{
					X: clampPx(x+cellW/2, display.Width),
					Y: clampPx(y+cellH/2, display.Height),
				},
			})
			id++
		}
	}
	return candidates
}

func clampCell(v int) int {
	if v < 0 {
		return 0
	}
	if v > gridSize-1 {
		return gridSize - 1
	}
	return v
}

func clampPx(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit-1 {
		return limit - 1
	}
	return v
}
