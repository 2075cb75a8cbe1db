package detection

import "sort"

// IoU returns the intersection over union of two boxes.
func IoU(a, b Detection) float64 {
	inter := a.Rect().Intersect(b.Rect())
	if inter.Empty() {
		return 0
	}
	i := float64(inter.Dx() * inter.Dy())
	union := float64(a.Area()+b.Area()) - i
	if union <= 0 {
		return 0
	}
	return i / union
}

// NMS performs greedy non-maximum suppression per class. Boxes overlapping a
// higher-confidence box of the same class by more than iouThreshold are
// dropped. The result is ordered by descending confidence.
func NMS(dets []Detection, iouThreshold float64) []Detection {
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Detection, 0, len(sorted))
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == d.ClassID && IoU(k, d) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}
