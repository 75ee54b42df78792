package vision

// IoU computes the Intersection-over-Union of two boxes. The result is 0
// when the boxes do not overlap or when either box has zero area.
func IoU(a, b BBox) float64 {
	x1 := maxInt(a.X1, b.X1)
	y1 := maxInt(a.Y1, b.Y1)
	x2 := minInt(a.X2, b.X2)
	y2 := minInt(a.Y2, b.Y2)

	if x2 < x1 || y2 < y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// candidate is one (detection, track) pairing considered by MatchDetections.
type candidate struct {
	trackID int64
	iou     float64
}

// Assignment is the result of matching one frame of detections against the
// live track set. MatchedTrack[i] holds the track ID assigned to detection i,
// or 0 when the detection starts a new track.
type Assignment struct {
	MatchedTrack []int64
}

// MatchDetections greedily assigns detections to tracks by IoU.
//
// For each detection the unmatched track with the highest IoU is selected,
// provided the pair shares a class label and the IoU is both strictly
// positive and at or above threshold. Ties are broken by lowest track ID so
// repeated runs over the same input produce identical assignments. Each
// track matches at most one detection per frame.
//
// This is a pure function: neither detections nor tracks are mutated.
func MatchDetections(detections []Detection, tracks []*Track, threshold float64) Assignment {
	assignment := Assignment{MatchedTrack: make([]int64, len(detections))}
	used := make(map[int64]bool, len(tracks))

	for di, det := range detections {
		if det.BBox.Area() == 0 {
			// Degenerate box: never matches, never seeds a track.
			continue
		}

		best := candidate{}
		for _, track := range tracks {
			if used[track.ID] || track.Class != det.Class {
				continue
			}
			overlap := IoU(det.BBox, track.BBox)
			if overlap <= 0 || overlap < threshold {
				continue
			}
			if overlap > best.iou || (overlap == best.iou && best.trackID != 0 && track.ID < best.trackID) {
				best = candidate{trackID: track.ID, iou: overlap}
			}
		}

		if best.trackID != 0 {
			assignment.MatchedTrack[di] = best.trackID
			used[best.trackID] = true
		}
	}

	return assignment
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
