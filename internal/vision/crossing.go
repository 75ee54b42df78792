package vision

// LineSide is a vehicle's position relative to the configured stop line.
type LineSide string

const (
	SideBefore LineSide = "before"
	SideAfter  LineSide = "after"
)

// CrossingDetector tracks which side of the stop line each vehicle is on
// and raises a red-light violation only on the before→after transition.
// With no stop line configured the detector is disabled and never fires.
type CrossingDetector struct {
	stopLineY  int
	configured bool

	// side holds the last observed side per track ID, defaulting to
	// SideBefore on first sighting.
	side map[int64]LineSide
}

// NewCrossingDetector creates a detector with no stop line configured.
func NewCrossingDetector() *CrossingDetector {
	return &CrossingDetector{side: make(map[int64]LineSide)}
}

// SetStopLine configures the stop line from two endpoints; the line is
// treated as horizontal at the average of the endpoint y-coordinates.
func (d *CrossingDetector) SetStopLine(y1, y2 int) {
	d.stopLineY = (y1 + y2) / 2
	d.configured = true
}

// StopLineY returns the configured stop-line y and whether one is set.
func (d *CrossingDetector) StopLineY() (int, bool) {
	return d.stopLineY, d.configured
}

// Check evaluates one track against the stop line for the current frame.
//
// The track is "after" the line once its bbox bottom edge exceeds the stop
// line y. The stored side is always overwritten with the current side, so a
// vehicle sitting past the line never re-fires; only the frame on which it
// crosses while the signal is red reports a violation.
func (d *CrossingDetector) Check(trackID int64, bbox BBox, signal SignalState) bool {
	if !d.configured {
		return false
	}

	current := SideBefore
	if bbox.Y2 > d.stopLineY {
		current = SideAfter
	}

	previous, seen := d.side[trackID]
	if !seen {
		previous = SideBefore
	}
	d.side[trackID] = current

	return signal == SignalRed && previous == SideBefore && current == SideAfter
}

// Prune drops side state for tracks no longer in the active set. Callers
// invoke this after the tracker has expired tracks; pruning is never
// automatic.
func (d *CrossingDetector) Prune(activeIDs []int64) {
	active := make(map[int64]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}
	for id := range d.side {
		if !active[id] {
			delete(d.side, id)
		}
	}
}
