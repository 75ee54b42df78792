package vision

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ErrTrackNotFound is returned by operations addressing a track ID that is
// not (or no longer) live. Expired IDs are never reused, so a stale ID stays
// invalid for the rest of the session.
var ErrTrackNotFound = errors.New("track not found")

// Constants for tracker configuration
const (
	// MaxCentroidHistory caps the per-track centroid history used for speed
	// estimation; the oldest entry is evicted first.
	MaxCentroidHistory = 30
	// MaxSpeedHistoryLength caps the per-track speed samples kept for
	// percentile computation.
	MaxSpeedHistoryLength = 100
)

// TrackerConfig holds configuration parameters for the tracker.
type TrackerConfig struct {
	IoUThreshold     float64 // Minimum IoU to consider the same vehicle
	MaxMissingFrames int     // Consecutive missing frames before removal
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		IoUThreshold:     0.3,
		MaxMissingFrames: 10,
	}
}

// Track is a stateful identity assigned to one physical vehicle across
// consecutive frames. Tracks are owned exclusively by a Tracker; callers see
// them through TrackSnapshot or the read accessors.
type Track struct {
	// Identity. IDs start at 1 and strictly increase; an ID is never
	// reused, even after the track expires.
	ID    int64
	Class VehicleClass

	// Current observation
	BBox       BBox
	Confidence float64

	// Recent centroid history, oldest first, capped at MaxCentroidHistory.
	Centroids []Centroid

	// Lifecycle
	FramesMissing int
	FirstFrame    int
	LastFrame     int

	// Violation bookkeeping. violatedTypes makes MarkViolation idempotent
	// per (track, type); ViolationCount is the size of that set.
	violatedTypes  map[ViolationType]bool
	ViolationCount int

	// Last known license plate, empty until a reader supplies one.
	Plate string

	// Smoothed speed cached by the speed estimator.
	SpeedKmh float64

	// Speed samples for percentile computation, capped at
	// MaxSpeedHistoryLength.
	speedHistory []float64
}

// HasViolated reports whether any violation type has been recorded.
func (tr *Track) HasViolated() bool {
	return tr.ViolationCount > 0
}

// SpeedPercentiles returns the p50/p85/p95 of the track's recorded speed
// samples, or zeros when no samples exist yet.
func (tr *Track) SpeedPercentiles() (p50, p85, p95 float64) {
	if len(tr.speedHistory) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(tr.speedHistory))
	copy(sorted, tr.speedHistory)
	sort.Float64s(sorted)
	p50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	p85 = stat.Quantile(0.85, stat.Empirical, sorted, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return p50, p85, p95
}

// Tracker owns the set of live tracks for one session. It is the only
// component that creates, mutates, or removes Track entries. A session is
// single-threaded, so the Tracker takes no locks; cross-session sharing is
// forbidden.
type Tracker struct {
	tracks map[int64]*Track
	nextID int64
	config TrackerConfig

	// totalViolations is cumulative and survives track expiry.
	totalViolations int64
}

// NewTracker creates a new tracker with the specified configuration.
func NewTracker(config TrackerConfig) *Tracker {
	return &Tracker{
		tracks: make(map[int64]*Track),
		nextID: 1,
		config: config,
	}
}

// Update processes one frame of detections.
//
// Every live track's missing counter is advanced first, then detections are
// matched greedily by IoU (same class only). Matched tracks take the new
// box, confidence and centroid; unmatched detections allocate new tracks;
// tracks missing for more than MaxMissingFrames are removed afterwards.
//
// The returned snapshots cover exactly the tracks matched or created this
// frame, in detection order. Tracks that were only aged out do not appear.
func (t *Tracker) Update(detections []Detection, frameIdx int) []TrackSnapshot {
	for _, track := range t.tracks {
		track.FramesMissing++
	}

	assignment := MatchDetections(detections, t.liveTracksByID(), t.config.IoUThreshold)

	snapshots := make([]TrackSnapshot, 0, len(detections))
	for di, det := range detections {
		if det.BBox.Area() == 0 {
			Diagf("dropping degenerate detection bbox=%+v class=%s", det.BBox, det.Class)
			continue
		}

		var track *Track
		if id := assignment.MatchedTrack[di]; id != 0 {
			track = t.tracks[id]
			track.BBox = det.BBox
			track.Confidence = det.Confidence
			track.LastFrame = frameIdx
			track.FramesMissing = 0
			track.Centroids = append(track.Centroids, det.BBox.Center())
			if len(track.Centroids) > MaxCentroidHistory {
				track.Centroids = track.Centroids[1:]
			}
		} else {
			track = t.createTrack(det, frameIdx)
		}

		snapshots = append(snapshots, TrackSnapshot{
			ID:             track.ID,
			BBox:           track.BBox,
			Class:          track.Class,
			Confidence:     track.Confidence,
			ViolationCount: track.ViolationCount,
			Plate:          track.Plate,
			SpeedKmh:       track.SpeedKmh,
		})
	}

	for id, track := range t.tracks {
		if track.FramesMissing > t.config.MaxMissingFrames {
			Tracef("expiring track %d after %d missing frames", id, track.FramesMissing)
			delete(t.tracks, id)
		}
	}

	return snapshots
}

// createTrack allocates a new track from an unmatched detection.
func (t *Tracker) createTrack(det Detection, frameIdx int) *Track {
	track := &Track{
		ID:            t.nextID,
		Class:         det.Class,
		BBox:          det.BBox,
		Confidence:    det.Confidence,
		Centroids:     []Centroid{det.BBox.Center()},
		FirstFrame:    frameIdx,
		LastFrame:     frameIdx,
		violatedTypes: make(map[ViolationType]bool),
		speedHistory:  make([]float64, 0, MaxSpeedHistoryLength),
	}
	t.nextID++
	t.tracks[track.ID] = track
	return track
}

// Get returns the live track with the given ID.
func (t *Tracker) Get(id int64) (*Track, error) {
	track, ok := t.tracks[id]
	if !ok {
		return nil, ErrTrackNotFound
	}
	return track, nil
}

// MarkViolation records a violation of the given type against a track.
// It returns true exactly once per distinct (track, type) pair; repeated
// calls with the same type, or calls against an unknown ID, return false.
func (t *Tracker) MarkViolation(id int64, vt ViolationType) bool {
	track, ok := t.tracks[id]
	if !ok {
		return false
	}
	if track.violatedTypes[vt] {
		return false
	}
	track.violatedTypes[vt] = true
	track.ViolationCount++
	t.totalViolations++
	return true
}

// SetPlate records the latest license-plate read for a track. Unknown IDs
// are a no-op.
func (t *Tracker) SetPlate(id int64, plate string) error {
	track, ok := t.tracks[id]
	if !ok {
		return ErrTrackNotFound
	}
	track.Plate = plate
	return nil
}

// ActiveIDs returns the IDs of all live tracks in ascending order.
func (t *Tracker) ActiveIDs() []int64 {
	ids := make([]int64, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// liveTracksByID returns live tracks ordered by ascending ID so matching is
// deterministic regardless of map iteration order.
func (t *Tracker) liveTracksByID() []*Track {
	tracks := make([]*Track, 0, len(t.tracks))
	for _, track := range t.tracks {
		tracks = append(tracks, track)
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
	return tracks
}

// Stats returns aggregate counters for the session. TotalViolations counts
// every distinct (track, type) pair ever marked, including on tracks that
// have since expired.
func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		TotalUniqueVehicles: t.nextID - 1,
		ActiveVehicles:      len(t.tracks),
		TotalViolations:     t.totalViolations,
	}
}
