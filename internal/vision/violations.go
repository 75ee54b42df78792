package vision

import (
	"errors"
	"fmt"
	"image"
	"sort"
)

// DefaultConfirmationDelayFrames is how many frames a provisional violation
// waits before resolution, so the recomputed speed rests on a longer track
// history.
const DefaultConfirmationDelayFrames = 5

// EvidenceSink receives a request to capture an evidence image at the moment
// a pending violation is created. Storage is the collaborator's concern; the
// returned path is carried on the finalized record.
type EvidenceSink interface {
	CaptureEvidence(frame image.Image, trackID int64, frameIdx int, vt ViolationType, bbox BBox) (string, error)
}

// PersistenceSink receives finalized violation records. A persist failure is
// recoverable: it is reported upward and the violation is not retried.
type PersistenceSink interface {
	PersistViolation(rec *ViolationRecord) error
}

// PendingViolation is a provisionally detected violation awaiting
// re-validation. It snapshots the evidence available at detection time;
// resolution prefers fresher track state where available.
type PendingViolation struct {
	TrackID      int64
	Type         ViolationType
	FrameIndex   int
	VehicleClass VehicleClass
	PlateText    string
	SignalState  SignalState
	BBox         BBox
	EvidencePath string
}

// ViolationCoordinatorConfig holds tuning for the coordinator.
type ViolationCoordinatorConfig struct {
	// SpeedLimitKmh enables speeding retraction checks; zero or negative
	// means no limit is configured and speeding pendings always finalize.
	SpeedLimitKmh float64
	// ConfirmationDelayFrames is the frames a pending entry waits before
	// resolution; zero means DefaultConfirmationDelayFrames.
	ConfirmationDelayFrames int
}

// ViolationCoordinator separates violation detection from confirmation.
//
// A qualifying event creates a pending entry (after the tracker's
// per-(track, type) dedup gate) and requests an evidence capture. Once
// enough frames have passed the entry is resolved: the speed is recomputed
// from the now-longer history, speeding entries that no longer exceed the
// limit are discarded, and everything else is persisted with the stabilized
// speed and the best plate known at resolution time. Entries resolve exactly
// once; a failed persist is reported but never retried.
type ViolationCoordinator struct {
	tracker  *Tracker
	speed    *SpeedEstimator
	evidence EvidenceSink
	sink     PersistenceSink
	config   ViolationCoordinatorConfig

	// pending holds at most one entry per track ID. A second violation
	// type observed while one is pending waits in deferred and is promoted
	// once the first resolves.
	pending  map[int64]*PendingViolation
	deferred map[int64][]*PendingViolation
}

// NewViolationCoordinator wires the coordinator to its collaborators.
// evidence and sink may be nil; the corresponding step is skipped.
func NewViolationCoordinator(tracker *Tracker, speed *SpeedEstimator, evidence EvidenceSink, sink PersistenceSink, config ViolationCoordinatorConfig) *ViolationCoordinator {
	if config.ConfirmationDelayFrames <= 0 {
		config.ConfirmationDelayFrames = DefaultConfirmationDelayFrames
	}
	return &ViolationCoordinator{
		tracker:  tracker,
		speed:    speed,
		evidence: evidence,
		sink:     sink,
		config:   config,
		pending:  make(map[int64]*PendingViolation),
		deferred: make(map[int64][]*PendingViolation),
	}
}

// Report registers a qualifying violation event for a track. It returns true
// when the event passed the per-(track, type) dedup gate and was queued for
// confirmation; repeat events of a type already counted on the track return
// false and have no effect.
func (c *ViolationCoordinator) Report(frame image.Image, trackID int64, vt ViolationType, bbox BBox, signal SignalState, frameIdx int) bool {
	if !c.tracker.MarkViolation(trackID, vt) {
		return false
	}

	Opsf("violation detected: %s track=%d frame=%d signal=%s", vt, trackID, frameIdx, signal)

	entry := &PendingViolation{
		TrackID:     trackID,
		Type:        vt,
		FrameIndex:  frameIdx,
		SignalState: signal,
		BBox:        bbox,
	}
	if track, err := c.tracker.Get(trackID); err == nil {
		entry.VehicleClass = track.Class
		entry.PlateText = track.Plate
	}

	if c.evidence != nil {
		path, err := c.evidence.CaptureEvidence(frame, trackID, frameIdx, vt, bbox)
		if err != nil {
			Opsf("evidence capture failed for track %d: %v", trackID, err)
		} else {
			entry.EvidencePath = path
		}
	}

	if _, busy := c.pending[trackID]; busy {
		// One pending entry per track; the second type waits its turn.
		c.deferred[trackID] = append(c.deferred[trackID], entry)
		return true
	}
	c.pending[trackID] = entry
	return true
}

// Resolve finalizes or discards every pending entry old enough at the given
// frame. Persist failures are joined into the returned error; the affected
// entries are still removed so a failing store cannot wedge the pipeline.
func (c *ViolationCoordinator) Resolve(frameIdx int) error {
	return c.resolve(frameIdx, false)
}

// Flush resolves every still-pending entry immediately, regardless of age.
// Called at end of stream and on session cancellation so no pending
// violation is silently lost.
func (c *ViolationCoordinator) Flush(frameIdx int) error {
	return c.resolve(frameIdx, true)
}

// PendingCount returns the number of unresolved pending entries, deferred
// ones included.
func (c *ViolationCoordinator) PendingCount() int {
	n := len(c.pending)
	for _, entries := range c.deferred {
		n += len(entries)
	}
	return n
}

func (c *ViolationCoordinator) resolve(frameIdx int, flush bool) error {
	// Two-phase: collect ready IDs first, then mutate the map, so entries
	// promoted from the deferred queue are not resolved in the same pass.
	ready := make([]int64, 0, len(c.pending))
	for id, entry := range c.pending {
		if flush || frameIdx-entry.FrameIndex >= c.config.ConfirmationDelayFrames {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var errs []error
	for _, id := range ready {
		entry := c.pending[id]
		delete(c.pending, id)

		if err := c.finalize(entry); err != nil {
			errs = append(errs, err)
		}

		if queue := c.deferred[id]; len(queue) > 0 {
			c.pending[id] = queue[0]
			if len(queue) == 1 {
				delete(c.deferred, id)
			} else {
				c.deferred[id] = queue[1:]
			}
		}
	}
	if flush {
		// Deferred entries promoted above must drain too.
		if len(c.pending) > 0 {
			if err := c.resolve(frameIdx, true); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// finalize resolves one pending entry: recompute, maybe retract, persist.
func (c *ViolationCoordinator) finalize(entry *PendingViolation) error {
	finalSpeed := c.speed.EstimateByID(c.tracker, entry.TrackID)

	if entry.Type == ViolationSpeeding && c.config.SpeedLimitKmh > 0 && finalSpeed <= c.config.SpeedLimitKmh {
		// The initial reading was a transient spike; the stabilized speed
		// does not support a violation.
		Opsf("discarding speeding violation for track %d: stabilized %.1f km/h within limit %.1f",
			entry.TrackID, finalSpeed, c.config.SpeedLimitKmh)
		return nil
	}

	rec := &ViolationRecord{
		TrackID:      entry.TrackID,
		Type:         entry.Type,
		VehicleClass: entry.VehicleClass,
		PlateText:    entry.PlateText,
		SpeedKmh:     finalSpeed,
		SignalState:  entry.SignalState,
		FrameNumber:  entry.FrameIndex,
		BBox:         entry.BBox,
		EvidencePath: entry.EvidencePath,
	}
	if track, err := c.tracker.Get(entry.TrackID); err == nil {
		if track.Plate != "" {
			rec.PlateText = track.Plate
		}
		rec.P50SpeedKmh, rec.P85SpeedKmh, rec.P95SpeedKmh = track.SpeedPercentiles()
	}

	if c.sink == nil {
		return nil
	}
	if err := c.sink.PersistViolation(rec); err != nil {
		return fmt.Errorf("persist %s for track %d: %w", entry.Type, entry.TrackID, err)
	}
	Diagf("violation finalized: %s track=%d plate=%q speed=%.1f", rec.Type, rec.TrackID, rec.PlateText, rec.SpeedKmh)
	return nil
}
