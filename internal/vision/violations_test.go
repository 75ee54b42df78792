package vision

import (
	"errors"
	"fmt"
	"image"
	"testing"
)

type memorySink struct {
	records []*ViolationRecord
	fail    error
}

func (s *memorySink) PersistViolation(rec *ViolationRecord) error {
	if s.fail != nil {
		return s.fail
	}
	s.records = append(s.records, rec)
	return nil
}

type memoryEvidence struct {
	captures int
	fail     error
}

func (e *memoryEvidence) CaptureEvidence(_ image.Image, trackID int64, frameIdx int, vt ViolationType, _ BBox) (string, error) {
	e.captures++
	if e.fail != nil {
		return "", e.fail
	}
	return fmt.Sprintf("evidence/%d_%d.jpg", trackID, frameIdx), nil
}

func coordinatorFixture(t *testing.T, limit float64) (*ViolationCoordinator, *Tracker, *memorySink, *memoryEvidence) {
	t.Helper()
	tracker := NewTracker(DefaultTrackerConfig())
	speed := NewSpeedEstimator(30, 40)
	sink := &memorySink{}
	evidence := &memoryEvidence{}
	coord := NewViolationCoordinator(tracker, speed, evidence, sink, ViolationCoordinatorConfig{
		SpeedLimitKmh: limit,
	})
	return coord, tracker, sink, evidence
}

// advance feeds the tracker a steadily moving vehicle so its track stays
// live and accrues centroid history.
func advance(tracker *Tracker, fromFrame, toFrame, pxPerFrame int) {
	for f := fromFrame; f <= toFrame; f++ {
		y := f * pxPerFrame
		tracker.Update([]Detection{{
			BBox:       BBox{X1: 100, Y1: y, X2: 160, Y2: y + 60},
			Class:      ClassCar,
			Confidence: 0.9,
		}}, f)
	}
}

func TestCoordinator_ReportAndResolve(t *testing.T) {
	coord, tracker, sink, evidence := coordinatorFixture(t, 0)
	advance(tracker, 0, 10, 2)

	if !coord.Report(nil, 1, ViolationRedLight, BBox{X1: 100, Y1: 20, X2: 160, Y2: 80}, SignalRed, 10) {
		t.Fatal("first report should pass the dedup gate")
	}
	if evidence.captures != 1 {
		t.Errorf("evidence captures = %d, want 1", evidence.captures)
	}
	if coord.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", coord.PendingCount())
	}

	// Not old enough yet.
	if err := coord.Resolve(12); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 0 {
		t.Fatal("entry resolved before the confirmation delay elapsed")
	}

	advance(tracker, 11, 15, 2)
	if err := coord.Resolve(15); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("records = %d, want 1", len(sink.records))
	}

	rec := sink.records[0]
	if rec.Type != ViolationRedLight || rec.TrackID != 1 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.SignalState != SignalRed {
		t.Errorf("signal state = %v, want red", rec.SignalState)
	}
	if rec.EvidencePath == "" {
		t.Error("evidence path missing from record")
	}
	if rec.SpeedKmh <= 0 {
		t.Error("resolved record should carry the recomputed speed")
	}
	if coord.PendingCount() != 0 {
		t.Errorf("PendingCount after resolve = %d, want 0", coord.PendingCount())
	}
}

func TestCoordinator_DedupGate(t *testing.T) {
	coord, tracker, _, evidence := coordinatorFixture(t, 0)
	advance(tracker, 0, 5, 2)

	if !coord.Report(nil, 1, ViolationRedLight, BBox{}, SignalRed, 5) {
		t.Fatal("first report rejected")
	}
	if coord.Report(nil, 1, ViolationRedLight, BBox{}, SignalRed, 6) {
		t.Error("duplicate type on the same track must be rejected")
	}
	if evidence.captures != 1 {
		t.Errorf("duplicate report must not capture evidence, captures=%d", evidence.captures)
	}
	if coord.Report(nil, 99, ViolationRedLight, BBox{}, SignalRed, 6) {
		t.Error("unknown track must be rejected")
	}
}

func TestCoordinator_SecondTypeDeferred(t *testing.T) {
	coord, tracker, sink, _ := coordinatorFixture(t, 0)
	advance(tracker, 0, 10, 2)

	coord.Report(nil, 1, ViolationRedLight, BBox{}, SignalRed, 10)
	if !coord.Report(nil, 1, ViolationSpeeding, BBox{}, SignalRed, 11) {
		t.Fatal("second type should be accepted and deferred")
	}
	if coord.PendingCount() != 2 {
		t.Fatalf("PendingCount = %d, want 2", coord.PendingCount())
	}

	// First resolution pass finalizes only the red-light entry and
	// promotes the deferred speeding entry.
	advance(tracker, 11, 16, 2)
	if err := coord.Resolve(16); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 || sink.records[0].Type != ViolationRedLight {
		t.Fatalf("first pass records = %+v, want one red light", sink.records)
	}
	if coord.PendingCount() != 1 {
		t.Fatalf("promoted entry missing, PendingCount = %d", coord.PendingCount())
	}

	// The promoted entry keeps its original detection frame, so it is
	// already old enough on the next pass.
	advance(tracker, 17, 22, 2)
	if err := coord.Resolve(22); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 2 || sink.records[1].Type != ViolationSpeeding {
		t.Fatalf("second pass records = %+v, want red light then speeding", sink.records)
	}
}

func TestCoordinator_SpeedingRetraction(t *testing.T) {
	coord, tracker, sink, _ := coordinatorFixture(t, 60)

	// Slow vehicle: 2 px/frame at 30 fps, 40 px/m is ~5.4 km/h, far under
	// the 60 km/h limit, so the speeding entry must be discarded.
	advance(tracker, 0, 10, 2)
	coord.Report(nil, 1, ViolationSpeeding, BBox{}, SignalGreen, 10)

	advance(tracker, 11, 16, 2)
	if err := coord.Resolve(16); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 0 {
		t.Fatalf("retracted speeding violation was persisted: %+v", sink.records)
	}
	if coord.PendingCount() != 0 {
		t.Errorf("retracted entry still pending, count = %d", coord.PendingCount())
	}
}

func TestCoordinator_RedLightNeverRetracted(t *testing.T) {
	coord, tracker, sink, _ := coordinatorFixture(t, 60)

	// Same slow vehicle, but red-light violations do not depend on speed.
	advance(tracker, 0, 10, 2)
	coord.Report(nil, 1, ViolationRedLight, BBox{}, SignalRed, 10)

	advance(tracker, 11, 16, 2)
	if err := coord.Resolve(16); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("red-light record missing, got %d", len(sink.records))
	}
}

func TestCoordinator_FlushResolvesImmediately(t *testing.T) {
	coord, tracker, sink, _ := coordinatorFixture(t, 0)
	advance(tracker, 0, 10, 2)

	coord.Report(nil, 1, ViolationRedLight, BBox{}, SignalRed, 10)
	coord.Report(nil, 1, ViolationSpeeding, BBox{}, SignalRed, 10)

	// Flush drains both the pending entry and the deferred queue behind
	// it, with no confirmation delay.
	if err := coord.Flush(10); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 2 {
		t.Fatalf("flush persisted %d records, want 2", len(sink.records))
	}
	if coord.PendingCount() != 0 {
		t.Errorf("PendingCount after flush = %d, want 0", coord.PendingCount())
	}
}

func TestCoordinator_PlatePreferredFromLiveTrack(t *testing.T) {
	coord, tracker, sink, _ := coordinatorFixture(t, 0)
	advance(tracker, 0, 10, 2)

	// No plate known at detection time.
	coord.Report(nil, 1, ViolationRedLight, BBox{}, SignalRed, 10)

	// Plate read arrives during the confirmation window.
	advance(tracker, 11, 15, 2)
	if err := tracker.SetPlate(1, "XY987ZT"); err != nil {
		t.Fatal(err)
	}
	if err := coord.Resolve(16); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 {
		t.Fatal("record missing")
	}
	if sink.records[0].PlateText != "XY987ZT" {
		t.Errorf("plate = %q, want the fresher read XY987ZT", sink.records[0].PlateText)
	}
}

func TestCoordinator_ResolveAfterTrackExpiry(t *testing.T) {
	coord, tracker, sink, _ := coordinatorFixture(t, 0)
	advance(tracker, 0, 10, 2)
	coord.Report(nil, 1, ViolationRedLight, BBox{}, SignalRed, 10)

	// The vehicle leaves the scene before confirmation; the snapshot taken
	// at detection time still finalizes.
	for f := 11; f <= 25; f++ {
		tracker.Update(nil, f)
	}
	if err := coord.Resolve(25); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expired-track violation lost, records = %d", len(sink.records))
	}
	if sink.records[0].VehicleClass != ClassCar {
		t.Errorf("class snapshot lost on expiry: %+v", sink.records[0])
	}
}

func TestCoordinator_PersistFailureReportedOnce(t *testing.T) {
	coord, tracker, sink, _ := coordinatorFixture(t, 0)
	sink.fail = errors.New("disk full")

	advance(tracker, 0, 10, 2)
	coord.Report(nil, 1, ViolationRedLight, BBox{}, SignalRed, 10)

	err := coord.Resolve(16)
	if err == nil {
		t.Fatal("persist failure must surface from Resolve")
	}
	if coord.PendingCount() != 0 {
		t.Error("failed entry must still be removed, not retried")
	}

	// A later pass does not retry it.
	sink.fail = nil
	if err := coord.Resolve(30); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 0 {
		t.Errorf("failed violation was retried: %+v", sink.records)
	}
}

func TestCoordinator_EvidenceFailureNonFatal(t *testing.T) {
	coord, tracker, sink, evidence := coordinatorFixture(t, 0)
	evidence.fail = errors.New("encoder broken")

	advance(tracker, 0, 10, 2)
	if !coord.Report(nil, 1, ViolationRedLight, BBox{}, SignalRed, 10) {
		t.Fatal("evidence failure must not reject the report")
	}
	if err := coord.Resolve(16); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 {
		t.Fatal("record missing after evidence failure")
	}
	if sink.records[0].EvidencePath != "" {
		t.Errorf("evidence path should be empty, got %q", sink.records[0].EvidencePath)
	}
}
