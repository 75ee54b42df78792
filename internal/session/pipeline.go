package session

import (
	"context"
	"errors"
	"image"
	"io"

	"github.com/banshee-data/violation.report/internal/vision"
)

// Frame is one unit of input: the decoded pixel buffer plus the external
// detector's output for it. Frames arrive strictly in order.
type Frame struct {
	Index      int
	Image      image.Image
	Detections []vision.Detection

	// SignalBBox is the detector-located traffic light box, nil on frames
	// where the signal was not redetected; the classifier falls back to
	// its cached box then.
	SignalBBox *vision.BBox
}

// FrameSource produces frames for one session. Next returns io.EOF when the
// stream is exhausted; that is the normal termination path.
type FrameSource interface {
	Next() (*Frame, error)
	// FPS reports the source frame rate used for speed calibration.
	FPS() float64
	// FrameCount reports the total frame count, or 0 when unknown (live
	// sources). Progress is only meaningful when it is known.
	FrameCount() int
}

// PlateReader is the external OCR collaborator. A read may fail or return
// junk; callers keep only plausible results.
type PlateReader interface {
	ReadPlate(frame image.Image, bbox vision.BBox) (string, error)
}

// Plate pre-capture zone: while a vehicle's centre is this band above the
// stop line it is close enough for a usable plate read but has not yet
// crossed, so most violators already carry a plate when the violation fires.
const (
	plateZoneDepth  = 300
	plateZoneMargin = 10
	minPlateLen     = 3
)

// Config carries all per-session tuning.
type Config struct {
	Tracker        vision.TrackerConfig
	SpeedLimitKmh  float64 // <= 0 disables speeding checks
	PixelsPerMeter float64

	// StopLineY enables red-light checks when HasStopLine is set.
	StopLineY   int
	HasStopLine bool

	ConfirmationDelayFrames int

	// PersistQueueSize bounds the async persistence queue; zero means
	// DefaultPersistQueueSize.
	PersistQueueSize int
}

// DefaultConfig returns the session defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		Tracker:                 vision.DefaultTrackerConfig(),
		SpeedLimitKmh:           60,
		PixelsPerMeter:          40,
		ConfirmationDelayFrames: vision.DefaultConfirmationDelayFrames,
	}
}

// Pipeline runs the per-frame processing loop for one session. All state is
// owned by a single goroutine; nothing here is safe for concurrent use.
type Pipeline struct {
	sessionID string
	config    Config

	tracker     *vision.Tracker
	speed       *vision.SpeedEstimator
	signals     *vision.SignalClassifier
	crossings   *vision.CrossingDetector
	coordinator *vision.ViolationCoordinator

	plates   PlateReader
	observer Observer
	sink     *violationSink

	framesProcessed int
}

// NewPipeline assembles the processing components for one session. plates,
// evidence, persistence and observer may each be nil to disable that
// collaborator.
func NewPipeline(sessionID string, fps float64, config Config, plates PlateReader, evidence vision.EvidenceSink, persistence vision.PersistenceSink, observer Observer) *Pipeline {
	if observer == nil {
		observer = NopObserver{}
	}

	tracker := vision.NewTracker(config.Tracker)
	speed := vision.NewSpeedEstimator(fps, config.PixelsPerMeter)
	crossings := vision.NewCrossingDetector()
	if config.HasStopLine {
		crossings.SetStopLine(config.StopLineY, config.StopLineY)
	}

	sink := newViolationSink(sessionID, persistence, observer, config.PersistQueueSize)
	coordinator := vision.NewViolationCoordinator(tracker, speed, evidence, sink, vision.ViolationCoordinatorConfig{
		SpeedLimitKmh:           config.SpeedLimitKmh,
		ConfirmationDelayFrames: config.ConfirmationDelayFrames,
	})

	return &Pipeline{
		sessionID:   sessionID,
		config:      config,
		tracker:     tracker,
		speed:       speed,
		signals:     vision.NewSignalClassifier(),
		crossings:   crossings,
		coordinator: coordinator,
		plates:      plates,
		observer:    observer,
		sink:        sink,
	}
}

// Run consumes the source until exhaustion or context cancellation. The
// flush step runs on every exit path so no pending violation is lost.
func (p *Pipeline) Run(ctx context.Context, source FrameSource) (Completion, error) {
	total := source.FrameCount()
	lastFrame := 0

	for {
		// Cooperative stop, checked once per frame boundary. A frame's
		// full pipeline always completes before the next is read.
		if err := ctx.Err(); err != nil {
			vision.Opsf("session %s cancelled at frame %d", p.sessionID, lastFrame)
			break
		}

		frame, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Source failure ends the session normally; flush still runs.
			vision.Opsf("session %s source error at frame %d: %v", p.sessionID, lastFrame, err)
			break
		}

		lastFrame = frame.Index
		p.processFrame(frame, total)
	}

	if err := p.coordinator.Flush(lastFrame); err != nil {
		vision.Opsf("session %s flush: %v", p.sessionID, err)
	}
	p.sink.Close()

	done := Completion{
		SessionID:       p.sessionID,
		FramesProcessed: p.framesProcessed,
		Stats:           p.tracker.Stats(),
		PersistErrors:   p.sink.Errors(),
	}
	p.observer.PublishComplete(done)
	return done, nil
}

// processFrame runs one frame through the full pipeline: classify → track →
// per-track speed, plate capture and violation checks → pending resolution →
// publish.
func (p *Pipeline) processFrame(frame *Frame, totalFrames int) {
	signal := p.signals.ClassifyFrame(frame.Image, frame.SignalBBox)

	snapshots := p.tracker.Update(frame.Detections, frame.Index)

	for i := range snapshots {
		snap := &snapshots[i]
		speedKmh := p.speed.EstimateByID(p.tracker, snap.ID)
		snap.SpeedKmh = speedKmh

		p.capturePlate(frame, snap)

		if p.crossings.Check(snap.ID, snap.BBox, signal) {
			p.coordinator.Report(frame.Image, snap.ID, vision.ViolationRedLight, snap.BBox, signal, frame.Index)
		}
		if p.config.SpeedLimitKmh > 0 && speedKmh > p.config.SpeedLimitKmh {
			p.coordinator.Report(frame.Image, snap.ID, vision.ViolationSpeeding, snap.BBox, signal, frame.Index)
		}

		// Re-read counters: a Report call above may have bumped them.
		if track, err := p.tracker.Get(snap.ID); err == nil {
			snap.ViolationCount = track.ViolationCount
			snap.Plate = track.Plate
		}
	}

	if err := p.coordinator.Resolve(frame.Index); err != nil {
		vision.Opsf("session %s resolve at frame %d: %v", p.sessionID, frame.Index, err)
	}

	p.crossings.Prune(p.tracker.ActiveIDs())
	p.framesProcessed++

	progress := 0
	if totalFrames > 0 {
		progress = (frame.Index + 1) * 100 / totalFrames
	}
	p.observer.PublishFrame(FrameUpdate{
		SessionID:   p.sessionID,
		FrameIndex:  frame.Index,
		Progress:    progress,
		SignalState: signal,
		Vehicles:    snapshots,
		Stats:       p.tracker.Stats(),
	})
}

// capturePlate asks the OCR collaborator for a read while the vehicle sits
// in the pre-capture zone above the stop line and has no plate yet.
func (p *Pipeline) capturePlate(frame *Frame, snap *vision.TrackSnapshot) {
	if p.plates == nil || !p.config.HasStopLine || snap.Plate != "" {
		return
	}
	centerY := snap.BBox.Center().Y
	if centerY <= p.config.StopLineY-plateZoneDepth || centerY >= p.config.StopLineY-plateZoneMargin {
		return
	}

	plate, err := p.plates.ReadPlate(frame.Image, snap.BBox)
	if err != nil {
		vision.Tracef("plate read failed for track %d: %v", snap.ID, err)
		return
	}
	if len(plate) < minPlateLen {
		return
	}
	if err := p.tracker.SetPlate(snap.ID, plate); err == nil {
		snap.Plate = plate
		vision.Diagf("plate captured for track %d: %s", snap.ID, plate)
	}
}

// Stats exposes the tracker's aggregate counters for on-demand queries.
func (p *Pipeline) Stats() vision.TrackerStats {
	return p.tracker.Stats()
}
