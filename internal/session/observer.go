package session

import "github.com/banshee-data/violation.report/internal/vision"

// FrameUpdate is the per-frame snapshot published to observers for
// rendering and streaming.
type FrameUpdate struct {
	SessionID   string                 `json:"session_id"`
	FrameIndex  int                    `json:"frame_index"`
	Progress    int                    `json:"progress"`
	SignalState vision.SignalState     `json:"signal_state"`
	Vehicles    []vision.TrackSnapshot `json:"vehicles"`
	Stats       vision.TrackerStats    `json:"stats"`
}

// Completion is published once when a session finishes, whether by source
// exhaustion or cancellation.
type Completion struct {
	SessionID       string              `json:"session_id"`
	FramesProcessed int                 `json:"frames_processed"`
	Stats           vision.TrackerStats `json:"stats"`
	PersistErrors   int64               `json:"persist_errors,omitempty"`
}

// Observer receives outward-bound session events. Implementations must not
// block: publishing happens on the frame-processing goroutine.
type Observer interface {
	PublishFrame(update FrameUpdate)
	PublishViolation(sessionID string, rec *vision.ViolationRecord)
	PublishComplete(done Completion)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) PublishFrame(FrameUpdate) {}
func (NopObserver) PublishViolation(string, *vision.ViolationRecord) {}
func (NopObserver) PublishComplete(Completion) {}
