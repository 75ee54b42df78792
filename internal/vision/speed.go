package vision

import "math"

// Speed smoothing weights. The smoothed value leans on the previous estimate
// to damp jitter from detection box noise.
const (
	speedSmoothPrev = 0.6
	speedSmoothRaw  = 0.4
	// speedWindowFrames is the maximum number of recent centroids used for
	// one displacement measurement.
	speedWindowFrames = 5
)

// SpeedEstimator converts a track's pixel displacement into a smoothed
// speed in km/h. It holds only calibration; all per-track state lives on
// the Track itself.
type SpeedEstimator struct {
	FPS            float64 // Frames per second of the source video
	PixelsPerMeter float64 // Calibration factor: pixels per real-world meter
}

// NewSpeedEstimator creates a speed estimator for the given calibration.
func NewSpeedEstimator(fps, pixelsPerMeter float64) *SpeedEstimator {
	return &SpeedEstimator{FPS: fps, PixelsPerMeter: pixelsPerMeter}
}

// Estimate computes the track's current speed in km/h and caches the
// smoothed value back onto the track.
//
// The displacement is the Euclidean pixel distance between the oldest and
// newest centroid in a window of up to the last speedWindowFrames entries,
// over the frame span between them. With fewer than two centroids the last
// cached speed is returned unchanged. A non-positive FPS yields 0 rather
// than a division by zero.
func (e *SpeedEstimator) Estimate(track *Track) float64 {
	if track == nil {
		return 0
	}
	if len(track.Centroids) < 2 {
		return track.SpeedKmh
	}
	if e.FPS <= 0 || e.PixelsPerMeter <= 0 {
		return 0
	}

	window := speedWindowFrames
	if len(track.Centroids) < window {
		window = len(track.Centroids)
	}
	p1 := track.Centroids[len(track.Centroids)-window]
	p2 := track.Centroids[len(track.Centroids)-1]

	dx := float64(p2.X - p1.X)
	dy := float64(p2.Y - p1.Y)
	pixelDist := math.Sqrt(dx*dx + dy*dy)

	distMeters := pixelDist / e.PixelsPerMeter
	// The oldest and newest centroid in the window are window-1 frame
	// intervals apart; anything else biases the estimate low.
	elapsedSec := float64(window-1) / e.FPS
	speedKmh := distMeters / elapsedSec * 3.6

	if track.SpeedKmh > 0 {
		speedKmh = track.SpeedKmh*speedSmoothPrev + speedKmh*speedSmoothRaw
	}

	track.SpeedKmh = speedKmh
	track.speedHistory = append(track.speedHistory, speedKmh)
	if len(track.speedHistory) > MaxSpeedHistoryLength {
		track.speedHistory = track.speedHistory[1:]
	}
	return speedKmh
}

// EstimateByID recomputes the speed for a live track by ID. Unknown IDs
// return 0.
func (e *SpeedEstimator) EstimateByID(t *Tracker, id int64) float64 {
	track, err := t.Get(id)
	if err != nil {
		return 0
	}
	return e.Estimate(track)
}
