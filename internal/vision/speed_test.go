package vision

import (
	"math"
	"testing"
)

func trackWithCentroids(points ...Centroid) *Track {
	return &Track{
		ID:            1,
		Class:         ClassCar,
		Centroids:     points,
		violatedTypes: make(map[ViolationType]bool),
	}
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSpeedEstimator_SingleCentroidReturnsCached(t *testing.T) {
	est := NewSpeedEstimator(30, 40)
	track := trackWithCentroids(Centroid{X: 10, Y: 10})
	track.SpeedKmh = 42.5

	if got := est.Estimate(track); got != 42.5 {
		t.Errorf("Estimate with one centroid = %v, want cached 42.5", got)
	}
}

func TestSpeedEstimator_ZeroCalibration(t *testing.T) {
	track := trackWithCentroids(Centroid{X: 0, Y: 0}, Centroid{X: 20, Y: 0})

	if got := NewSpeedEstimator(0, 40).Estimate(track); got != 0 {
		t.Errorf("zero FPS: got %v, want 0", got)
	}
	if got := NewSpeedEstimator(30, 0).Estimate(track); got != 0 {
		t.Errorf("zero pixels-per-meter: got %v, want 0", got)
	}
}

func TestSpeedEstimator_BasicComputation(t *testing.T) {
	// 20 px/frame at 30 fps, 40 px/m: 0.5 m per 1/30 s = 54 km/h.
	est := NewSpeedEstimator(30, 40)
	track := trackWithCentroids(Centroid{X: 0, Y: 0}, Centroid{X: 20, Y: 0})

	got := est.Estimate(track)
	if !almostEqual(got, 54.0, 1e-9) {
		t.Errorf("Estimate = %v, want 54.0", got)
	}
	if track.SpeedKmh != got {
		t.Errorf("speed not cached on track: %v vs %v", track.SpeedKmh, got)
	}
	if len(track.speedHistory) != 1 || track.speedHistory[0] != got {
		t.Errorf("speed history not recorded: %v", track.speedHistory)
	}
}

func TestSpeedEstimator_WindowCapsLookback(t *testing.T) {
	est := NewSpeedEstimator(30, 40)

	// Long history at constant 20 px/frame. Only the last window matters,
	// so the estimate must equal the two-point case.
	var points []Centroid
	for i := 0; i < 12; i++ {
		points = append(points, Centroid{X: i * 20, Y: 0})
	}
	track := trackWithCentroids(points...)

	got := est.Estimate(track)
	if !almostEqual(got, 54.0, 1e-9) {
		t.Errorf("windowed estimate = %v, want 54.0", got)
	}
}

func TestSpeedEstimator_Smoothing(t *testing.T) {
	est := NewSpeedEstimator(30, 40)
	track := trackWithCentroids(Centroid{X: 0, Y: 0}, Centroid{X: 20, Y: 0})

	first := est.Estimate(track)
	if !almostEqual(first, 54.0, 1e-9) {
		t.Fatalf("first estimate = %v, want 54.0", first)
	}

	// Vehicle accelerates: raw over the new window is 81 km/h, smoothed
	// 0.6*54 + 0.4*81 = 64.8.
	track.Centroids = append(track.Centroids, Centroid{X: 60, Y: 0})
	second := est.Estimate(track)
	if !almostEqual(second, 64.8, 1e-9) {
		t.Errorf("smoothed estimate = %v, want 64.8", second)
	}
}

// A vehicle moving at a constant 60 km/h must converge to within 10% of
// the true speed once the window fills.
func TestSpeedEstimator_ConvergesToTrueSpeed(t *testing.T) {
	const fps, ppm = 30.0, 40.0
	// 60 km/h = 16.67 m/s = 666.7 px/s = 22.22 px/frame.
	pxPerFrame := 60.0 / 3.6 * ppm / fps

	est := NewSpeedEstimator(fps, ppm)
	track := trackWithCentroids()

	var got float64
	for i := 0; i < 30; i++ {
		track.Centroids = append(track.Centroids, Centroid{X: int(float64(i) * pxPerFrame), Y: 0})
		if len(track.Centroids) > MaxCentroidHistory {
			track.Centroids = track.Centroids[1:]
		}
		if len(track.Centroids) >= 2 {
			got = est.Estimate(track)
		}
	}

	if math.Abs(got-60.0) > 6.0 {
		t.Errorf("converged estimate = %v, want within 10%% of 60", got)
	}
}

func TestSpeedEstimator_HistoryCapped(t *testing.T) {
	est := NewSpeedEstimator(30, 40)
	track := trackWithCentroids(Centroid{X: 0, Y: 0}, Centroid{X: 20, Y: 0})

	for i := 0; i < MaxSpeedHistoryLength+25; i++ {
		est.Estimate(track)
	}
	if len(track.speedHistory) != MaxSpeedHistoryLength {
		t.Errorf("speed history = %d samples, want cap %d", len(track.speedHistory), MaxSpeedHistoryLength)
	}
}

func TestSpeedEstimator_EstimateByID(t *testing.T) {
	est := NewSpeedEstimator(30, 40)
	tracker := NewTracker(DefaultTrackerConfig())

	if got := est.EstimateByID(tracker, 7); got != 0 {
		t.Errorf("unknown track: got %v, want 0", got)
	}

	tracker.Update([]Detection{carAt(0, 0, 40, 40)}, 1)
	tracker.Update([]Detection{carAt(20, 0, 60, 40)}, 2)
	got := est.EstimateByID(tracker, 1)
	if !almostEqual(got, 54.0, 1e-9) {
		t.Errorf("EstimateByID = %v, want 54.0", got)
	}
}

func TestTrack_SpeedPercentiles(t *testing.T) {
	track := trackWithCentroids()
	if p50, p85, p95 := track.SpeedPercentiles(); p50 != 0 || p85 != 0 || p95 != 0 {
		t.Fatalf("empty history should yield zeros, got %v/%v/%v", p50, p85, p95)
	}

	for v := 1.0; v <= 100.0; v++ {
		track.speedHistory = append(track.speedHistory, v)
	}
	p50, p85, p95 := track.SpeedPercentiles()
	if p50 < 49 || p50 > 51 {
		t.Errorf("p50 = %v, want ~50", p50)
	}
	if p85 < 84 || p85 > 86 {
		t.Errorf("p85 = %v, want ~85", p85)
	}
	if p95 < 94 || p95 > 96 {
		t.Errorf("p95 = %v, want ~95", p95)
	}
	if !(p50 <= p85 && p85 <= p95) {
		t.Errorf("percentiles not monotone: %v %v %v", p50, p85, p95)
	}
}
