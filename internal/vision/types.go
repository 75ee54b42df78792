package vision

// VehicleClass is the detector-assigned class of a vehicle detection.
// A track keeps the class it was created with for its whole life.
type VehicleClass string

const (
	ClassCar        VehicleClass = "car"
	ClassMotorcycle VehicleClass = "motorcycle"
	ClassBus        VehicleClass = "bus"
	ClassTruck      VehicleClass = "truck"
)

// SignalState is the classified colour of the traffic signal for one frame.
type SignalState string

const (
	SignalRed     SignalState = "red"
	SignalGreen   SignalState = "green"
	SignalYellow  SignalState = "yellow"
	SignalUnknown SignalState = "unknown"
)

// ViolationType identifies a violation class. Each type is counted at most
// once per track.
type ViolationType string

const (
	ViolationRedLight ViolationType = "Red Light Violation"
	ViolationSpeeding ViolationType = "Speeding Violation"
)

// BBox is an axis-aligned bounding box in pixel space.
// X2/Y2 are exclusive of the box only in the sense that area is
// (X2-X1)*(Y2-Y1); a box with X2 <= X1 or Y2 <= Y1 is degenerate.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Area returns the pixel area of the box, or 0 when degenerate.
func (b BBox) Area() int {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the integer centroid of the box (floor division).
func (b BBox) Center() Centroid {
	return Centroid{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Centroid is a box centre in pixel coordinates.
type Centroid struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Detection is a single per-frame detector output. Detections are ephemeral;
// they are consumed by one Tracker.Update call and never stored.
type Detection struct {
	BBox       BBox         `json:"bbox"`
	Class      VehicleClass `json:"class_name"`
	Confidence float64      `json:"confidence"`
}

// TrackSnapshot is the per-frame view of a matched or newly created track,
// returned by Tracker.Update for rendering and streaming.
type TrackSnapshot struct {
	ID             int64        `json:"id"`
	BBox           BBox         `json:"bbox"`
	Class          VehicleClass `json:"class_name"`
	Confidence     float64      `json:"confidence"`
	ViolationCount int          `json:"violation_count"`
	Plate          string       `json:"license_plate,omitempty"`
	SpeedKmh       float64      `json:"speed_kmh"`
}

// TrackerStats holds aggregate counters for one tracker session.
// TotalViolations is cumulative: it survives track expiry.
type TrackerStats struct {
	TotalUniqueVehicles int64 `json:"total_unique_vehicles"`
	ActiveVehicles      int   `json:"active_vehicles"`
	TotalViolations     int64 `json:"total_violations"`
}

// ViolationRecord is a finalized violation handed to the persistence
// collaborator once a pending violation survives confirmation.
type ViolationRecord struct {
	TrackID      int64         `json:"track_id"`
	Type         ViolationType `json:"violation_type"`
	VehicleClass VehicleClass  `json:"vehicle_class"`
	PlateText    string        `json:"license_plate"`
	SpeedKmh     float64       `json:"speed_kmh"`
	P50SpeedKmh  float64       `json:"p50_speed_kmh"`
	P85SpeedKmh  float64       `json:"p85_speed_kmh"`
	P95SpeedKmh  float64       `json:"p95_speed_kmh"`
	SignalState  SignalState   `json:"signal_state"`
	FrameNumber  int           `json:"frame_number"`
	BBox         BBox          `json:"bbox"`
	EvidencePath string        `json:"evidence_path,omitempty"`
}
