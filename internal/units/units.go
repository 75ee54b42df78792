// Package units provides shared constants and validation for speed units
package units

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, mph, kmph, kph"
}

// ConvertSpeedKmh converts a speed from km/h to the target units.
// Violation records store speeds in km/h.
func ConvertSpeedKmh(speedKmh float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedKmh / 3.6
	case MPH:
		return speedKmh * 0.62137119223733
	case KMPH, KPH:
		return speedKmh
	default:
		return speedKmh
	}
}
