package vision

import "image"

// Hue bands in degrees [0, 360). Red wraps around zero, so it is two ranges.
// Saturation/value floors reject the grey and dark pixels that dominate a
// signal housing.
const (
	redHueLow1, redHueHigh1     = 0.0, 20.0
	redHueLow2, redHueHigh2     = 320.0, 360.0
	yellowHueLow, yellowHueHigh = 40.0, 60.0
	greenHueLow, greenHueHigh   = 80.0, 160.0

	litMinSaturation = 100.0 / 255.0
	litMinValue      = 100.0 / 255.0
	// Green LEDs read dimmer in most footage, so its floors are looser.
	greenMinSaturation = 50.0 / 255.0
	greenMinValue      = 50.0 / 255.0

	// DefaultMinSignalPixels is the minimum dominant-band pixel count below
	// which the signal state is reported as unknown.
	DefaultMinSignalPixels = 50

	// signalCropPadding expands the supplied signal bbox on each side
	// before classification.
	signalCropPadding = 10
)

// SignalClassifier classifies the colour of a traffic signal from a frame
// region. The only state it keeps across frames is the last known signal
// bbox, reused when the signal is not redetected on a frame.
type SignalClassifier struct {
	// MinPixels is the dominant-band pixel count required for a definite
	// answer; zero means DefaultMinSignalPixels.
	MinPixels int

	lastBBox *BBox
}

// NewSignalClassifier creates a classifier with default thresholds.
func NewSignalClassifier() *SignalClassifier {
	return &SignalClassifier{MinPixels: DefaultMinSignalPixels}
}

// ClassifyFrame classifies the signal colour in frame. When bbox is non-nil
// it is cached and used as the crop region (padded by signalCropPadding and
// clamped to the frame); when nil the last cached bbox is used; with no
// cache the whole frame is scanned, which degrades accuracy but is not an
// error.
func (c *SignalClassifier) ClassifyFrame(frame image.Image, bbox *BBox) SignalState {
	if frame == nil {
		return SignalUnknown
	}
	if bbox != nil {
		cached := *bbox
		c.lastBBox = &cached
	}

	rect := frame.Bounds()
	if c.lastBBox != nil {
		b := *c.lastBBox
		crop := image.Rect(
			b.X1-signalCropPadding, b.Y1-signalCropPadding,
			b.X2+signalCropPadding, b.Y2+signalCropPadding,
		).Intersect(rect)
		if !crop.Empty() {
			rect = crop
		}
	}

	return c.classifyRect(frame, rect)
}

// Classify classifies the dominant signal colour over the whole region.
func (c *SignalClassifier) Classify(region image.Image) SignalState {
	if region == nil {
		return SignalUnknown
	}
	return c.classifyRect(region, region.Bounds())
}

// LastBBox returns the cached signal bbox, or nil when none was seen yet.
func (c *SignalClassifier) LastBBox() *BBox {
	if c.lastBBox == nil {
		return nil
	}
	cached := *c.lastBBox
	return &cached
}

func (c *SignalClassifier) classifyRect(img image.Image, rect image.Rectangle) SignalState {
	var red, yellow, green int

	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			h, s, v := rgbToHSV(img.At(x, y).RGBA())
			switch {
			case s >= litMinSaturation && v >= litMinValue &&
				((h >= redHueLow1 && h <= redHueHigh1) || (h >= redHueLow2 && h <= redHueHigh2)):
				red++
			case s >= litMinSaturation && v >= litMinValue && h >= yellowHueLow && h <= yellowHueHigh:
				yellow++
			case s >= greenMinSaturation && v >= greenMinValue && h >= greenHueLow && h <= greenHueHigh:
				green++
			}
		}
	}

	minPixels := c.MinPixels
	if minPixels <= 0 {
		minPixels = DefaultMinSignalPixels
	}

	max := red
	if yellow > max {
		max = yellow
	}
	if green > max {
		max = green
	}
	if max < minPixels {
		return SignalUnknown
	}

	// Ties resolve red before yellow before green: when in doubt, treat the
	// signal as the more restrictive colour.
	switch max {
	case red:
		return SignalRed
	case yellow:
		return SignalYellow
	default:
		return SignalGreen
	}
}

// rgbToHSV converts premultiplied 16-bit RGBA channels to hue in degrees
// [0, 360) and saturation/value in [0, 1].
func rgbToHSV(r16, g16, b16, _ uint32) (h, s, v float64) {
	r := float64(r16) / 65535.0
	g := float64(g16) / 65535.0
	b := float64(b16) / 65535.0

	max := r
	if g > max {
		max = g
	}
	if b > max {
		max = b
	}
	min := r
	if g < min {
		min = g
	}
	if b < min {
		min = b
	}

	v = max
	delta := max - min
	if max > 0 {
		s = delta / max
	}
	if delta == 0 {
		return 0, s, v
	}

	switch max {
	case r:
		h = 60 * ((g - b) / delta)
	case g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}
