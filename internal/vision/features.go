package vision

import (
	"image"
)

const featureBins = 32

// Features is the per-vehicle appearance vector the re-identification stage
// compares. Serialized as-is into parking_changes.vehicle_features.
type Features struct {
	HueHist      []float64 `json:"hue_hist"`
	SatHist      []float64 `json:"sat_hist"`
	Aspect       float64   `json:"aspect"`
	HasRearWiper bool      `json:"has_rear_wiper"`
}

// DefaultFeatures is the fallback when extraction fails: flat zero
// histograms and the aspect ratio of a typical sedan.
func DefaultFeatures() Features {
	return Features{
		HueHist: make([]float64, featureBins),
		SatHist: make([]float64, featureBins),
		Aspect:  1.8,
	}
}

// LowEnergy reports whether the crop carried almost no color signal, the
// signature of a vehicle photographed in the dark. Zero histograms from a
// failed extraction count as low energy too.
func (f Features) LowEnergy() bool {
	if histSum(f.HueHist) == 0 && histSum(f.SatHist) == 0 {
		return true
	}
	low := 0.0
	for i := 0; i < 4 && i < len(f.SatHist); i++ {
		low += f.SatHist[i]
	}
	return low >= 0.6
}

func histSum(h []float64) float64 {
	sum := 0.0
	for _, v := range h {
		sum += v
	}
	return sum
}

// ExtractFeatures computes the appearance vector for one detection box. box
// is in image coordinates; an empty intersection yields DefaultFeatures.
func ExtractFeatures(img image.Image, box image.Rectangle) Features {
	crop := box.Intersect(img.Bounds())
	if crop.Empty() {
		return DefaultFeatures()
	}

	f := Features{
		HueHist: make([]float64, featureBins),
		SatHist: make([]float64, featureBins),
		Aspect:  float64(box.Dx()) / (float64(box.Dy()) + 1e-6),
	}

	n := 0
	for y := crop.Min.Y; y < crop.Max.Y; y++ {
		for x := crop.Min.X; x < crop.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			h, s, _ := rgbToHSV(uint8(r>>8), uint8(g>>8), uint8(b>>8))

			hueBin := int(h / 180 * featureBins)
			if hueBin >= featureBins {
				hueBin = featureBins - 1
			}
			satBin := int(s / 256 * featureBins)
			if satBin >= featureBins {
				satBin = featureBins - 1
			}
			f.HueHist[hueBin]++
			f.SatHist[satBin]++
			n++
		}
	}
	if n == 0 {
		return DefaultFeatures()
	}
	for i := range f.HueHist {
		f.HueHist[i] /= float64(n)
		f.SatHist[i] /= float64(n)
	}

	f.HasRearWiper = detectRearWiper(img, crop)
	return f
}

// detectRearWiper looks for horizontal edge structure in the lower half of
// the crop. A row where more than 30% of the pixels are edges counts as a
// horizontal line; two such rows look like a hatch/wiper assembly.
func detectRearWiper(img image.Image, crop image.Rectangle) bool {
	lower := image.Rect(crop.Min.X, crop.Min.Y+crop.Dy()/2, crop.Max.X, crop.Max.Y)
	if lower.Dx() < 4 || lower.Dy() < 4 {
		return false
	}

	gray := Grayscale(img)
	const edgeThreshold = 40

	lines := 0
	for y := lower.Min.Y + 1; y < lower.Max.Y-1; y++ {
		edges := 0
		for x := lower.Min.X + 1; x < lower.Max.X-1; x++ {
			// Vertical gradient marks horizontal structure.
			gy := int(gray.GrayAt(x, y+1).Y) - int(gray.GrayAt(x, y-1).Y)
			if gy < 0 {
				gy = -gy
			}
			if gy > edgeThreshold {
				edges++
			}
		}
		if float64(edges) > 0.3*float64(lower.Dx()-2) {
			lines++
			if lines >= 2 {
				return true
			}
		}
	}
	return false
}
