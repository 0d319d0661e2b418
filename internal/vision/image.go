// Package vision is the image side of the change-detection pipeline: frame
// statistics, quality assessment, night enhancement, vehicle features, and
// the detector client.
package vision

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
)

// Stats are the raw frame statistics the quality assessment and the
// enhancement path read. All values are in 8-bit range.
type Stats struct {
	Brightness     float64 // mean gray level
	Contrast       float64 // gray standard deviation
	Sharpness      float64 // Laplacian variance
	Saturation     float64 // mean HSV saturation
	HighlightRatio float64 // fraction of pixels brighter than 200
}

// LoadImage decodes a frame from disk.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// SaveJPEG writes img with the quality used for all pipeline outputs.
func SaveJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}

// Grayscale renders img into a dense gray plane.
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// Rec. 601 luma on 8-bit channels.
			v := (299*(r>>8) + 587*(g>>8) + 114*(bl>>8)) / 1000
			if v > 255 {
				v = 255
			}
			gray.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return gray
}

// ComputeStats runs one pass over the frame for the gray statistics and one
// for saturation.
func ComputeStats(img image.Image) Stats {
	gray := Grayscale(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return Stats{}
	}
	n := float64(w * h)

	var sum, sumSq float64
	highlights := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := float64(gray.GrayAt(x, y).Y)
			sum += v
			sumSq += v * v
			if v > 200 {
				highlights++
			}
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	return Stats{
		Brightness:     mean,
		Contrast:       math.Sqrt(variance),
		Sharpness:      laplacianVariance(gray),
		Saturation:     meanSaturation(img),
		HighlightRatio: float64(highlights) / n,
	}
}

// laplacianVariance is the usual blur metric: variance of the 4-neighbor
// Laplacian response.
func laplacianVariance(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	n := 0
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			c := float64(gray.GrayAt(x, y).Y)
			lap := float64(gray.GrayAt(x-1, y).Y) + float64(gray.GrayAt(x+1, y).Y) +
				float64(gray.GrayAt(x, y-1).Y) + float64(gray.GrayAt(x, y+1).Y) - 4*c
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	v := sumSq/float64(n) - mean*mean
	if v < 0 {
		v = 0
	}
	return v
}

func meanSaturation(img image.Image) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			_, s, _ := rgbToHSV(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			sum += s
		}
	}
	return sum / float64(w*h)
}

// rgbToHSV converts one pixel. Hue is in [0,180) to match the histogram
// binning; saturation and value are in [0,255].
func rgbToHSV(r, g, b uint8) (h, s, v float64) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	v = max
	delta := max - min

	if max > 0 {
		s = delta / max * 255
	}
	if delta == 0 {
		return 0, s, v
	}

	switch max {
	case rf:
		h = 30 * math.Mod((gf-bf)/delta, 6)
	case gf:
		h = 30 * ((bf-rf)/delta + 2)
	default:
		h = 30 * ((rf-gf)/delta + 4)
	}
	if h < 0 {
		h += 180
	}
	return h, s, v
}
