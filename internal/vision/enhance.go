package vision

import (
	"image"
	"image/color"
	"math"
)

const (
	claheClipLimit = 2.0
	claheTiles     = 8
)

// EnhanceNight lifts dark frames before detection: CLAHE on the luminance
// plane below brightness 120, plus a gamma lift below 60. The hue of each
// pixel is preserved by scaling RGB with the luminance ratio.
func EnhanceNight(img image.Image, brightness float64) image.Image {
	if brightness >= 120 {
		return img
	}

	gray := Grayscale(img)
	mapping := claheMapping(gray)

	var gammaLUT *[256]uint8
	if brightness < 60 {
		gamma := 1.5 + (60-brightness)/60*0.5
		gammaLUT = buildGammaLUT(gamma)
	}

	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			r8, g8, b8 := uint8(r>>8), uint8(g>>8), uint8(bl>>8)

			oldL := gray.GrayAt(x, y).Y
			newL := claheInterpolate(gray, mapping, x-b.Min.X, y-b.Min.Y, oldL)
			if gammaLUT != nil {
				newL = gammaLUT[newL]
			}

			scale := 1.0
			if oldL > 0 {
				scale = float64(newL) / float64(oldL)
			}
			out.SetRGBA(x, y, color.RGBA{
				R: clamp8(float64(r8) * scale),
				G: clamp8(float64(g8) * scale),
				B: clamp8(float64(b8) * scale),
				A: uint8(a >> 8),
			})
		}
	}
	return out
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func buildGammaLUT(gamma float64) *[256]uint8 {
	var lut [256]uint8
	inv := 1.0 / gamma
	for i := 0; i < 256; i++ {
		lut[i] = clamp8(math.Pow(float64(i)/255, inv) * 255)
	}
	return &lut
}

// claheMapping builds one clipped-histogram CDF lookup per tile.
func claheMapping(gray *image.Gray) [][][256]uint8 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()

	tileW := (w + claheTiles - 1) / claheTiles
	tileH := (h + claheTiles - 1) / claheTiles
	if tileW == 0 {
		tileW = 1
	}
	if tileH == 0 {
		tileH = 1
	}

	mapping := make([][][256]uint8, claheTiles)
	for ty := 0; ty < claheTiles; ty++ {
		mapping[ty] = make([][256]uint8, claheTiles)
		for tx := 0; tx < claheTiles; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := minInt(x0+tileW, w), minInt(y0+tileH, h)
			if x0 >= w {
				x0 = w - 1
			}
			if y0 >= h {
				y0 = h - 1
			}

			var hist [256]int
			count := 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					hist[gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y]++
					count++
				}
			}
			if count == 0 {
				count = 1
			}

			// Clip and redistribute the excess uniformly.
			clip := int(claheClipLimit * float64(count) / 256)
			if clip < 1 {
				clip = 1
			}
			excess := 0
			for i := range hist {
				if hist[i] > clip {
					excess += hist[i] - clip
					hist[i] = clip
				}
			}
			bonus := excess / 256
			for i := range hist {
				hist[i] += bonus
			}

			cdf := 0
			for i := range hist {
				cdf += hist[i]
				mapping[ty][tx][i] = uint8(minInt(255, cdf*255/count))
			}
		}
	}
	return mapping
}

// claheInterpolate blends the four surrounding tile mappings bilinearly,
// which is what keeps tile seams invisible.
func claheInterpolate(gray *image.Gray, mapping [][][256]uint8, x, y int, v uint8) uint8 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	tileW := (w + claheTiles - 1) / claheTiles
	tileH := (h + claheTiles - 1) / claheTiles
	if tileW == 0 {
		tileW = 1
	}
	if tileH == 0 {
		tileH = 1
	}

	fx := (float64(x) - float64(tileW)/2) / float64(tileW)
	fy := (float64(y) - float64(tileH)/2) / float64(tileH)

	tx0 := int(math.Floor(fx))
	ty0 := int(math.Floor(fy))
	wx := fx - float64(tx0)
	wy := fy - float64(ty0)

	tx1 := clampInt(tx0+1, 0, claheTiles-1)
	ty1 := clampInt(ty0+1, 0, claheTiles-1)
	tx0 = clampInt(tx0, 0, claheTiles-1)
	ty0 = clampInt(ty0, 0, claheTiles-1)

	v00 := float64(mapping[ty0][tx0][v])
	v01 := float64(mapping[ty0][tx1][v])
	v10 := float64(mapping[ty1][tx0][v])
	v11 := float64(mapping[ty1][tx1][v])

	top := v00*(1-wx) + v01*wx
	bottom := v10*(1-wx) + v11*wx
	return clamp8(top*(1-wy) + bottom*wy)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
