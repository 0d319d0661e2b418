package vision

import (
	"image"
	"image/color"
	"image/draw"
)

var overlayGreen = color.RGBA{R: 0, G: 200, B: 0, A: 255}

const overlayStroke = 3

// DrawBoxes returns a copy of the frame with each box outlined in green.
// Written next to the source screenshot as the *_detected.jpg review image.
func DrawBoxes(img image.Image, boxes []image.Rectangle) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	for _, box := range boxes {
		drawBox(out, box.Intersect(b))
	}
	return out
}

func drawBox(img *image.RGBA, r image.Rectangle) {
	if r.Empty() {
		return
	}
	for s := 0; s < overlayStroke; s++ {
		top := r.Min.Y + s
		bottom := r.Max.Y - 1 - s
		for x := r.Min.X; x < r.Max.X; x++ {
			if top < r.Max.Y {
				img.SetRGBA(x, top, overlayGreen)
			}
			if bottom >= r.Min.Y && bottom != top {
				img.SetRGBA(x, bottom, overlayGreen)
			}
		}
		left := r.Min.X + s
		right := r.Max.X - 1 - s
		for y := r.Min.Y; y < r.Max.Y; y++ {
			if left < r.Max.X {
				img.SetRGBA(left, y, overlayGreen)
			}
			if right >= r.Min.X && right != left {
				img.SetRGBA(right, y, overlayGreen)
			}
		}
	}
}
