// Package metrics computes the image quality measures that drive exposure
// and focus convergence. All functions are pure and deterministic.
package metrics

import (
	"errors"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// ErrEmptyFrame is returned for frames without pixels.
var ErrEmptyFrame = errors.New("empty frame")

// Perceived brightness channel weights. They sum to 1, so a grey frame of
// value v has brightness v.
const (
	weightR = 0.241
	weightG = 0.691
	weightB = 0.068
)

// Quality holds both measures of a single frame.
type Quality struct {
	Brightness float64 `json:"brightness"`
	Sharpness  float64 `json:"sharpness"`
}

// Brightness returns the perceived brightness of img in [0, 255]:
// sqrt(0.241 r² + 0.691 g² + 0.068 b²) over the per-channel means.
func Brightness(img image.Image) (float64, error) {
	if isEmpty(img) {
		return 0, ErrEmptyFrame
	}

	nrgba := imaging.Clone(img)
	var sumR, sumG, sumB float64
	pix := nrgba.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		sumR += float64(pix[i])
		sumG += float64(pix[i+1])
		sumB += float64(pix[i+2])
	}

	n := float64(nrgba.Rect.Dx() * nrgba.Rect.Dy())
	r, g, b := sumR/n, sumG/n, sumB/n
	return math.Sqrt(weightR*r*r + weightG*g*g + weightB*b*b), nil
}

// Sharpness returns the variance of the Laplacian of the luma channel.
// Larger is sharper; a flat frame scores 0.
func Sharpness(img image.Image) (float64, error) {
	if isEmpty(img) {
		return 0, ErrEmptyFrame
	}

	gray := imaging.Grayscale(img)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	luma := func(x, y int) float64 {
		return float64(gray.Pix[y*gray.Stride+x*4])
	}

	var sum, sumSq float64
	for y := 0; y < h; y++ {
		up, down := reflect101(y-1, h), reflect101(y+1, h)
		for x := 0; x < w; x++ {
			left, right := reflect101(x-1, w), reflect101(x+1, w)
			lap := luma(x, up) + luma(x, down) + luma(left, y) + luma(right, y) - 4*luma(x, y)
			sum += lap
			sumSq += lap * lap
		}
	}

	n := float64(w * h)
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		// Rounding on near-flat frames.
		variance = 0
	}
	return variance, nil
}

// Measure returns brightness and sharpness of img.
func Measure(img image.Image) (Quality, error) {
	b, err := Brightness(img)
	if err != nil {
		return Quality{}, err
	}
	s, err := Sharpness(img)
	if err != nil {
		return Quality{}, err
	}
	return Quality{Brightness: b, Sharpness: s}, nil
}

func isEmpty(img image.Image) bool {
	return img == nil || img.Bounds().Empty()
}

// reflect101 mirrors an out-of-range index without repeating the edge
// pixel: -1 maps to 1 and n maps to n-2.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*n - i - 2
	}
	return i
}
