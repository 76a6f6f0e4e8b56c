package metrics

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func checkerboard(w, h, cell int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/cell+y/cell)%2 == 0 {
				v = 255
			}
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func TestBrightness_Grey(t *testing.T) {
	tests := []uint8{0, 1, 90, 128, 255}
	for _, v := range tests {
		got, err := Brightness(uniform(8, 6, color.RGBA{v, v, v, 255}))
		require.NoError(t, err)
		assert.InDelta(t, float64(v), got, 1e-9, "grey %d", v)
	}
}

func TestBrightness_Channels(t *testing.T) {
	tests := []struct {
		name string
		c    color.RGBA
		want float64
	}{
		{"red", color.RGBA{255, 0, 0, 255}, 255 * math.Sqrt(0.241)},
		{"green", color.RGBA{0, 255, 0, 255}, 255 * math.Sqrt(0.691)},
		{"blue", color.RGBA{0, 0, 255, 255}, 255 * math.Sqrt(0.068)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Brightness(uniform(4, 4, tt.c))
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestBrightness_Empty(t *testing.T) {
	_, err := Brightness(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = Brightness(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestSharpness_Flat(t *testing.T) {
	got, err := Sharpness(uniform(16, 16, color.RGBA{120, 60, 30, 255}))
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestSharpness_DetailScoresHigher(t *testing.T) {
	fine, err := Sharpness(checkerboard(32, 32, 1))
	require.NoError(t, err)
	coarse, err := Sharpness(checkerboard(32, 32, 8))
	require.NoError(t, err)

	assert.Greater(t, fine, coarse)
	assert.Greater(t, coarse, 0.0)
}

func TestSharpness_SinglePixel(t *testing.T) {
	got, err := Sharpness(uniform(1, 1, color.RGBA{200, 200, 200, 255}))
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestSharpness_Empty(t *testing.T) {
	_, err := Sharpness(image.NewGray(image.Rect(0, 0, 10, 0)))
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestMeasure(t *testing.T) {
	q, err := Measure(checkerboard(16, 16, 2))
	require.NoError(t, err)
	assert.InDelta(t, 127.5, q.Brightness, 1e-9)
	assert.Greater(t, q.Sharpness, 0.0)
}

func TestReflect101(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{-1, 5, 1},
		{0, 5, 0},
		{4, 5, 4},
		{5, 5, 3},
		{-1, 1, 0},
		{1, 1, 0},
	}
	for _, tt := range tests {
		if got := reflect101(tt.i, tt.n); got != tt.want {
			t.Errorf("reflect101(%d, %d) = %d, want %d", tt.i, tt.n, got, tt.want)
		}
	}
}
