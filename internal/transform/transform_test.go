package transform

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	imagenetMean = []float64{0.485, 0.456, 0.406}
	imagenetStd  = []float64{0.229, 0.224, 0.225}
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestValPipelineShapeAndNormalization(t *testing.T) {
	p, err := Val(8, imagenetMean, imagenetStd)
	require.NoError(t, err)

	img := solid(20, 12, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	out := p.Run(img, rand.New(rand.NewSource(1)))

	require.Equal(t, 3, out.Channels)
	require.Equal(t, 8, out.Height)
	require.Equal(t, 8, out.Width)
	require.Len(t, out.Data, 3*8*8)

	want := []float32{
		(1 - 0.485) / 0.229,
		(0 - 0.456) / 0.224,
		(0.2 - 0.406) / 0.225,
	}
	for c := 0; c < 3; c++ {
		for i := 0; i < 64; i++ {
			assert.InDelta(t, want[c], out.Data[c*64+i], 2e-2)
		}
	}
}

func TestTrainPipelineDeterministicPerSeed(t *testing.T) {
	p, err := Train(16, imagenetMean, imagenetStd)
	require.NoError(t, err)

	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 7, A: 255})
		}
	}

	a := p.Run(img, rand.New(rand.NewSource(99)))
	b := p.Run(img, rand.New(rand.NewSource(99)))
	require.Len(t, a.Data, 3*16*16)
	assert.Equal(t, a.Data, b.Data)
}

func TestRandomResizedCropStaysInBounds(t *testing.T) {
	c := NewRandomResizedCrop(10)
	rng := rand.New(rand.NewSource(3))
	bounds := image.Rect(5, 5, 105, 45)
	for i := 0; i < 200; i++ {
		r := c.cropRect(bounds, rng)
		require.False(t, r.Empty())
		require.True(t, r.In(bounds), "crop %v escapes %v", r, bounds)
	}
}

func TestHorizontalFlip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	img.SetRGBA(2, 0, color.RGBA{B: 255, A: 255})

	out := RandomHorizontalFlip{P: 1}.Apply(img, rand.New(rand.NewSource(1))).(*image.RGBA)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, A: 255}, out.RGBAAt(2, 0))

	same := RandomHorizontalFlip{P: 0}.Apply(img, rand.New(rand.NewSource(1)))
	assert.Same(t, img, same)
}

func TestRotate(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})

	ident := Rotate(img, 0).(*image.RGBA)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, ident.RGBAAt(0, 0))

	flipped := Rotate(img, 180).(*image.RGBA)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, flipped.RGBAAt(3, 3))
	assert.Equal(t, color.RGBA{}, flipped.RGBAAt(0, 0))
}

func TestNewNormalizeRejectsBadStats(t *testing.T) {
	_, err := NewNormalize([]float64{0.5}, imagenetStd)
	require.Error(t, err)
	_, err = NewNormalize(imagenetMean, []float64{0.2, 0, 0.2})
	require.Error(t, err)
}
