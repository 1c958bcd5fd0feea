// Package transform implements the image augmentation pipelines applied
// before a sample reaches the network.
package transform

import (
	"fmt"
	"image"
	"image/draw"
	"math"
	"math/rand"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Op transforms an image. Random ops draw from rng only.
type Op interface {
	Apply(img image.Image, rng *rand.Rand) image.Image
}

// Tensor is a CHW float32 image.
type Tensor struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// Pipeline runs image ops in order, then converts to a normalized tensor.
type Pipeline struct {
	ops  []Op
	norm Normalize
}

// Compose builds a pipeline ending in ToTensor followed by norm.
func Compose(norm Normalize, ops ...Op) Pipeline {
	return Pipeline{ops: ops, norm: norm}
}

// Train is the augmentation pipeline used for the training split.
func Train(size int, mean, std []float64) (Pipeline, error) {
	norm, err := NewNormalize(mean, std)
	if err != nil {
		return Pipeline{}, err
	}
	return Compose(norm,
		NewRandomResizedCrop(size),
		RandomHorizontalFlip{P: 0.5},
		RandomRotation{Degrees: 90},
	), nil
}

// Val is the deterministic pipeline used for the validation split.
func Val(size int, mean, std []float64) (Pipeline, error) {
	norm, err := NewNormalize(mean, std)
	if err != nil {
		return Pipeline{}, err
	}
	return Compose(norm, Resize{Width: size, Height: size}), nil
}

// Run applies every op and returns the normalized tensor.
func (p Pipeline) Run(img image.Image, rng *rand.Rand) Tensor {
	for _, op := range p.ops {
		img = op.Apply(img, rng)
	}
	t := ToTensor(img)
	p.norm.Apply(t.Data, t.Height*t.Width)
	return t
}

// RandomResizedCrop crops a random area and aspect ratio, then resizes to Size.
type RandomResizedCrop struct {
	Size  int
	Scale [2]float64
	Ratio [2]float64
}

// NewRandomResizedCrop uses scale [0.08, 1] and ratio [3/4, 4/3].
func NewRandomResizedCrop(size int) RandomResizedCrop {
	return RandomResizedCrop{
		Size:  size,
		Scale: [2]float64{0.08, 1.0},
		Ratio: [2]float64{3.0 / 4.0, 4.0 / 3.0},
	}
}

func (c RandomResizedCrop) Apply(img image.Image, rng *rand.Rand) image.Image {
	crop := c.cropRect(img.Bounds(), rng)
	return scale(img, crop, c.Size, c.Size, xdraw.BiLinear)
}

func (c RandomResizedCrop) cropRect(b image.Rectangle, rng *rand.Rand) image.Rectangle {
	width, height := b.Dx(), b.Dy()
	area := float64(width * height)
	logLo, logHi := math.Log(c.Ratio[0]), math.Log(c.Ratio[1])

	for attempt := 0; attempt < 10; attempt++ {
		target := area * (c.Scale[0] + rng.Float64()*(c.Scale[1]-c.Scale[0]))
		aspect := math.Exp(logLo + rng.Float64()*(logHi-logLo))
		w := int(math.Round(math.Sqrt(target * aspect)))
		h := int(math.Round(math.Sqrt(target / aspect)))
		if w > 0 && h > 0 && w <= width && h <= height {
			x := rng.Intn(width - w + 1)
			y := rng.Intn(height - h + 1)
			return image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h)
		}
	}

	// fall back to a center crop clamped to the ratio bounds
	inRatio := float64(width) / float64(height)
	w, h := width, height
	switch {
	case inRatio < c.Ratio[0]:
		h = int(math.Round(float64(w) / c.Ratio[0]))
	case inRatio > c.Ratio[1]:
		w = int(math.Round(float64(h) * c.Ratio[1]))
	}
	x := (width - w) / 2
	y := (height - h) / 2
	return image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h)
}

// RandomHorizontalFlip mirrors the image with probability P.
type RandomHorizontalFlip struct {
	P float64
}

func (f RandomHorizontalFlip) Apply(img image.Image, rng *rand.Rand) image.Image {
	if rng.Float64() >= f.P {
		return img
	}
	src := toRGBA(img)
	b := src.Bounds()
	dst := image.NewRGBA(b)
	rowBytes := b.Dx() * 4
	for y := 0; y < b.Dy(); y++ {
		srcRow := src.Pix[y*src.Stride : y*src.Stride+rowBytes]
		dstRow := dst.Pix[y*dst.Stride : y*dst.Stride+rowBytes]
		for x := 0; x < b.Dx(); x++ {
			copy(dstRow[x*4:x*4+4], srcRow[(b.Dx()-1-x)*4:(b.Dx()-x)*4])
		}
	}
	return dst
}

// RandomRotation rotates about the center by an angle drawn uniformly from
// [-Degrees, Degrees]. Uncovered pixels are zero.
type RandomRotation struct {
	Degrees float64
}

func (r RandomRotation) Apply(img image.Image, rng *rand.Rand) image.Image {
	angle := -r.Degrees + rng.Float64()*2*r.Degrees
	return Rotate(img, angle)
}

// Rotate rotates img counter-clockwise by degrees with nearest-neighbour
// sampling, keeping the original size.
func Rotate(img image.Image, degrees float64) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	theta := -degrees * math.Pi / 180
	sin, cos := math.Sincos(theta)
	cx := float64(b.Min.X) + float64(b.Dx())/2
	cy := float64(b.Min.Y) + float64(b.Dy())/2
	dx := float64(b.Dx()) / 2
	dy := float64(b.Dy()) / 2
	// maps source coordinates into destination coordinates
	s2d := f64.Aff3{
		cos, -sin, dx - cos*cx + sin*cy,
		sin, cos, dy - sin*cx - cos*cy,
	}
	xdraw.NearestNeighbor.Transform(dst, s2d, img, b, xdraw.Src, nil)
	return dst
}

// Resize scales to a fixed size, ignoring aspect ratio.
type Resize struct {
	Width  int
	Height int
}

func (r Resize) Apply(img image.Image, _ *rand.Rand) image.Image {
	return scale(img, img.Bounds(), r.Width, r.Height, xdraw.BiLinear)
}

// Normalize subtracts a per-channel mean and divides by a per-channel std.
type Normalize struct {
	Mean [3]float32
	Std  [3]float32
}

// NewNormalize validates three-channel statistics.
func NewNormalize(mean, std []float64) (Normalize, error) {
	if len(mean) != 3 || len(std) != 3 {
		return Normalize{}, fmt.Errorf("normalize: want 3 channels, got mean=%d std=%d", len(mean), len(std))
	}
	var n Normalize
	for c := 0; c < 3; c++ {
		if std[c] <= 0 {
			return Normalize{}, fmt.Errorf("normalize: std[%d]=%g must be > 0", c, std[c])
		}
		n.Mean[c] = float32(mean[c])
		n.Std[c] = float32(std[c])
	}
	return n, nil
}

// Apply normalizes CHW data in place; plane is H*W.
func (n Normalize) Apply(data []float32, plane int) {
	for c := 0; c < 3; c++ {
		m, s := n.Mean[c], n.Std[c]
		ch := data[c*plane : (c+1)*plane]
		for i := range ch {
			ch[i] = (ch[i] - m) / s
		}
	}
}

// ToTensor converts to CHW RGB float32 in [0, 1].
func ToTensor(img image.Image) Tensor {
	src := toRGBA(img)
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			idx := y*w + x
			px := row[x*4 : x*4+3]
			data[idx] = float32(px[0]) / 255
			data[plane+idx] = float32(px[1]) / 255
			data[2*plane+idx] = float32(px[2]) / 255
		}
	}
	return Tensor{Data: data, Channels: 3, Height: h, Width: w}
}

func scale(img image.Image, sr image.Rectangle, w, h int, interp xdraw.Interpolator) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	interp.Scale(dst, dst.Bounds(), img, sr, xdraw.Src, nil)
	return dst
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
