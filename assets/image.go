package assets

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// DefaultMaxDimension bounds the longest side of a stored asset.
const DefaultMaxDimension = 2000

// DefaultMaxPixels bounds the source area Normalize is willing to decode.
const DefaultMaxPixels = 50_000_000

// ErrImageTooLarge is returned for images whose header declares more
// pixels than the decode budget allows.
var ErrImageTooLarge = errors.New("image exceeds pixel budget")

// Normalized is an image re-encoded as opaque PNG.
type Normalized struct {
	Data         []byte
	Width        int
	Height       int
	SourceFormat string
	Resized      bool
}

// Normalize decodes data, drops the alpha channel, scales it down to fit
// within maxDim on both sides keeping the aspect ratio, and encodes PNG.
// Transparent pixels keep their stored color and become opaque. Images
// larger than maxPixels are rejected from their header before decoding.
func Normalize(data []byte, maxDim int, maxPixels int64) (*Normalized, error) {
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("decode image header: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d over %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	w, h := targetDimensions(b.Dx(), b.Dy(), maxDim)
	resized := w != b.Dx() || h != b.Dy()
	var out *image.NRGBA
	if resized {
		out = image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(out, out.Bounds(), opaqueView{img}, b, draw.Src, nil)
		for i := 3; i < len(out.Pix); i += 4 {
			out.Pix[i] = 0xff
		}
	} else {
		out = opaque(img)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return &Normalized{
		Data:         buf.Bytes(),
		Width:        w,
		Height:       h,
		SourceFormat: format,
		Resized:      resized,
	}, nil
}

// opaqueView reads img with every pixel's alpha forced to full, without
// copying it.
type opaqueView struct {
	image.Image
}

func (v opaqueView) ColorModel() color.Model { return color.NRGBAModel }

func (v opaqueView) At(x, y int) color.Color {
	c := color.NRGBAModel.Convert(v.Image.At(x, y)).(color.NRGBA)
	c.A = 0xff
	return c
}

func opaque(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	view := opaqueView{img}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, view.At(x, y))
		}
	}
	return dst
}

func targetDimensions(w, h, maxDim int) (int, int) {
	if w <= maxDim && h <= maxDim {
		return w, h
	}
	scale := float64(maxDim) / float64(w)
	if hs := float64(maxDim) / float64(h); hs < scale {
		scale = hs
	}
	nw := clampDim(int(float64(w)*scale+0.5), maxDim)
	nh := clampDim(int(float64(h)*scale+0.5), maxDim)
	return nw, nh
}

func clampDim(v, maxDim int) int {
	if v < 1 {
		return 1
	}
	if v > maxDim {
		return maxDim
	}
	return v
}
