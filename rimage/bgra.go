package rimage

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/pkg/errors"
)

// BGRA is the canonical 4 channel color image of the capture pipeline: 8 bits per channel,
// stored in blue, green, red, alpha order. This matches the layout the depth cameras deliver
// uncompressed color in, so such buffers can be wrapped without a copy.
type BGRA struct {
	// Pix holds the pixels. The pixel at (x, y) starts at Pix[(y-Rect.Min.Y)*Stride + (x-Rect.Min.X)*4].
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

// NewBGRA returns a new BGRA image with the given bounds.
func NewBGRA(r image.Rectangle) *BGRA {
	return &BGRA{
		Pix:    make([]uint8, 4*r.Dx()*r.Dy()),
		Stride: 4 * r.Dx(),
		Rect:   r,
	}
}

// NewBGRAFromBuffer returns a BGRA view over buf without copying it. A stride of 0 means the
// rows are tightly packed.
func NewBGRAFromBuffer(buf []byte, width, height, stride int) (*BGRA, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("bad width or height for BGRA image %d %d", width, height)
	}
	if stride == 0 {
		stride = 4 * width
	}
	need := stride*(height-1) + 4*width
	if stride < 4*width || len(buf) < need {
		return nil, errors.Errorf("BGRA buffer of %d bytes is too short for %dx%d (stride %d)",
			len(buf), width, height, stride)
	}
	return &BGRA{Pix: buf[:need], Stride: stride, Rect: image.Rect(0, 0, width, height)}, nil
}

// ColorModel is for the image.Image interface.
func (b *BGRA) ColorModel() color.Model {
	return color.NRGBAModel
}

// Bounds returns the rectangle dimensions of the image.
func (b *BGRA) Bounds() image.Rectangle {
	return b.Rect
}

// Width returns the horizontal size in pixels.
func (b *BGRA) Width() int {
	return b.Rect.Dx()
}

// Height returns the vertical size in pixels.
func (b *BGRA) Height() int {
	return b.Rect.Dy()
}

// PixOffset returns the index of the first element of Pix that corresponds to the pixel at (x, y).
func (b *BGRA) PixOffset(x, y int) int {
	return (y-b.Rect.Min.Y)*b.Stride + (x-b.Rect.Min.X)*4
}

// At is for the image.Image interface.
func (b *BGRA) At(x, y int) color.Color {
	return b.NRGBAAt(x, y)
}

// NRGBAAt returns the pixel at (x, y) in RGBA channel order.
func (b *BGRA) NRGBAAt(x, y int) color.NRGBA {
	if !(image.Point{x, y}.In(b.Rect)) {
		return color.NRGBA{}
	}
	i := b.PixOffset(x, y)
	s := b.Pix[i : i+4 : i+4]
	return color.NRGBA{R: s[2], G: s[1], B: s[0], A: s[3]}
}

// Set is for the draw.Image interface.
func (b *BGRA) Set(x, y int, c color.Color) {
	b.SetNRGBA(x, y, color.NRGBAModel.Convert(c).(color.NRGBA))
}

// SetNRGBA stores c at (x, y) in BGRA channel order.
func (b *BGRA) SetNRGBA(x, y int, c color.NRGBA) {
	if !(image.Point{x, y}.In(b.Rect)) {
		return
	}
	i := b.PixOffset(x, y)
	s := b.Pix[i : i+4 : i+4]
	s[0], s[1], s[2], s[3] = c.B, c.G, c.R, c.A
}

// ToNRGBA copies the image into an *image.NRGBA with the origin at (0, 0). The alpha channel is
// forced opaque; it carries no information from the sensors and is dropped downstream.
func (b *BGRA) ToNRGBA() *image.NRGBA {
	w, h := b.Rect.Dx(), b.Rect.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := b.Pix[y*b.Stride : y*b.Stride+4*w]
		dst := out.Pix[y*out.Stride : y*out.Stride+4*w]
		for x := 0; x < 4*w; x += 4 {
			dst[x+0] = src[x+2]
			dst[x+1] = src[x+1]
			dst[x+2] = src[x+0]
			dst[x+3] = 0xff
		}
	}
	return out
}

// ConvertToBGRA converts any image into the BGRA layout. BGRA input is returned as is.
func ConvertToBGRA(img image.Image) *BGRA {
	switch ii := img.(type) {
	case *BGRA:
		return ii
	case *image.YCbCr:
		return convertYCbCrToBGRA(ii)
	case *image.NRGBA:
		bounds := ii.Bounds()
		out := NewBGRA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		for y := 0; y < bounds.Dy(); y++ {
			src := ii.Pix[ii.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
			dst := out.Pix[y*out.Stride:]
			for x := 0; x < 4*bounds.Dx(); x += 4 {
				dst[x+0], dst[x+1], dst[x+2], dst[x+3] = src[x+2], src[x+1], src[x+0], src[x+3]
			}
		}
		return out
	default:
		bounds := img.Bounds()
		out := NewBGRA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		rgba := image.NewNRGBA(out.Rect)
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
		return ConvertToBGRA(rgba)
	}
}

func convertYCbCrToBGRA(img *image.YCbCr) *BGRA {
	bounds := img.Bounds()
	out := NewBGRA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			yi := img.YOffset(bounds.Min.X+x, bounds.Min.Y+y)
			ci := img.COffset(bounds.Min.X+x, bounds.Min.Y+y)
			r, g, b := color.YCbCrToRGB(img.Y[yi], img.Cb[ci], img.Cr[ci])
			dst[4*x+0], dst[4*x+1], dst[4*x+2], dst[4*x+3] = b, g, r, 0xff
		}
	}
	return out
}
