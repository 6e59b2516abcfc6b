package rimage

import (
	"image"
	"image/color"
)

// RGB is a 3 channel, 8 bit color image in red, green, blue order with no alpha. It is the color
// half of every frame pair handed to consumers.
type RGB struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

// NewRGB returns a new black RGB image of the given size.
func NewRGB(width, height int) *RGB {
	return &RGB{
		Pix:    make([]uint8, 3*width*height),
		Stride: 3 * width,
		Rect:   image.Rect(0, 0, width, height),
	}
}

// NewRGBFromNRGBA drops the alpha channel of img.
func NewRGBFromNRGBA(img *image.NRGBA) *RGB {
	bounds := img.Bounds()
	out := NewRGB(bounds.Dx(), bounds.Dy())
	for y := 0; y < bounds.Dy(); y++ {
		src := img.Pix[img.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
		dst := out.Pix[y*out.Stride : (y+1)*out.Stride]
		for x := 0; x < bounds.Dx(); x++ {
			copy(dst[3*x:3*x+3], src[4*x:4*x+3])
		}
	}
	return out
}

// ColorModel is for the image.Image interface.
func (i *RGB) ColorModel() color.Model {
	return color.RGBAModel
}

// Bounds returns the rectangle dimensions of the image.
func (i *RGB) Bounds() image.Rectangle {
	return i.Rect
}

// Width returns the horizontal size in pixels.
func (i *RGB) Width() int {
	return i.Rect.Dx()
}

// Height returns the vertical size in pixels.
func (i *RGB) Height() int {
	return i.Rect.Dy()
}

// At is for the image.Image interface.
func (i *RGB) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(i.Rect)) {
		return color.RGBA{}
	}
	r, g, b := i.RGB255At(x, y)
	return color.RGBA{r, g, b, 0xff}
}

// RGB255At returns the channels of the pixel at (x, y), or zeros when out of bounds.
func (i *RGB) RGB255At(x, y int) (uint8, uint8, uint8) {
	if !(image.Point{x, y}.In(i.Rect)) {
		return 0, 0, 0
	}
	o := (y-i.Rect.Min.Y)*i.Stride + (x-i.Rect.Min.X)*3
	return i.Pix[o], i.Pix[o+1], i.Pix[o+2]
}

// SetRGB255 sets the pixel at (x, y).
func (i *RGB) SetRGB255(x, y int, r, g, b uint8) {
	if !(image.Point{x, y}.In(i.Rect)) {
		return
	}
	o := (y-i.Rect.Min.Y)*i.Stride + (x-i.Rect.Min.X)*3
	i.Pix[o], i.Pix[o+1], i.Pix[o+2] = r, g, b
}
