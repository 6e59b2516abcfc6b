package rimage

import (
	"image"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/rgbdinput/utils"
)

const (
	// RemapBits is the number of fractional bits per axis kept in a RemapTable.
	RemapBits = 5
	// RemapSteps is the number of interpolation steps per pixel along one axis.
	RemapSteps = 1 << RemapBits
)

// RemapTable is a fixed point lookup table that resamples one image grid onto another. For the
// output pixel (x, y) with index i = y*Width+x, XY[2i] and XY[2i+1] hold the integer part of the
// source coordinate and Frac[i] packs the fractional parts as yFrac*RemapSteps + xFrac.
//
// A built table is never modified, so it can be shared by every frame without copying.
type RemapTable struct {
	Width  int
	Height int
	XY     []int16
	Frac   []uint16
}

// NewRemapTable allocates a zeroed table of the given size.
func NewRemapTable(width, height int) *RemapTable {
	return &RemapTable{
		Width:  width,
		Height: height,
		XY:     make([]int16, 2*width*height),
		Frac:   make([]uint16, width*height),
	}
}

// SetSource stores the source coordinate (u, v) for the output pixel (x, y), quantized to
// 1/RemapSteps of a pixel.
func (t *RemapTable) SetSource(x, y int, u, v float64) {
	iu := saturateInt(math.RoundToEven(u * RemapSteps))
	iv := saturateInt(math.RoundToEven(v * RemapSteps))
	i := y*t.Width + x
	t.XY[2*i] = saturateInt16(iu >> RemapBits)
	t.XY[2*i+1] = saturateInt16(iv >> RemapBits)
	t.Frac[i] = uint16((iv&(RemapSteps-1))*RemapSteps + (iu & (RemapSteps - 1)))
}

// Source returns the quantized source coordinate stored for the output pixel (x, y).
func (t *RemapTable) Source(x, y int) (float64, float64) {
	i := y*t.Width + x
	frac := int(t.Frac[i])
	u := float64(t.XY[2*i]) + float64(frac&(RemapSteps-1))/RemapSteps
	v := float64(t.XY[2*i+1]) + float64(frac>>RemapBits)/RemapSteps
	return u, v
}

// Equal reports whether two tables hold exactly the same entries.
func (t *RemapTable) Equal(other *RemapTable) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.Width != other.Width || t.Height != other.Height ||
		len(t.XY) != len(other.XY) || len(t.Frac) != len(other.Frac) {
		return false
	}
	for i := range t.XY {
		if t.XY[i] != other.XY[i] {
			return false
		}
	}
	for i := range t.Frac {
		if t.Frac[i] != other.Frac[i] {
			return false
		}
	}
	return true
}

func (t *RemapTable) checkValid() error {
	if t == nil {
		return errors.New("remap table is nil")
	}
	if t.Width <= 0 || t.Height <= 0 || len(t.XY) != 2*t.Width*t.Height || len(t.Frac) != t.Width*t.Height {
		return errors.Errorf("malformed remap table %dx%d", t.Width, t.Height)
	}
	return nil
}

// bilinear returns the integer source corner and the four corner weights of output pixel i.
func (t *RemapTable) bilinear(i int) (sx, sy int, w [4]float64) {
	sx, sy = int(t.XY[2*i]), int(t.XY[2*i+1])
	frac := int(t.Frac[i])
	fx := float64(frac&(RemapSteps-1)) / RemapSteps
	fy := float64(frac>>RemapBits) / RemapSteps
	w = [4]float64{(1 - fx) * (1 - fy), fx * (1 - fy), (1 - fx) * fy, fx * fy}
	return sx, sy, w
}

// RemapDepth resamples dm through the table with bilinear interpolation. Neighbors that fall
// outside dm count as zero depth.
func RemapDepth(dm *DepthMap, t *RemapTable) (*DepthMap, error) {
	if err := t.checkValid(); err != nil {
		return nil, err
	}
	if dm == nil || !dm.HasData() {
		return nil, errors.New("cannot remap an empty depth map")
	}
	sample := func(x, y int) float64 {
		if !dm.Contains(x, y) {
			return 0
		}
		return float64(dm.GetDepth(x, y))
	}

	out := NewEmptyDepthMap(t.Width, t.Height)
	utils.ParallelForEachRow(t.Height, func(y int) {
		for i := y * t.Width; i < (y+1)*t.Width; i++ {
			sx, sy, w := t.bilinear(i)
			v := sample(sx, sy)*w[0] + sample(sx+1, sy)*w[1] + sample(sx, sy+1)*w[2] + sample(sx+1, sy+1)*w[3]
			out.data[i] = saturateDepth(v)
		}
	})
	return out, nil
}

// RemapNRGBA resamples img through the table with bilinear interpolation per channel. Neighbors
// that fall outside img count as transparent black.
func RemapNRGBA(img *image.NRGBA, t *RemapTable) (*image.NRGBA, error) {
	if err := t.checkValid(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("cannot remap an empty image")
	}
	bounds := img.Bounds()
	var zero [4]uint8
	pixel := func(x, y int) []uint8 {
		if x < 0 || y < 0 || x >= bounds.Dx() || y >= bounds.Dy() {
			return zero[:]
		}
		o := img.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
		return img.Pix[o : o+4]
	}

	out := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
	utils.ParallelForEachRow(t.Height, func(y int) {
		for i := y * t.Width; i < (y+1)*t.Width; i++ {
			sx, sy, w := t.bilinear(i)
			p00, p10, p01, p11 := pixel(sx, sy), pixel(sx+1, sy), pixel(sx, sy+1), pixel(sx+1, sy+1)
			dst := out.Pix[4*i : 4*i+4]
			for c := 0; c < 4; c++ {
				v := float64(p00[c])*w[0] + float64(p10[c])*w[1] + float64(p01[c])*w[2] + float64(p11[c])*w[3]
				dst[c] = saturateUint8(v)
			}
		}
	})
	return out, nil
}

func saturateInt(v float64) int {
	if math.IsNaN(v) {
		return math.MinInt32
	}
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	if v <= math.MinInt32 {
		return math.MinInt32
	}
	return int(v)
}

func saturateInt16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func saturateUint8(v float64) uint8 {
	v = math.Round(v)
	if v <= 0 {
		return 0
	}
	if v >= math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}
