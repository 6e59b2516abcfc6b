package rimage

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// Depth is the depth value of a single pixel in sensor units (millimeters for the supported cameras).
type Depth uint16

// MaxDepth is the largest representable depth.
const MaxDepth = Depth(math.MaxUint16)

// depthMapMagic starts every serialized depth map.
const depthMapMagic = "DEPTHMAP"

// DepthMap is a single channel, row-major image of depth values.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns a zeroed depth map of the given size.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

// NewDepthMapFromBuffer copies little endian 16 bit depth samples out of a raw sensor buffer.
// A stride of 0 means the rows are tightly packed.
func NewDepthMapFromBuffer(buf []byte, width, height, stride int) (*DepthMap, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("bad width or height for depth map %d %d", width, height)
	}
	if stride == 0 {
		stride = width * 2
	}
	if stride < width*2 || len(buf) < stride*(height-1)+width*2 {
		return nil, errors.Errorf("depth buffer of %d bytes is too short for %dx%d (stride %d)",
			len(buf), width, height, stride)
	}
	dm := NewEmptyDepthMap(width, height)
	for y := 0; y < height; y++ {
		row := buf[y*stride:]
		for x := 0; x < width; x++ {
			dm.data[y*width+x] = Depth(binary.LittleEndian.Uint16(row[2*x:]))
		}
	}
	return dm, nil
}

// ConvertImageToDepthMap takes an image and figures out if it's already a DepthMap or a 16 bit
// gray image and returns the matching depth map.
func ConvertImageToDepthMap(img image.Image) (*DepthMap, error) {
	switch ii := img.(type) {
	case *DepthMap:
		return ii, nil
	case *image.Gray16:
		bounds := ii.Bounds()
		dm := NewEmptyDepthMap(bounds.Dx(), bounds.Dy())
		for y := 0; y < dm.height; y++ {
			for x := 0; x < dm.width; x++ {
				dm.Set(x, y, Depth(ii.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
		return dm, nil
	default:
		return nil, errors.Errorf("don't know how to make DepthMap from %T", img)
	}
}

// HasData returns whether the depth map holds any pixels.
func (dm *DepthMap) HasData() bool {
	return dm.width > 0 && dm.height > 0 && dm.data != nil
}

// Width returns the horizontal size in pixels.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the vertical size in pixels.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the rectangle dimensions of the image.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// ColorModel is for the image.Image interface.
func (dm *DepthMap) ColorModel() color.Model {
	return color.Gray16Model
}

// At returns the depth as a 16 bit gray value.
func (dm *DepthMap) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(dm.Bounds())) {
		return color.Gray16{}
	}
	return color.Gray16{uint16(dm.GetDepth(x, y))}
}

// Contains returns whether or not a point is within bounds of the depth map.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

// Get returns the depth at a given image.Point.
func (dm *DepthMap) Get(p image.Point) Depth {
	return dm.data[p.Y*dm.width+p.X]
}

// GetDepth returns the depth at a given (x, y) coordinate.
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[y*dm.width+x]
}

// Set sets the depth at a given (x, y) coordinate.
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[y*dm.width+x] = val
}

// Row returns the depth values of row y. The slice aliases the map.
func (dm *DepthMap) Row(y int) []Depth {
	return dm.data[y*dm.width : (y+1)*dm.width]
}

// Clone makes a deep copy.
func (dm *DepthMap) Clone() *DepthMap {
	ret := NewEmptyDepthMap(dm.width, dm.height)
	copy(ret.data, dm.data)
	return ret
}

// Scale multiplies every depth value in place by factor, rounding to the nearest integer and
// saturating at the uint16 range. It returns dm.
func (dm *DepthMap) Scale(factor float64) *DepthMap {
	if factor == 1 {
		return dm
	}
	for i, d := range dm.data {
		dm.data[i] = saturateDepth(float64(d) * factor)
	}
	return dm
}

// MinMax returns the minimum and maximum non-zero depth in the map.
func (dm *DepthMap) MinMax() (Depth, Depth) {
	minDepth := MaxDepth
	maxDepth := Depth(0)
	for _, z := range dm.data {
		if z == 0 {
			continue
		}
		if z < minDepth {
			minDepth = z
		}
		if z > maxDepth {
			maxDepth = z
		}
	}
	if maxDepth == 0 {
		return 0, 0
	}
	return minDepth, maxDepth
}

// ToPrettyPicture colors the depth map with a hue ramp over [hardMin, hardMax] so a dumped frame
// is readable in an image viewer. Missing depth stays black.
func (dm *DepthMap) ToPrettyPicture(hardMin, hardMax Depth) *image.NRGBA {
	minDepth, maxDepth := dm.MinMax()
	if minDepth < hardMin {
		minDepth = hardMin
	}
	if maxDepth > hardMax {
		maxDepth = hardMax
	}

	img := image.NewNRGBA(dm.Bounds())
	span := float64(maxDepth) - float64(minDepth)
	if span <= 0 {
		span = 1
	}
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			z := dm.GetDepth(x, y)
			if z == 0 {
				img.SetNRGBA(x, y, color.NRGBA{A: 0xff})
				continue
			}
			z = min(max(z, minDepth), maxDepth)
			ratio := float64(z-minDepth) / span

			hue := 30 + (200.0 * ratio)
			r, g, b := colorful.Hsv(hue, 1.0, 1.0).RGB255()
			img.SetNRGBA(x, y, color.NRGBA{r, g, b, 0xff})
		}
	}
	return img
}

// ToGray16 copies the raw depth values into a 16 bit gray image.
func (dm *DepthMap) ToGray16() *image.Gray16 {
	img := image.NewGray16(dm.Bounds())
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			img.SetGray16(x, y, color.Gray16{uint16(dm.GetDepth(x, y))})
		}
	}
	return img
}

func saturateDepth(v float64) Depth {
	v = math.Round(v)
	if v <= 0 {
		return 0
	}
	if v >= math.MaxUint16 {
		return MaxDepth
	}
	return Depth(v)
}

// ParseDepthMap reads a depth map written by WriteToFile. Files ending in .gz are decompressed.
func ParseDepthMap(fn string) (dm *DepthMap, err error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var r io.Reader = f
	if filepath.Ext(fn) == ".gz" {
		gz, gzErr := gzip.NewReader(f)
		if gzErr != nil {
			return nil, gzErr
		}
		defer func() {
			err = multierr.Combine(err, gz.Close())
		}()
		r = gz
	}

	return ReadDepthMap(bufio.NewReader(r))
}

// ReadDepthMap reads a serialized depth map: a magic header, the width and height as little
// endian uint64 and then the row-major depth values as little endian uint16.
func ReadDepthMap(r *bufio.Reader) (*DepthMap, error) {
	magic := make([]byte, len(depthMapMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(err, "reading depth map header")
	}
	if string(magic) != depthMapMagic {
		return nil, errors.Errorf("not a depth map, header %q", magic)
	}

	var dims [2]uint64
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, errors.Wrap(err, "reading depth map size")
	}
	width, height := int(dims[0]), int(dims[1])
	if width <= 0 || width >= 100000 || height <= 0 || height >= 100000 {
		return nil, errors.Errorf("bad width or height for depth map %v %v", width, height)
	}

	dm := NewEmptyDepthMap(width, height)
	if err := binary.Read(r, binary.LittleEndian, dm.data); err != nil {
		return nil, errors.Wrap(err, "reading depth values")
	}
	return dm, nil
}

// WriteToFile writes the depth map in the format ReadDepthMap understands, gzipping it when the
// file name ends in .gz.
func (dm *DepthMap) WriteToFile(fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	if filepath.Ext(fn) != ".gz" {
		if err := dm.WriteRawTo(f); err != nil {
			return err
		}
		return f.Sync()
	}

	gout := gzip.NewWriter(f)
	if err := dm.WriteRawTo(gout); err != nil {
		return multierr.Combine(err, gout.Close())
	}
	if err := gout.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// WriteRawTo serializes the depth map to out.
func (dm *DepthMap) WriteRawTo(out io.Writer) error {
	if _, err := io.WriteString(out, depthMapMagic); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, [2]uint64{uint64(dm.width), uint64(dm.height)}); err != nil {
		return err
	}
	return binary.Write(out, binary.LittleEndian, dm.data)
}
