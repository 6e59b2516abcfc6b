//go:build opencv

// Package opencv registers an undistorter backed by OpenCV. It produces the same frames as the
// pure Go one up to rounding and is faster at high resolutions.
package opencv

import (
	"encoding/binary"
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rgbd"
	"go.viam.com/rgbdinput/rimage"
	"go.viam.com/rgbdinput/rimage/transform"
)

// UndistorterName is the name the undistorter is registered under.
const UndistorterName = "opencv"

func init() {
	rgbd.RegisterUndistorter(UndistorterName, func(u *rgbd.Undistortion, depthScale float64, logger logging.Logger) (rgbd.Undistorter, error) {
		return NewUndistorter(u, depthScale, logger)
	})
}

// Undistorter resizes with area interpolation and remaps bilinearly with OpenCV. Close releases
// its maps.
type Undistorter struct {
	u          *rgbd.Undistortion
	depthScale float64
	logger     logging.Logger

	mu     sync.Mutex
	map1   gocv.Mat
	map2   gocv.Mat
	closed bool
}

func cameraMatrix(k *transform.PinholeCameraIntrinsics) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	m.SetDoubleAt(0, 0, k.Fx)
	m.SetDoubleAt(0, 2, k.Ppx)
	m.SetDoubleAt(1, 1, k.Fy)
	m.SetDoubleAt(1, 2, k.Ppy)
	m.SetDoubleAt(2, 2, 1)
	return m
}

// NewUndistorter builds the fixed point remap tables for u.
func NewUndistorter(u *rgbd.Undistortion, depthScale float64, logger logging.Logger) (*Undistorter, error) {
	if u == nil || u.Intrinsics == nil || u.OptimalIntrinsics == nil || u.Distortion == nil {
		return nil, errors.New("undistortion is not built")
	}
	if depthScale <= 0 {
		return nil, errors.Errorf("depth scale must be positive, got %v", depthScale)
	}
	camera := cameraMatrix(u.Intrinsics)
	defer camera.Close()
	optimal := cameraMatrix(u.OptimalIntrinsics)
	defer optimal.Close()

	// k1, k2, p1, p2, k3, k4, k5, k6
	params := u.Distortion.Parameters()
	dist := gocv.NewMatWithSize(1, len(params), gocv.MatTypeCV64F)
	defer dist.Close()
	for i, p := range params {
		dist.SetDoubleAt(0, i, p)
	}
	rect := gocv.NewMat()
	defer rect.Close()

	un := &Undistorter{
		u:          u,
		depthScale: depthScale,
		logger:     logger,
		map1:       gocv.NewMat(),
		map2:       gocv.NewMat(),
	}
	size := image.Pt(u.Width(), u.Height())
	gocv.InitUndistortRectifyMap(camera, dist, rect, optimal, size, int(gocv.MatTypeCV16SC2), un.map1, un.map2)
	if un.map1.Empty() {
		return nil, multierr.Combine(errors.New("opencv built no undistortion map"), un.Close())
	}
	logger.Debugw("built opencv undistortion map", "width", size.X, "height", size.Y)
	return un, nil
}

// Undistort implements rgbd.Undistorter.
func (un *Undistorter) Undistort(depth *rimage.DepthMap, img *rimage.BGRA) (*rgbd.FramePair, error) {
	if depth == nil || img == nil {
		return nil, errors.New("undistort needs both depth and color")
	}
	w, h := un.u.Width(), un.u.Height()
	if depth.Width() != img.Width() || depth.Height() != img.Height() ||
		depth.Width()%w != 0 || depth.Height()%h != 0 {
		return nil, errors.Errorf("input %dx%d is not a multiple of the %dx%d output", depth.Width(), depth.Height(), w, h)
	}

	un.mu.Lock()
	defer un.mu.Unlock()
	if un.closed {
		return nil, errors.New("undistorter is closed")
	}

	outDepth, err := un.undistortDepth(depth, image.Pt(w, h))
	if err != nil {
		return nil, err
	}
	outColor, err := un.undistortColor(img, image.Pt(w, h))
	if err != nil {
		return nil, err
	}
	return &rgbd.FramePair{Depth: outDepth, Color: outColor}, nil
}

func (un *Undistorter) undistortDepth(depth *rimage.DepthMap, size image.Point) (*rimage.DepthMap, error) {
	buf := make([]byte, 0, 2*depth.Width()*depth.Height())
	for y := 0; y < depth.Height(); y++ {
		for _, d := range depth.Row(y) {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(d))
		}
	}
	src, err := gocv.NewMatFromBytes(depth.Height(), depth.Width(), gocv.MatTypeCV16UC1, buf)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(src, &small, size, 0, 0, gocv.InterpolationArea)
	scaled := gocv.NewMat()
	defer scaled.Close()
	small.ConvertToWithParams(&scaled, gocv.MatTypeCV16UC1, float32(un.depthScale), 0)

	out := gocv.NewMat()
	defer out.Close()
	gocv.Remap(scaled, &out, &un.map1, &un.map2, gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	return rimage.NewDepthMapFromBuffer(out.ToBytes(), size.X, size.Y, 0)
}

func (un *Undistorter) undistortColor(img *rimage.BGRA, size image.Point) (*rimage.RGB, error) {
	pix := img.Pix
	if img.Stride != 4*img.Width() {
		pix = make([]byte, 0, 4*img.Width()*img.Height())
		for y := 0; y < img.Height(); y++ {
			pix = append(pix, img.Pix[y*img.Stride:y*img.Stride+4*img.Width()]...)
		}
	}
	src, err := gocv.NewMatFromBytes(img.Height(), img.Width(), gocv.MatTypeCV8UC4, pix)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(src, &small, size, 0, 0, gocv.InterpolationArea)
	out := gocv.NewMat()
	defer out.Close()
	gocv.Remap(small, &out, &un.map1, &un.map2, gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})

	bgra := out.ToBytes()
	rgb := rimage.NewRGB(size.X, size.Y)
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			i := 4 * (y*size.X + x)
			rgb.SetRGB255(x, y, bgra[i+2], bgra[i+1], bgra[i])
		}
	}
	return rgb, nil
}

// Close releases the remap tables.
func (un *Undistorter) Close() error {
	un.mu.Lock()
	defer un.mu.Unlock()
	if un.closed {
		return nil
	}
	un.closed = true
	return multierr.Combine(un.map1.Close(), un.map2.Close())
}
