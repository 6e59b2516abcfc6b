package rgbd

import (
	"github.com/pkg/errors"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rimage"
)

// FramePair is one processed frame: depth and color of the same capture on the same undistorted
// pixel grid.
type FramePair struct {
	Depth *rimage.DepthMap
	Color *rimage.RGB
}

// An Undistorter downscales a depth and color image pair at the color camera's resolution and
// resamples both onto the undistorted output grid.
type Undistorter interface {
	Undistort(depth *rimage.DepthMap, color *rimage.BGRA) (*FramePair, error)
}

func init() {
	RegisterUndistorter(DefaultUndistorter, func(u *Undistortion, depthScale float64, logger logging.Logger) (Undistorter, error) {
		return NewUndistorter(u, depthScale)
	})
}

type undistorter struct {
	u          *Undistortion
	depthScale float64
}

// NewUndistorter returns the pure Go undistort stage. depthScale multiplies depth after the area
// downscale.
func NewUndistorter(u *Undistortion, depthScale float64) (Undistorter, error) {
	if u == nil || u.Table == nil || u.Intrinsics == nil {
		return nil, errors.New("undistortion is not built")
	}
	if depthScale <= 0 {
		return nil, errors.Errorf("depth scale must be positive, got %v", depthScale)
	}
	return &undistorter{u: u, depthScale: depthScale}, nil
}

// Undistort returns a pair of the output size. The inputs must be at a size the output size
// divides evenly.
func (un *undistorter) Undistort(depth *rimage.DepthMap, color *rimage.BGRA) (*FramePair, error) {
	if err := checkUndistortInput(un.u, depth, color); err != nil {
		return nil, err
	}
	width, height := un.u.Width(), un.u.Height()

	smallDepth, err := rimage.ResizeDepthArea(depth, width, height)
	if err != nil {
		return nil, err
	}
	smallDepth.Scale(un.depthScale)
	smallColor, err := rimage.ResizeColorArea(color, width, height)
	if err != nil {
		return nil, err
	}

	outDepth, err := rimage.RemapDepth(smallDepth, un.u.Table)
	if err != nil {
		return nil, err
	}
	outColor, err := rimage.RemapNRGBA(smallColor, un.u.Table)
	if err != nil {
		return nil, err
	}
	return &FramePair{Depth: outDepth, Color: rimage.NewRGBFromNRGBA(outColor)}, nil
}

// checkUndistortInput rejects images whose size is not an exact multiple of the output grid, or
// whose two modalities differ.
func checkUndistortInput(u *Undistortion, depth *rimage.DepthMap, color *rimage.BGRA) error {
	if depth == nil || color == nil {
		return errors.New("undistort needs both depth and color")
	}
	if depth.Width() != color.Width() || depth.Height() != color.Height() {
		return errors.Errorf("depth (%dx%d) and color (%dx%d) sizes differ",
			depth.Width(), depth.Height(), color.Width(), color.Height())
	}
	w, h := u.Width(), u.Height()
	if depth.Width() < w || depth.Height() < h || depth.Width()%w != 0 || depth.Height()%h != 0 ||
		depth.Width()/w != depth.Height()/h {
		return errors.Errorf("input %dx%d is not a multiple of the %dx%d output", depth.Width(), depth.Height(), w, h)
	}
	return nil
}
