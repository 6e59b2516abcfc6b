package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbdinput/rimage"
	"go.viam.com/rgbdinput/utils"
)

const (
	// rectangleGridSize is the number of sample points per axis used to find the valid region of
	// an undistorted image.
	rectangleGridSize = 9
	// pointUndistortIterations matches what undistortion routines conventionally use when
	// sizing the output camera.
	pointUndistortIterations = 5
)

// rect is an axis aligned rectangle in floating point pixels.
type rect struct {
	x, y, w, h float64
}

// undistortedRectangles undistorts a grid of points spread over the image and returns, on the
// normalized image plane, the largest rectangle containing only valid pixels (inner) and the
// smallest rectangle containing every pixel (outer).
func undistortedRectangles(k *PinholeCameraIntrinsics, dist *RationalDistortion, width, height int) (rect, rect) {
	const n = rectangleGridSize
	pts := make([]r2.Point, 0, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			px := r2.Point{X: float64(x) * float64(width) / (n - 1), Y: float64(y) * float64(height) / (n - 1)}
			norm := k.PixelToNormalized(px)
			norm.X, norm.Y = dist.UndistortPointIterative(norm.X, norm.Y, pointUndistortIterations)
			pts = append(pts, norm)
		}
	}

	iX0, iX1, iY0, iY1 := -math.MaxFloat64, math.MaxFloat64, -math.MaxFloat64, math.MaxFloat64
	oX0, oX1, oY0, oY1 := math.MaxFloat64, -math.MaxFloat64, math.MaxFloat64, -math.MaxFloat64
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			p := pts[y*n+x]
			oX0 = math.Min(oX0, p.X)
			oX1 = math.Max(oX1, p.X)
			oY0 = math.Min(oY0, p.Y)
			oY1 = math.Max(oY1, p.Y)

			if x == 0 {
				iX0 = math.Max(iX0, p.X)
			}
			if x == n-1 {
				iX1 = math.Min(iX1, p.X)
			}
			if y == 0 {
				iY0 = math.Max(iY0, p.Y)
			}
			if y == n-1 {
				iY1 = math.Min(iY1, p.Y)
			}
		}
	}
	return rect{iX0, iY0, iX1 - iX0, iY1 - iY0}, rect{oX0, oY0, oX1 - oX0, oY1 - oY0}
}

// GetOptimalNewCameraMatrix returns the pinhole camera that an image of the given size taken
// with (k, dist) should be undistorted onto. With alpha = 0 the result is zoomed so every output
// pixel is valid; with alpha = 1 every source pixel is kept and the corners contain black. When
// centerPrincipalPoint is set the principal point is placed at the image center and the focal
// lengths are scaled uniformly; otherwise the camera is fit to the chosen rectangle per axis.
func GetOptimalNewCameraMatrix(
	k *PinholeCameraIntrinsics,
	dist *RationalDistortion,
	width, height int,
	alpha float64,
	centerPrincipalPoint bool,
) (*PinholeCameraIntrinsics, error) {
	if err := k.CheckValid(); err != nil {
		return nil, err
	}
	if err := dist.CheckValid(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", width, height)
	}
	if alpha < 0 || alpha > 1 || math.IsNaN(alpha) {
		return nil, errors.Errorf("alpha must be within [0, 1], got %v", alpha)
	}

	inner, outer := undistortedRectangles(k, dist, width, height)
	newK := &PinholeCameraIntrinsics{Width: width, Height: height}

	if centerPrincipalPoint {
		inner = rect{inner.x*k.Fx + k.Ppx, inner.y*k.Fy + k.Ppy, inner.w * k.Fx, inner.h * k.Fy}
		outer = rect{outer.x*k.Fx + k.Ppx, outer.y*k.Fy + k.Ppy, outer.w * k.Fx, outer.h * k.Fy}
		cx0, cy0 := k.Ppx, k.Ppy
		cx, cy := float64(width)*0.5, float64(height)*0.5

		s0 := math.Max(math.Max(math.Max(cx/(cx0-inner.x), cy/(cy0-inner.y)),
			cx/(inner.x+inner.w-cx0)),
			cy/(inner.y+inner.h-cy0))
		s1 := math.Min(math.Min(math.Min(cx/(cx0-outer.x), cy/(cy0-outer.y)),
			cx/(outer.x+outer.w-cx0)),
			cy/(outer.y+outer.h-cy0))
		s := s0*(1-alpha) + s1*alpha

		newK.Fx = k.Fx * s
		newK.Fy = k.Fy * s
		newK.Ppx = cx
		newK.Ppy = cy
	} else {
		fx0 := float64(width) / inner.w
		fy0 := float64(height) / inner.h
		cx0 := -fx0 * inner.x
		cy0 := -fy0 * inner.y

		fx1 := float64(width) / outer.w
		fy1 := float64(height) / outer.h
		cx1 := -fx1 * outer.x
		cy1 := -fy1 * outer.y

		newK.Fx = fx0*(1-alpha) + fx1*alpha
		newK.Fy = fy0*(1-alpha) + fy1*alpha
		newK.Ppx = cx0*(1-alpha) + cx1*alpha
		newK.Ppy = cy0*(1-alpha) + cy1*alpha
	}

	if err := newK.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "distortion too strong to fit a camera")
	}
	return newK, nil
}

// InitUndistortRectifyMap builds the table that resamples a distorted image taken with (k, dist)
// onto the pinhole camera newK, with no rectifying rotation. For every pixel of the output grid
// the table holds where that pixel lies in the distorted source image.
func InitUndistortRectifyMap(
	k *PinholeCameraIntrinsics,
	dist *RationalDistortion,
	newK *PinholeCameraIntrinsics,
) (*rimage.RemapTable, error) {
	if err := k.CheckValid(); err != nil {
		return nil, err
	}
	if err := dist.CheckValid(); err != nil {
		return nil, err
	}
	if err := newK.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "new camera")
	}

	var inv mat.Dense
	if err := inv.Inverse(newK.GetCameraMatrix()); err != nil {
		return nil, errors.Wrap(err, "new camera matrix is singular")
	}
	ir := inv.RawMatrix().Data

	table := rimage.NewRemapTable(newK.Width, newK.Height)
	utils.ParallelForEachRow(newK.Height, func(v int) {
		// ray through the start of the row, stepping by the first column of the inverse
		rx := float64(v)*ir[1] + ir[2]
		ry := float64(v)*ir[4] + ir[5]
		rw := float64(v)*ir[7] + ir[8]
		for u := 0; u < newK.Width; u++ {
			x, y := rx/rw, ry/rw
			xd, yd := dist.Transform(x, y)
			table.SetSource(u, v, k.Fx*xd+k.Ppx, k.Fy*yd+k.Ppy)

			rx += ir[0]
			ry += ir[3]
			rw += ir[6]
		}
	})
	return table, nil
}
