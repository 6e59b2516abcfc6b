// Package transform holds the camera models of the capture pipeline: pinhole intrinsics, lens
// distortion, the undistortion map builder and depth to color reprojection.
package transform

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if !(params.Fx > 0) || math.IsInf(params.Fx, 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if !(params.Fy > 0) || math.IsInf(params.Fy, 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 || math.IsNaN(params.Ppx) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 || math.IsNaN(params.Ppy) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// Scaled returns the intrinsics of the same camera sampled at 1/factor of the resolution. The
// focal lengths and principal point are divided by factor, the size is integer divided.
func (params *PinholeCameraIntrinsics) Scaled(factor int) (*PinholeCameraIntrinsics, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if factor < 1 {
		return nil, errors.Errorf("downscale factor must be at least 1, got %d", factor)
	}
	scaled := &PinholeCameraIntrinsics{
		Width:  params.Width / factor,
		Height: params.Height / factor,
		Fx:     params.Fx / float64(factor),
		Fy:     params.Fy / float64(factor),
		Ppx:    params.Ppx / float64(factor),
		Ppy:    params.Ppy / float64(factor),
	}
	if scaled.Width == 0 || scaled.Height == 0 {
		return nil, errors.Errorf("downscale factor %d leaves no pixels of a %dx%d image", factor, params.Width, params.Height)
	}
	return scaled, nil
}

// PixelToPoint transforms a pixel with depth to a 3D point.
// The intrinsics parameters should be the ones of the sensor used to obtain the image that
// contains the pixel.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return float64(0), float64(0), float64(0)
	}
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point to a pixel in an image plane.
// The intrinsics parameters should be the ones of the sensor we want to project to.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z != 0. {
		xPx := math.Round((x/z)*params.Fx + params.Ppx)
		yPx := math.Round((y/z)*params.Fy + params.Ppy)
		return xPx, yPx
	}
	// if depth is zero at this pixel, return negative coordinates so that the cropping to image bounds will filter it out
	return -1.0, -1.0
}

// PixelToNormalized maps a pixel onto the z=1 plane.
func (params *PinholeCameraIntrinsics) PixelToNormalized(px r2.Point) r2.Point {
	return r2.Point{X: (px.X - params.Ppx) / params.Fx, Y: (px.Y - params.Ppy) / params.Fy}
}

// NormalizedToPixel maps a point on the z=1 plane back onto the image, without rounding.
func (params *PinholeCameraIntrinsics) NormalizedToPixel(pt r2.Point) r2.Point {
	return r2.Point{X: pt.X*params.Fx + params.Ppx, Y: pt.Y*params.Fy + params.Ppy}
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// NewPinholeCameraIntrinsicsFromMatrix reads fx, fy, ppx and ppy back out of a 3x3 camera matrix.
func NewPinholeCameraIntrinsicsFromMatrix(k mat.Matrix, width, height int) (*PinholeCameraIntrinsics, error) {
	if r, c := k.Dims(); r != 3 || c != 3 {
		return nil, errors.Errorf("camera matrix must be 3x3, got %dx%d", r, c)
	}
	params := &PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     k.At(0, 0),
		Fy:     k.At(1, 1),
		Ppx:    k.At(0, 2),
		Ppy:    k.At(1, 2),
	}
	return params, params.CheckValid()
}
