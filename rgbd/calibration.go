package rgbd

import (
	"go.viam.com/rgbdinput/rimage"
	"go.viam.com/rgbdinput/rimage/transform"
)

// pixelCenterOffset moves the principal point from the corner convention of the map builder to
// the pixel center convention of the consumers' camera models.
const pixelCenterOffset = 0.5

// Undistortion is everything derived from the color camera's calibration at startup. It is
// built once and only read afterwards.
type Undistortion struct {
	// Intrinsics is the color camera at the output resolution, still distorted.
	Intrinsics *transform.PinholeCameraIntrinsics
	Distortion *transform.RationalDistortion
	// OptimalIntrinsics is the undistorted camera the table maps onto.
	OptimalIntrinsics *transform.PinholeCameraIntrinsics
	// Pinhole is OptimalIntrinsics with the principal point moved to pixel centers. Both
	// modalities of every output frame follow it.
	Pinhole *transform.PinholeCameraIntrinsics
	Table   *rimage.RemapTable
}

// Width returns the output width.
func (u *Undistortion) Width() int {
	return u.Table.Width
}

// Height returns the output height.
func (u *Undistortion) Height() int {
	return u.Table.Height
}

// BuildUndistortion derives the output camera model and remap table from the color camera's
// calibration. Depth shares them because it is reprojected onto the color camera first.
func BuildUndistortion(calib *transform.Calibration, factor int, alpha float64) (*Undistortion, error) {
	if calib == nil {
		return nil, wrapKind(ErrCalibration, nil, "no calibration")
	}
	if err := calib.Color.CheckValid(); err != nil {
		return nil, wrapKind(ErrCalibration, err, "color camera")
	}
	scaled, err := calib.Color.Intrinsics.Scaled(factor)
	if err != nil {
		return nil, wrapKind(ErrCalibration, err, "downscaling color camera")
	}
	dist := calib.Color.Distortion

	optimal, err := transform.GetOptimalNewCameraMatrix(scaled, dist, scaled.Width, scaled.Height, alpha, true)
	if err != nil {
		return nil, wrapKind(ErrCalibration, err, "computing undistorted camera")
	}
	table, err := transform.InitUndistortRectifyMap(scaled, dist, optimal)
	if err != nil {
		return nil, wrapKind(ErrCalibration, err, "building undistortion map")
	}

	pinhole := *optimal
	pinhole.Ppx += pixelCenterOffset
	pinhole.Ppy += pixelCenterOffset
	return &Undistortion{
		Intrinsics:        scaled,
		Distortion:        dist,
		OptimalIntrinsics: optimal,
		Pinhole:           &pinhole,
		Table:             table,
	}, nil
}
