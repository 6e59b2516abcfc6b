package rgbd

import (
	"errors"
	"testing"

	"go.viam.com/test"

	"go.viam.com/rgbdinput/rimage/transform"
)

// testCalibration is a 64x48 color camera with its principal point at the image center.
func testCalibration(k1 float64) *transform.Calibration {
	return &transform.Calibration{
		Color: transform.CameraCalibration{
			Intrinsics: &transform.PinholeCameraIntrinsics{Width: 64, Height: 48, Fx: 50, Fy: 50, Ppx: 32, Ppy: 24},
			Distortion: &transform.RationalDistortion{RadialK1: k1},
		},
		Depth: transform.CameraCalibration{
			Intrinsics: &transform.PinholeCameraIntrinsics{Width: 32, Height: 32, Fx: 30, Fy: 30, Ppx: 16, Ppy: 16},
			Distortion: &transform.RationalDistortion{},
		},
		DepthToColor: transform.IdentityExtrinsics(),
	}
}

func TestBuildUndistortion(t *testing.T) {
	u, err := BuildUndistortion(testCalibration(-0.1), 2, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, u.Width(), test.ShouldEqual, 32)
	test.That(t, u.Height(), test.ShouldEqual, 24)

	test.That(t, u.Intrinsics.Fx, test.ShouldEqual, 25.0)
	test.That(t, u.Intrinsics.Ppx, test.ShouldEqual, 16.0)
	test.That(t, u.OptimalIntrinsics.Width, test.ShouldEqual, 32)
	test.That(t, u.OptimalIntrinsics.Ppx, test.ShouldEqual, 16.0)
	test.That(t, u.OptimalIntrinsics.Ppy, test.ShouldEqual, 12.0)

	// the pinhole model is the undistorted camera with pixel center principal point
	test.That(t, u.Pinhole.Fx, test.ShouldEqual, u.OptimalIntrinsics.Fx)
	test.That(t, u.Pinhole.Fy, test.ShouldEqual, u.OptimalIntrinsics.Fy)
	test.That(t, u.Pinhole.Ppx, test.ShouldEqual, u.OptimalIntrinsics.Ppx+0.5)
	test.That(t, u.Pinhole.Ppy, test.ShouldEqual, u.OptimalIntrinsics.Ppy+0.5)
	test.That(t, u.Pinhole.Width, test.ShouldEqual, 32)
	test.That(t, u.Pinhole.Height, test.ShouldEqual, 24)
}

func TestBuildUndistortionDeterministic(t *testing.T) {
	a, err := BuildUndistortion(testCalibration(0.2), 2, 1)
	test.That(t, err, test.ShouldBeNil)
	b, err := BuildUndistortion(testCalibration(0.2), 2, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.Table.Equal(b.Table), test.ShouldBeTrue)
	test.That(t, a.OptimalIntrinsics, test.ShouldResemble, b.OptimalIntrinsics)
}

func TestBuildUndistortionErrors(t *testing.T) {
	_, err := BuildUndistortion(nil, 2, 1)
	test.That(t, errors.Is(err, ErrCalibration), test.ShouldBeTrue)

	calib := testCalibration(0)
	calib.Color.Intrinsics.Fx = 0
	_, err = BuildUndistortion(calib, 2, 1)
	test.That(t, errors.Is(err, ErrCalibration), test.ShouldBeTrue)
	test.That(t, errors.Is(err, transform.ErrNoIntrinsics), test.ShouldBeTrue)

	_, err = BuildUndistortion(testCalibration(0), 0, 1)
	test.That(t, errors.Is(err, ErrCalibration), test.ShouldBeTrue)

	_, err = BuildUndistortion(testCalibration(0), 100, 1)
	test.That(t, errors.Is(err, ErrCalibration), test.ShouldBeTrue)
}
