package rgbd

import (
	"image"
	"image/color"
	"testing"

	"go.viam.com/test"

	"go.viam.com/rgbdinput/rimage"
)

func uniformInputs(width, height int, depth rimage.Depth, c color.NRGBA) (*rimage.DepthMap, *rimage.BGRA) {
	dm := rimage.NewEmptyDepthMap(width, height)
	img := rimage.NewBGRA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dm.Set(x, y, depth)
			img.SetNRGBA(x, y, c)
		}
	}
	return dm, img
}

func TestUndistortUniform(t *testing.T) {
	u, err := BuildUndistortion(testCalibration(0), 2, 1)
	test.That(t, err, test.ShouldBeNil)
	un, err := NewUndistorter(u, 5)
	test.That(t, err, test.ShouldBeNil)

	depth, img := uniformInputs(64, 48, 1000, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	pair, err := un.Undistort(depth, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pair.Depth.Width(), test.ShouldEqual, 32)
	test.That(t, pair.Depth.Height(), test.ShouldEqual, 24)
	test.That(t, pair.Color.Bounds(), test.ShouldResemble, image.Rect(0, 0, 32, 24))

	// without distortion the table is the identity, so every pixel keeps its value
	for _, p := range []image.Point{{0, 0}, {16, 12}, {31, 23}} {
		test.That(t, pair.Depth.Get(p), test.ShouldEqual, rimage.Depth(5000))
		r, g, b := pair.Color.RGB255At(p.X, p.Y)
		test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{200, 100, 50})
	}
}

func TestUndistortOutputSize(t *testing.T) {
	for _, factor := range []int{1, 2, 4, 8} {
		u, err := BuildUndistortion(testCalibration(-0.15), factor, 1)
		test.That(t, err, test.ShouldBeNil)
		un, err := NewUndistorter(u, 1)
		test.That(t, err, test.ShouldBeNil)

		depth, img := uniformInputs(64, 48, 800, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
		pair, err := un.Undistort(depth, img)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pair.Depth.Width(), test.ShouldEqual, 64/factor)
		test.That(t, pair.Depth.Height(), test.ShouldEqual, 48/factor)
		test.That(t, pair.Color.Width(), test.ShouldEqual, pair.Depth.Width())
		test.That(t, pair.Color.Height(), test.ShouldEqual, pair.Depth.Height())
		test.That(t, pair.Depth.Width(), test.ShouldEqual, u.Pinhole.Width)
		test.That(t, pair.Depth.Height(), test.ShouldEqual, u.Pinhole.Height)

		// the center of the undistorted image always sees the scene
		test.That(t, pair.Depth.GetDepth(pair.Depth.Width()/2, pair.Depth.Height()/2), test.ShouldEqual, rimage.Depth(800))
	}
}

func TestUndistortRejectsMismatchedInput(t *testing.T) {
	u, err := BuildUndistortion(testCalibration(0), 2, 1)
	test.That(t, err, test.ShouldBeNil)
	un, err := NewUndistorter(u, 1)
	test.That(t, err, test.ShouldBeNil)

	depth, _ := uniformInputs(64, 48, 1, color.NRGBA{})
	_, img := uniformInputs(32, 24, 1, color.NRGBA{})
	_, err = un.Undistort(depth, img)
	test.That(t, err, test.ShouldBeError)

	depth, img = uniformInputs(60, 48, 1, color.NRGBA{})
	_, err = un.Undistort(depth, img)
	test.That(t, err, test.ShouldBeError)

	_, err = un.Undistort(nil, img)
	test.That(t, err, test.ShouldBeError)

	_, err = NewUndistorter(u, 0)
	test.That(t, err, test.ShouldBeError)
	_, err = NewUndistorter(nil, 1)
	test.That(t, err, test.ShouldBeError)
}

func TestUndistorterRegistry(t *testing.T) {
	test.That(t, RegisteredUndistorters(), test.ShouldContain, DefaultUndistorter)
	constructor, ok := LookupUndistorter(DefaultUndistorter)
	test.That(t, ok, test.ShouldBeTrue)
	u, err := BuildUndistortion(testCalibration(0), 2, 1)
	test.That(t, err, test.ShouldBeNil)
	un, err := constructor(u, 1, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, un, test.ShouldNotBeNil)

	test.That(t, func() { RegisterUndistorter(DefaultUndistorter, constructor) }, test.ShouldPanic)
	test.That(t, func() { RegisterUndistorter("nil", nil) }, test.ShouldPanic)
	_, ok = LookupUndistorter("nope")
	test.That(t, ok, test.ShouldBeFalse)
}
