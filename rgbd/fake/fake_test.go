package fake

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.viam.com/test"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rgbd"
	"go.viam.com/rgbdinput/rimage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func streamConfig(format rgbd.ImageFormat) rgbd.StreamConfig {
	return rgbd.StreamConfig{
		FPS:             rgbd.FPS30,
		ColorFormat:     format,
		ColorResolution: rgbd.ColorResolution720P,
		DepthMode:       rgbd.DepthModeNFOV2x2Binned,
	}
}

func startedDevice(t *testing.T, opts Options, format rgbd.ImageFormat) *Device {
	t.Helper()
	d := NewDevice(opts)
	test.That(t, d.StartCameras(context.Background(), streamConfig(format)), test.ShouldBeNil)
	return d
}

func TestSyntheticCalibration(t *testing.T) {
	for _, res := range []rgbd.ColorResolution{rgbd.ColorResolution720P, rgbd.ColorResolution1536P, rgbd.ColorResolution3072P} {
		for _, mode := range []rgbd.DepthMode{
			rgbd.DepthModeNFOV2x2Binned, rgbd.DepthModeNFOVUnbinned,
			rgbd.DepthModeWFOV2x2Binned, rgbd.DepthModeWFOVUnbinned,
		} {
			calib, err := SyntheticCalibration(rgbd.StreamConfig{ColorResolution: res, DepthMode: mode})
			test.That(t, err, test.ShouldBeNil)
			test.That(t, calib.CheckValid(), test.ShouldBeNil)

			cw, ch := res.Size()
			dw, dh := mode.Size()
			test.That(t, calib.Color.Intrinsics.Width, test.ShouldEqual, cw)
			test.That(t, calib.Color.Intrinsics.Height, test.ShouldEqual, ch)
			test.That(t, calib.Depth.Intrinsics.Width, test.ShouldEqual, dw)
			test.That(t, calib.Depth.Intrinsics.Height, test.ShouldEqual, dh)
		}
	}
	_, err := SyntheticCalibration(rgbd.StreamConfig{ColorResolution: "4K", DepthMode: rgbd.DepthModeNFOVUnbinned})
	test.That(t, err, test.ShouldBeError)
}

func TestDeviceScript(t *testing.T) {
	ctx := context.Background()
	d := NewDevice(Options{
		Script:       []Step{Frame(), Timeout(), {NoColor: true}, {NoDepth: true}},
		AfterScript:  Fail,
		TimeoutDelay: time.Millisecond,
	})
	_, err := d.Capture(ctx, time.Second)
	test.That(t, err, test.ShouldBeError, errors.New("cameras not started"))
	test.That(t, d.ScriptLen(), test.ShouldEqual, 4)

	test.That(t, d.StartCameras(ctx, streamConfig(rgbd.ImageFormatBGRA32)), test.ShouldBeNil)

	c, err := d.Capture(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.DepthImage(), test.ShouldNotBeNil)
	test.That(t, c.ColorImage(), test.ShouldNotBeNil)
	test.That(t, c.DepthImage().Width, test.ShouldEqual, 320)
	test.That(t, c.ColorImage().Width, test.ShouldEqual, 1280)
	c.Release()

	_, err = d.Capture(ctx, time.Second)
	test.That(t, errors.Is(err, rgbd.ErrDeviceTimeout), test.ShouldBeTrue)

	c, err = d.Capture(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.ColorImage(), test.ShouldBeNil)
	test.That(t, c.DepthImage(), test.ShouldNotBeNil)
	c.Release()

	c, err = d.Capture(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.DepthImage(), test.ShouldBeNil)
	c.Release()

	test.That(t, d.ScriptLen(), test.ShouldEqual, 0)
	_, err = d.Capture(ctx, time.Second)
	test.That(t, err, test.ShouldBeError)
	test.That(t, errors.Is(err, rgbd.ErrDeviceTimeout), test.ShouldBeFalse)

	d.Enqueue(Frame())
	c, err = d.Capture(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	c.Release()
	test.That(t, d.Captures(), test.ShouldEqual, int64(4))

	test.That(t, d.Close(ctx), test.ShouldBeNil)
	test.That(t, d.Closed(), test.ShouldBeTrue)
	test.That(t, d.Close(ctx), test.ShouldBeError)
	_, err = d.Capture(ctx, time.Second)
	test.That(t, err, test.ShouldBeError)
}

func TestDeviceTimeoutHonorsContext(t *testing.T) {
	d := startedDevice(t, Options{}, rgbd.ImageFormatBGRA32)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := d.Capture(ctx, time.Hour)
	test.That(t, err, test.ShouldResemble, context.DeadlineExceeded)
	test.That(t, time.Since(start), test.ShouldBeLessThan, time.Minute)
}

func TestReleaseAccounting(t *testing.T) {
	d := startedDevice(t, Options{Script: []Step{Frame(), Frame()}}, rgbd.ImageFormatBGRA32)
	first, err := d.Capture(context.Background(), time.Second)
	test.That(t, err, test.ShouldBeNil)
	second, err := d.Capture(context.Background(), time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.Outstanding(), test.ShouldEqual, int64(2))

	first.Release()
	first.Release()
	test.That(t, d.Outstanding(), test.ShouldEqual, int64(1))
	second.Release()
	test.That(t, d.Outstanding(), test.ShouldEqual, int64(0))
}

func TestColorEncodingsDecode(t *testing.T) {
	want := sceneColor(1280, 720)
	for _, format := range rgbd.ColorFormats {
		t.Run(string(format), func(t *testing.T) {
			d := startedDevice(t, Options{Script: []Step{Frame()}}, format)
			c, err := d.Capture(context.Background(), time.Second)
			test.That(t, err, test.ShouldBeNil)
			defer c.Release()

			decoder, err := rgbd.NewColorDecoder(format)
			test.That(t, err, test.ShouldBeNil)
			img, err := decoder.Decode(c.ColorImage())
			test.That(t, err, test.ShouldBeNil)
			test.That(t, img.Width(), test.ShouldEqual, 1280)
			test.That(t, img.Height(), test.ShouldEqual, 720)

			// inside checkerboard squares, away from edges lossy formats smear
			for _, p := range [][2]int{{20, 20}, {660, 380}, {1220, 700}} {
				got, exp := img.NRGBAAt(p[0], p[1]), want.NRGBAAt(p[0], p[1])
				test.That(t, int(got.R), test.ShouldAlmostEqual, int(exp.R), 12)
				test.That(t, int(got.G), test.ShouldAlmostEqual, int(exp.G), 12)
				test.That(t, int(got.B), test.ShouldAlmostEqual, int(exp.B), 12)
			}
		})
	}
}

func TestCorruptColor(t *testing.T) {
	for _, format := range rgbd.ColorFormats {
		d := startedDevice(t, Options{Script: []Step{{CorruptColor: true}}}, format)
		c, err := d.Capture(context.Background(), time.Second)
		test.That(t, err, test.ShouldBeNil)
		decoder, err := rgbd.NewColorDecoder(format)
		test.That(t, err, test.ShouldBeNil)
		_, err = decoder.Decode(c.ColorImage())
		test.That(t, errors.Is(err, rgbd.ErrDecode), test.ShouldBeTrue)
		c.Release()
	}
}

func TestReprojector(t *testing.T) {
	ctx := context.Background()
	d := startedDevice(t, Options{Script: []Step{Frame(), {BadDepth: true}}}, rgbd.ImageFormatBGRA32)
	calib, err := d.Calibration(ctx)
	test.That(t, err, test.ShouldBeNil)
	r, err := d.Reprojector(calib)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, r.Close(), test.ShouldBeNil)
	}()

	decoder, err := rgbd.NewColorDecoder(rgbd.ImageFormatBGRA32)
	test.That(t, err, test.ShouldBeNil)

	c, err := d.Capture(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	color, err := decoder.Decode(c.ColorImage())
	test.That(t, err, test.ShouldBeNil)
	dm, err := r.DepthToColor(ctx, c.DepthImage(), color)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.Width(), test.ShouldEqual, 1280)
	test.That(t, dm.Height(), test.ShouldEqual, 720)
	minD, maxD := dm.MinMax()
	test.That(t, minD, test.ShouldBeGreaterThan, rimage.Depth(1300))
	test.That(t, maxD, test.ShouldBeLessThan, rimage.Depth(1700))

	_, err = r.DepthToColor(ctx, c.DepthImage(), rimage.NewBGRA(color.Bounds().Inset(1)))
	test.That(t, errors.Is(err, rgbd.ErrReprojection), test.ShouldBeTrue)
	c.Release()

	c, err = d.Capture(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	_, err = r.DepthToColor(ctx, c.DepthImage(), color)
	test.That(t, errors.Is(err, rgbd.ErrReprojection), test.ShouldBeTrue)
	c.Release()
}

func TestBackend(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	d := NewDevice(Options{})
	b := NewBackend(d)
	count, err := b.InstalledCount(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, count, test.ShouldEqual, 1)

	got, err := b.Open(ctx, 0, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, d)
	_, err = b.Open(ctx, 1, logger)
	test.That(t, err, test.ShouldBeError)

	b.OpenErr = errors.New("busy")
	_, err = b.Open(ctx, 0, logger)
	test.That(t, err, test.ShouldEqual, b.OpenErr)
}

func TestRegisteredBackendStreams(t *testing.T) {
	ctx := context.Background()
	cfg := rgbd.DefaultConfig()
	cfg.Stream = streamConfig(rgbd.ImageFormatBGRA32)
	b, err := rgbd.NewBackend(ctx, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	d, err := b.Open(ctx, 0, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.StartCameras(ctx, cfg.Stream), test.ShouldBeNil)
	for i := 0; i < 3; i++ {
		c, err := d.Capture(ctx, cfg.Stream.CaptureTimeout())
		test.That(t, err, test.ShouldBeNil)
		c.Release()
	}
	test.That(t, d.Close(ctx), test.ShouldBeNil)
}

func TestRegisteredBackendCalibrationFile(t *testing.T) {
	ctx := context.Background()
	cfg := rgbd.DefaultConfig()
	cfg.Stream = streamConfig(rgbd.ImageFormatBGRA32)
	calib, err := SyntheticCalibration(cfg.Stream)
	test.That(t, err, test.ShouldBeNil)
	calib.Color.Intrinsics.Fx = 611.5
	calib.DepthToColor.TranslationMM = [3]float64{-30, 0, 1}
	data, err := json.Marshal(calib)
	test.That(t, err, test.ShouldBeNil)
	cfg.CalibrationFile = filepath.Join(t.TempDir(), "calibration.json")
	test.That(t, os.WriteFile(cfg.CalibrationFile, data, 0o600), test.ShouldBeNil)

	b, err := rgbd.NewBackend(ctx, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	d, err := b.Open(ctx, 0, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.StartCameras(ctx, cfg.Stream), test.ShouldBeNil)
	got, err := d.Calibration(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, calib)
	test.That(t, d.Close(ctx), test.ShouldBeNil)

	cfg.CalibrationFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = rgbd.NewBackend(ctx, cfg, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, rgbd.ErrStartup), test.ShouldBeTrue)
}
