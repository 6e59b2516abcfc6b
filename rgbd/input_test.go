package rgbd_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rgbd"
	"go.viam.com/rgbdinput/rgbd/fake"
	"go.viam.com/rgbdinput/rimage"
)

// waitFor polls for up to 10 seconds.
func waitFor(t *testing.T, assertion func(tb testing.TB)) {
	t.Helper()
	testutils.WaitForAssertionWithSleep(t, 10*time.Millisecond, 1000, assertion)
}

func testConfig() rgbd.Config {
	cfg := rgbd.DefaultConfig()
	cfg.Stream.ColorFormat = rgbd.ImageFormatBGRA32
	return cfg
}

func startInput(
	t *testing.T,
	opts fake.Options,
	cfg rgbd.Config,
	sink rgbd.Sink,
	inputOpts ...rgbd.Option,
) (*rgbd.Input, *fake.Device) {
	t.Helper()
	if opts.TimeoutDelay == 0 {
		opts.TimeoutDelay = time.Millisecond
	}
	device := fake.NewDevice(opts)
	in, err := rgbd.NewInput(fake.NewBackend(device), cfg, logging.NewTestLogger(t), inputOpts...)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.Start(context.Background(), sink), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, in.Close(context.Background()), test.ShouldBeNil)
	})
	return in, device
}

func steps(s ...fake.Step) []fake.Step {
	return s
}

func TestInputStreams(t *testing.T) {
	video := &rgbd.Video{}
	in, device := startInput(t, fake.Options{
		Script: steps(fake.Frame(), fake.Frame(), fake.Frame()),
	}, testConfig(), video)

	colorModel, depthModel := video.CameraModels()
	test.That(t, colorModel, test.ShouldResemble, in.Undistortion().Pinhole)
	test.That(t, depthModel, test.ShouldResemble, colorModel)
	test.That(t, colorModel.Width, test.ShouldEqual, 640)
	test.That(t, colorModel.Height, test.ShouldEqual, 360)

	for i := 0; i < 2; i++ {
		test.That(t, in.NextFrame(context.Background()), test.ShouldBeNil)
	}
	test.That(t, video.FrameCount(), test.ShouldEqual, 2)
	for i := 0; i < 2; i++ {
		pair := video.Frame(i)
		test.That(t, pair.Depth.Width(), test.ShouldEqual, 640)
		test.That(t, pair.Depth.Height(), test.ShouldEqual, 360)
		test.That(t, pair.Color.Width(), test.ShouldEqual, 640)
		test.That(t, pair.Color.Height(), test.ShouldEqual, 360)
		// the wall is at most 1.6m away, scaled by the binned mode's depth correction. Holes
		// between reprojected samples only pull averages down.
		_, maxD := pair.Depth.MinMax()
		test.That(t, maxD, test.ShouldBeGreaterThan, rimage.Depth(0))
		test.That(t, maxD, test.ShouldBeLessThanOrEqualTo, rimage.Depth(5*1610))
	}

	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, in.Stats().Timeouts, test.ShouldBeGreaterThan, uint64(0))
	})
	stats := in.Stats()
	test.That(t, stats.State, test.ShouldEqual, rgbd.StateStreaming)
	test.That(t, stats.Captures, test.ShouldEqual, uint64(3))
	// the first capture only confirms the stream is live
	test.That(t, stats.Pushed, test.ShouldEqual, uint64(2))
	test.That(t, device.Outstanding(), test.ShouldEqual, int64(0))

	test.That(t, in.Close(context.Background()), test.ShouldBeNil)
	test.That(t, in.State(), test.ShouldEqual, rgbd.StateStopped)
	test.That(t, in.Err(), test.ShouldBeNil)
	test.That(t, device.Closed(), test.ShouldBeTrue)
	_, err := in.Pull(context.Background())
	test.That(t, errors.Is(err, rgbd.ErrStreamClosed), test.ShouldBeTrue)
}

func TestInputColorFormats(t *testing.T) {
	for _, format := range rgbd.ColorFormats {
		t.Run(string(format), func(t *testing.T) {
			cfg := testConfig()
			cfg.Stream.ColorFormat = format
			in, _ := startInput(t, fake.Options{Script: steps(fake.Frame(), fake.Frame())}, cfg, nil)
			pair, err := in.Pull(context.Background())
			test.That(t, err, test.ShouldBeNil)
			test.That(t, pair.Color.Width(), test.ShouldEqual, 640)

			// the checkerboard is visible in the middle of the frame
			r, g, b := pair.Color.RGB255At(320, 180)
			test.That(t, int(r)+int(g)+int(b), test.ShouldBeGreaterThan, 0)
		})
	}
}

func TestInputDropsCorruptColor(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.ColorFormat = rgbd.ImageFormatMJPG
	in, device := startInput(t, fake.Options{
		Script: steps(fake.Frame(), fake.Step{CorruptColor: true}, fake.Frame()),
	}, cfg, nil)

	pair, err := in.Pull(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pair, test.ShouldNotBeNil)

	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, in.Stats().Pushed, test.ShouldEqual, uint64(1))
		test.That(tb, device.Outstanding(), test.ShouldEqual, int64(0))
	})
	stats := in.Stats()
	test.That(t, stats.State, test.ShouldEqual, rgbd.StateStreaming)
	test.That(t, stats.DroppedDecode, test.ShouldEqual, uint64(1))
}

func TestInputDropsIncompleteCaptures(t *testing.T) {
	in, device := startInput(t, fake.Options{
		Script: steps(fake.Frame(), fake.Step{NoColor: true}, fake.Step{NoDepth: true}, fake.Frame()),
	}, testConfig(), nil)

	_, err := in.Pull(context.Background())
	test.That(t, err, test.ShouldBeNil)

	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, in.Stats().Pushed, test.ShouldEqual, uint64(1))
		test.That(tb, device.Outstanding(), test.ShouldEqual, int64(0))
	})
	stats := in.Stats()
	test.That(t, stats.DroppedMissing, test.ShouldEqual, uint64(2))
	test.That(t, stats.State, test.ShouldEqual, rgbd.StateStreaming)
	test.That(t, in.Stats().Queue.Len, test.ShouldEqual, 0)
}

func TestInputRetriesTimeouts(t *testing.T) {
	in, _ := startInput(t, fake.Options{
		Script: steps(fake.Timeout(), fake.Frame(), fake.Timeout(), fake.Timeout(), fake.Frame()),
	}, testConfig(), nil)

	_, err := in.Pull(context.Background())
	test.That(t, err, test.ShouldBeNil)
	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, in.Stats().Pushed, test.ShouldEqual, uint64(1))
	})
	stats := in.Stats()
	test.That(t, stats.Timeouts, test.ShouldBeGreaterThanOrEqualTo, uint64(3))
	test.That(t, stats.State, test.ShouldEqual, rgbd.StateStreaming)
}

func TestInputStopsOnDeviceFailure(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	device := fake.NewDevice(fake.Options{
		Script:      steps(fake.Frame(), fake.Frame(), fake.Frame(), fake.Failure(), fake.Frame()),
		AfterScript: fake.StreamFrames,
	})
	in, err := rgbd.NewInput(fake.NewBackend(device), testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.Start(context.Background(), nil), test.ShouldBeNil)

	select {
	case <-in.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("capture loop did not stop")
	}
	test.That(t, in.State(), test.ShouldEqual, rgbd.StateStopped)
	test.That(t, errors.Is(in.Err(), rgbd.ErrDeviceFailure), test.ShouldBeTrue)
	test.That(t, device.Closed(), test.ShouldBeTrue)
	test.That(t, device.ScriptLen(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("capture loop failed").Len(), test.ShouldEqual, 1)

	// frames buffered before the failure are still delivered
	for i := 0; i < 2; i++ {
		_, err := in.Pull(context.Background())
		test.That(t, err, test.ShouldBeNil)
	}
	_, err = in.Pull(context.Background())
	test.That(t, errors.Is(err, rgbd.ErrStreamClosed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, rgbd.ErrDeviceFailure), test.ShouldBeTrue)
	test.That(t, in.Stats().Pushed, test.ShouldEqual, uint64(2))

	test.That(t, in.Close(context.Background()), test.ShouldBeNil)
}

func TestInputStopsOnPanic(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	device := fake.NewDevice(fake.Options{
		Script:       steps(fake.Frame(), fake.Frame(), fake.Step{Panic: true}, fake.Frame()),
		TimeoutDelay: time.Millisecond,
	})
	in, err := rgbd.NewInput(fake.NewBackend(device), testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.Start(context.Background(), nil), test.ShouldBeNil)

	select {
	case <-in.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("capture loop did not stop")
	}
	test.That(t, in.State(), test.ShouldEqual, rgbd.StateStopped)
	test.That(t, in.Err(), test.ShouldNotBeNil)
	test.That(t, in.Err().Error(), test.ShouldContainSubstring, "panicked")
	test.That(t, device.Closed(), test.ShouldBeTrue)
	test.That(t, logs.FilterMessage("capture loop panicked").Len(), test.ShouldEqual, 1)

	_, err = in.Pull(context.Background())
	test.That(t, err, test.ShouldBeNil)
	_, err = in.Pull(context.Background())
	test.That(t, errors.Is(err, rgbd.ErrStreamClosed), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "panicked")

	test.That(t, in.Close(context.Background()), test.ShouldBeNil)
}

func TestIsRecoverable(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("attempt 3: %w", rgbd.ErrDeviceTimeout),
		fmt.Errorf("frame 7: %w", rgbd.ErrDecode),
		fmt.Errorf("frame 7: %w", rgbd.ErrMissingModality),
	} {
		test.That(t, rgbd.IsRecoverable(err), test.ShouldBeTrue)
	}
	for _, err := range []error{
		errors.New("usb reset"),
		fmt.Errorf("frame 7: %w", rgbd.ErrReprojection),
		fmt.Errorf("frame 7: %w", rgbd.ErrDeviceFailure),
		rgbd.ErrFirstCaptureTimeout,
	} {
		test.That(t, rgbd.IsRecoverable(err), test.ShouldBeFalse)
	}
}

func TestInputStopsOnReprojectionFailure(t *testing.T) {
	in, device := startInput(t, fake.Options{
		Script: steps(fake.Frame(), fake.Step{BadDepth: true}, fake.Frame()),
	}, testConfig(), nil)

	<-in.Done()
	test.That(t, errors.Is(in.Err(), rgbd.ErrReprojection), test.ShouldBeTrue)
	test.That(t, device.Closed(), test.ShouldBeTrue)
	test.That(t, in.Stats().Pushed, test.ShouldEqual, uint64(0))
	_, err := in.Pull(context.Background())
	test.That(t, errors.Is(err, rgbd.ErrReprojection), test.ShouldBeTrue)
}

func TestInputFirstCaptureDeadline(t *testing.T) {
	mock := clock.NewMock()
	in, device := startInput(t, fake.Options{AfterScript: fake.TimeOut}, testConfig(), nil, rgbd.WithClock(mock))

	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, in.Stats().Timeouts, test.ShouldBeGreaterThan, uint64(2))
	})
	test.That(t, in.State(), test.ShouldEqual, rgbd.StateAwaitingFirstCapture)

	mock.Add(rgbd.DefaultFirstCaptureTimeout + time.Second)
	select {
	case <-in.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("first capture deadline did not stop the loop")
	}
	test.That(t, errors.Is(in.Err(), rgbd.ErrFirstCaptureTimeout), test.ShouldBeTrue)
	test.That(t, device.Closed(), test.ShouldBeTrue)
	_, err := in.Pull(context.Background())
	test.That(t, errors.Is(err, rgbd.ErrFirstCaptureTimeout), test.ShouldBeTrue)
}

func TestInputFirstCaptureFailure(t *testing.T) {
	in, _ := startInput(t, fake.Options{AfterScript: fake.Fail}, testConfig(), nil)
	<-in.Done()
	test.That(t, errors.Is(in.Err(), rgbd.ErrDeviceFailure), test.ShouldBeTrue)
	test.That(t, in.Stats().Captures, test.ShouldEqual, uint64(0))
}

func TestInputCloseUnblocksProducer(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	in, device := startInput(t, fake.Options{AfterScript: fake.StreamFrames}, cfg, nil)

	// with nobody pulling the producer ends up waiting for room
	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, in.Stats().Queue.Len, test.ShouldEqual, 1)
		test.That(tb, device.Captures(), test.ShouldBeGreaterThan, int64(2))
	})
	test.That(t, in.Close(context.Background()), test.ShouldBeNil)
	test.That(t, device.Closed(), test.ShouldBeTrue)
	test.That(t, in.Err(), test.ShouldBeNil)
	test.That(t, device.Outstanding(), test.ShouldEqual, int64(0))
	test.That(t, in.Stats().Queue.Dropped, test.ShouldEqual, uint64(0))

	_, err := in.Pull(context.Background())
	test.That(t, err, test.ShouldBeNil)
	_, err = in.Pull(context.Background())
	test.That(t, errors.Is(err, rgbd.ErrStreamClosed), test.ShouldBeTrue)
}

func TestInputDropOldest(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	cfg.Overflow = rgbd.OverflowDropOldest
	in, _ := startInput(t, fake.Options{
		Script: steps(fake.Frame(), fake.Frame(), fake.Frame(), fake.Frame(), fake.Frame()),
	}, cfg, nil)

	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, in.Stats().Pushed, test.ShouldEqual, uint64(4))
	})
	stats := in.Stats()
	test.That(t, stats.Queue.Len, test.ShouldEqual, 2)
	test.That(t, stats.Queue.Dropped, test.ShouldEqual, uint64(2))
}

func TestInputStartupErrors(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	t.Run("no device", func(t *testing.T) {
		in, err := rgbd.NewInput(fake.NewBackend(), testConfig(), logger)
		test.That(t, err, test.ShouldBeNil)
		err = in.Start(ctx, nil)
		test.That(t, errors.Is(err, rgbd.ErrStartup), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "no device found")
		test.That(t, in.Close(ctx), test.ShouldBeNil)
	})

	t.Run("open fails", func(t *testing.T) {
		backend := fake.NewBackend(fake.NewDevice(fake.Options{}))
		backend.OpenErr = errors.New("busy")
		in, err := rgbd.NewInput(backend, testConfig(), logger)
		test.That(t, err, test.ShouldBeNil)
		err = in.Start(ctx, nil)
		test.That(t, errors.Is(err, rgbd.ErrStartup), test.ShouldBeTrue)
		test.That(t, errors.Is(err, backend.OpenErr), test.ShouldBeTrue)
	})

	for _, tc := range []struct {
		name string
		opts fake.Options
		want error
	}{
		{"start fails", fake.Options{StartErr: errors.New("no bandwidth")}, rgbd.ErrStartup},
		{"exposure fails", fake.Options{ExposureErr: errors.New("unsupported")}, rgbd.ErrStartup},
		{"calibration fails", fake.Options{CalibrationErr: errors.New("eeprom")}, rgbd.ErrStartup},
	} {
		t.Run(tc.name, func(t *testing.T) {
			device := fake.NewDevice(tc.opts)
			cfg := testConfig()
			cfg.Stream.ColorExposure = 7 * time.Millisecond
			in, err := rgbd.NewInput(fake.NewBackend(device), cfg, logger)
			test.That(t, err, test.ShouldBeNil)
			err = in.Start(ctx, nil)
			test.That(t, errors.Is(err, tc.want), test.ShouldBeTrue)
			test.That(t, device.Closed(), test.ShouldBeTrue)
			test.That(t, in.State(), test.ShouldEqual, rgbd.StateNotStarted)
		})
	}

	t.Run("degenerate calibration", func(t *testing.T) {
		calib, err := fake.SyntheticCalibration(testConfig().Stream)
		test.That(t, err, test.ShouldBeNil)
		calib.Color.Intrinsics.Fx = 0
		device := fake.NewDevice(fake.Options{Calibration: calib})
		in, err := rgbd.NewInput(fake.NewBackend(device), testConfig(), logger)
		test.That(t, err, test.ShouldBeNil)
		err = in.Start(ctx, nil)
		test.That(t, errors.Is(err, rgbd.ErrCalibration), test.ShouldBeTrue)
		test.That(t, device.Closed(), test.ShouldBeTrue)
	})

	t.Run("unknown undistorter", func(t *testing.T) {
		device := fake.NewDevice(fake.Options{})
		cfg := testConfig()
		cfg.Undistorter = "gpu"
		in, err := rgbd.NewInput(fake.NewBackend(device), cfg, logger)
		test.That(t, err, test.ShouldBeNil)
		err = in.Start(ctx, nil)
		test.That(t, errors.Is(err, rgbd.ErrStartup), test.ShouldBeTrue)
		test.That(t, device.Closed(), test.ShouldBeTrue)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.QueueCapacity = 0
		_, err := rgbd.NewInput(fake.NewBackend(), cfg, logger)
		test.That(t, err, test.ShouldBeError)
	})
}

func TestInputExposureAndLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.ColorExposure = 7 * time.Millisecond
	in, device := startInput(t, fake.Options{}, cfg, nil)
	test.That(t, device.Exposure(), test.ShouldEqual, 7*time.Millisecond)
	test.That(t, in.SessionID(), test.ShouldNotBeEmpty)

	err := in.Start(context.Background(), nil)
	test.That(t, err, test.ShouldBeError)
	test.That(t, in.NextFrame(context.Background()), test.ShouldBeError)
}

func TestBackendRegistry(t *testing.T) {
	test.That(t, rgbd.RegisteredBackends(), test.ShouldContain, fake.BackendName)
	backend, err := rgbd.NewBackend(context.Background(), testConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	count, err := backend.InstalledCount(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, count, test.ShouldEqual, 1)

	cfg := testConfig()
	cfg.Backend = "k4w"
	_, err = rgbd.NewBackend(context.Background(), cfg, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, rgbd.ErrStartup), test.ShouldBeTrue)
}

func TestNewInputGlobalLogger(t *testing.T) {
	backend, err := rgbd.NewBackend(context.Background(), testConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	in, err := rgbd.NewInput(backend, testConfig(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.State(), test.ShouldEqual, rgbd.StateNotStarted)
	test.That(t, in.Close(context.Background()), test.ShouldBeNil)
	test.That(t, in.State(), test.ShouldEqual, rgbd.StateStopped)
}
