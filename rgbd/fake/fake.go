// Package fake is a scriptable rgbd backend that streams a synthetic scene. Tests script
// exactly what each capture returns; without a script it streams frames at the configured rate.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rgbd"
	"go.viam.com/rgbdinput/rimage"
	"go.viam.com/rgbdinput/rimage/transform"
)

// BackendName is the name the fake backend is registered under.
const BackendName = "fake"

func init() {
	rgbd.RegisterBackend(BackendName, func(ctx context.Context, cfg rgbd.Config, logger logging.Logger) (rgbd.Backend, error) {
		fps := cfg.Stream.FPS
		if fps <= 0 {
			fps = rgbd.FPS30
		}
		opts := Options{
			AfterScript:   StreamFrames,
			FrameInterval: time.Second / time.Duration(fps),
		}
		if cfg.CalibrationFile != "" {
			calib, err := transform.NewCalibrationFromJSONFile(cfg.CalibrationFile)
			if err != nil {
				return nil, err
			}
			logger.Debugw("using calibration file", "path", cfg.CalibrationFile)
			opts.Calibration = calib
		}
		return NewBackend(NewDevice(opts)), nil
	})
}

// Behavior is what a device does once its script is used up.
type Behavior int

const (
	// TimeOut makes every capture time out.
	TimeOut Behavior = iota
	// StreamFrames delivers a valid frame every FrameInterval.
	StreamFrames
	// Fail makes every capture fail hard.
	Fail
)

// A Step scripts the result of one Capture call.
type Step struct {
	// Err is returned instead of a capture.
	Err          error
	NoDepth      bool
	NoColor      bool
	CorruptColor bool
	// BadDepth delivers a depth image the reprojector cannot use.
	BadDepth bool
	// Panic makes Capture panic.
	Panic bool
}

// Frame is a step delivering a complete capture.
func Frame() Step { return Step{} }

// Timeout is a step where no capture arrives in time.
func Timeout() Step { return Step{Err: errors.Wrap(rgbd.ErrDeviceTimeout, "fake")} }

// Failure is a step where the device fails hard.
func Failure() Step { return Step{Err: errors.New("fake device unplugged")} }

// Options configure a Device.
type Options struct {
	// Calibration is returned by the device. When nil a SyntheticCalibration for the started mode
	// is used.
	Calibration *transform.Calibration
	Script      []Step
	AfterScript Behavior
	// TimeoutDelay is how long a timing out capture blocks. When zero it blocks for the
	// requested timeout.
	TimeoutDelay  time.Duration
	FrameInterval time.Duration

	StartErr       error
	ExposureErr    error
	CalibrationErr error
}

// Device is a fake rgbd.Device.
type Device struct {
	opts Options

	mu       sync.Mutex
	script   []Step
	cfg      rgbd.StreamConfig
	started  bool
	calib    *transform.Calibration
	depth    *rgbd.RawImage
	color    *rgbd.RawImage
	exposure time.Duration

	closed   atomic.Bool
	captures atomic.Int64
	released atomic.Int64
}

// NewDevice returns a device following opts.
func NewDevice(opts Options) *Device {
	return &Device{opts: opts, script: append([]Step(nil), opts.Script...)}
}

// Enqueue appends steps to the script.
func (d *Device) Enqueue(steps ...Step) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, steps...)
}

// StartCameras renders the synthetic scene for cfg.
func (d *Device) StartCameras(ctx context.Context, cfg rgbd.StreamConfig) error {
	if d.opts.StartErr != nil {
		return d.opts.StartErr
	}
	calib := d.opts.Calibration
	if calib == nil {
		var err error
		if calib, err = SyntheticCalibration(cfg); err != nil {
			return err
		}
	}
	dk, ck := calib.Depth.Intrinsics, calib.Color.Intrinsics
	color, err := encodeColor(sceneColor(ck.Width, ck.Height), cfg.ColorFormat)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.calib = calib
	d.depth = &rgbd.RawImage{
		Format: rgbd.ImageFormatDepth16,
		Width:  dk.Width,
		Height: dk.Height,
		Stride: 2 * dk.Width,
		Buffer: sceneDepth(dk.Width, dk.Height),
	}
	d.color = color
	d.started = true
	return nil
}

// SetColorExposure records the exposure.
func (d *Device) SetColorExposure(ctx context.Context, exposure time.Duration) error {
	if d.opts.ExposureErr != nil {
		return d.opts.ExposureErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exposure = exposure
	return nil
}

// Exposure returns the exposure set last.
func (d *Device) Exposure() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exposure
}

// Calibration returns the calibration of the started mode.
func (d *Device) Calibration(ctx context.Context) (*transform.Calibration, error) {
	if d.opts.CalibrationErr != nil {
		return nil, d.opts.CalibrationErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil, errors.New("cameras not started")
	}
	return d.calib, nil
}

// Capture runs the next script step, or the after script behavior.
func (d *Device) Capture(ctx context.Context, timeout time.Duration) (rgbd.Capture, error) {
	if d.closed.Load() {
		return nil, errors.New("device is closed")
	}
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil, errors.New("cameras not started")
	}
	var step Step
	scripted := len(d.script) > 0
	if scripted {
		step, d.script = d.script[0], d.script[1:]
	}
	d.mu.Unlock()

	if !scripted {
		switch d.opts.AfterScript {
		case StreamFrames:
			if err := d.wait(ctx, d.opts.FrameInterval); err != nil {
				return nil, err
			}
			step = Frame()
		case Fail:
			step = Failure()
		default:
			step = Timeout()
		}
	}

	if step.Panic {
		panic("fake capture panicked")
	}
	if step.Err != nil {
		if errors.Is(step.Err, rgbd.ErrDeviceTimeout) {
			delay := d.opts.TimeoutDelay
			if delay == 0 {
				delay = timeout
			}
			if err := d.wait(ctx, delay); err != nil {
				return nil, err
			}
		}
		return nil, step.Err
	}
	return d.newCapture(step), nil
}

func (d *Device) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Device) newCapture(step Step) *capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &capture{device: d}
	if !step.NoDepth {
		depth := *d.depth
		if step.BadDepth {
			depth.Width /= 2
		}
		c.depth = &depth
	}
	if !step.NoColor {
		color := *d.color
		if step.CorruptColor {
			color.Buffer = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01}
			if color.Format != rgbd.ImageFormatMJPG {
				color.Buffer = color.Buffer[:4]
			}
		}
		c.color = &color
	}
	d.captures.Inc()
	return c
}

// Reprojector returns a software depth to color reprojector for calib.
func (d *Device) Reprojector(calib *transform.Calibration) (rgbd.Reprojector, error) {
	r, err := transform.NewDepthColorReprojector(calib)
	if err != nil {
		return nil, err
	}
	return &reprojector{r: r, calib: calib}, nil
}

// Close marks the device closed. Captures fail afterwards.
func (d *Device) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return errors.New("device closed twice")
	}
	return nil
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	return d.closed.Load()
}

// Captures returns how many captures were delivered.
func (d *Device) Captures() int64 {
	return d.captures.Load()
}

// Outstanding returns how many delivered captures were not released yet.
func (d *Device) Outstanding() int64 {
	return d.captures.Load() - d.released.Load()
}

// ScriptLen returns the number of steps not run yet.
func (d *Device) ScriptLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.script)
}

type capture struct {
	device   *Device
	depth    *rgbd.RawImage
	color    *rgbd.RawImage
	released atomic.Bool
}

func (c *capture) DepthImage() *rgbd.RawImage { return c.depth }

func (c *capture) ColorImage() *rgbd.RawImage { return c.color }

func (c *capture) Release() {
	if !c.released.Swap(true) {
		c.device.released.Inc()
	}
}

type reprojector struct {
	r     *transform.DepthColorReprojector
	calib *transform.Calibration
}

func (r *reprojector) DepthToColor(ctx context.Context, depth *rgbd.RawImage, color *rimage.BGRA) (*rimage.DepthMap, error) {
	ck := r.calib.Color.Intrinsics
	if color.Width() != ck.Width || color.Height() != ck.Height {
		return nil, errors.Wrapf(rgbd.ErrReprojection, "color image is %dx%d, calibration is %dx%d",
			color.Width(), color.Height(), ck.Width, ck.Height)
	}
	dm, err := rimage.NewDepthMapFromBuffer(depth.Buffer, depth.Width, depth.Height, depth.Stride)
	if err != nil {
		return nil, errors.Wrap(rgbd.ErrReprojection, err.Error())
	}
	out, err := r.r.Reproject(dm)
	if err != nil {
		return nil, errors.Wrap(rgbd.ErrReprojection, err.Error())
	}
	return out, nil
}

func (r *reprojector) Close() error {
	return nil
}

// Backend is a fake rgbd.Backend over a fixed list of devices.
type Backend struct {
	Devices []*Device
	OpenErr error
}

// NewBackend returns a backend with the given devices installed.
func NewBackend(devices ...*Device) *Backend {
	return &Backend{Devices: devices}
}

// InstalledCount returns the number of devices.
func (b *Backend) InstalledCount(ctx context.Context) (int, error) {
	return len(b.Devices), nil
}

// Open returns device index.
func (b *Backend) Open(ctx context.Context, index int, logger logging.Logger) (rgbd.Device, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	if index < 0 || index >= len(b.Devices) {
		return nil, errors.Errorf("no device %d", index)
	}
	return b.Devices[index], nil
}
