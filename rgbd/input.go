// Package rgbd streams synchronized depth and color frames from a depth camera. A background
// capture loop decodes color, reprojects depth onto the color camera, removes lens distortion,
// downscales both and hands the pairs to a consumer through a bounded queue.
package rgbd

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rimage/transform"
	"go.viam.com/rgbdinput/utils"
)

// State is the state of an Input's capture loop.
type State int32

// Capture loop states.
const (
	StateNotStarted State = iota
	StateAwaitingFirstCapture
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateAwaitingFirstCapture:
		return "awaiting_first_capture"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats are the counters of an Input.
type Stats struct {
	State    State
	Captures uint64
	Timeouts uint64
	// DroppedMissing counts captures without depth or color.
	DroppedMissing uint64
	// DroppedDecode counts captures whose color could not be decoded.
	DroppedDecode uint64
	Pushed        uint64
	Queue         QueueStats
}

// An Option customizes an Input.
type Option func(*Input)

// WithClock sets the clock the first capture deadline is measured with.
func WithClock(clk clock.Clock) Option {
	return func(in *Input) {
		in.clock = clk
	}
}

// pipeline is everything the capture loop needs. It is built before the loop starts and never
// modified, so the loop reads it without locking.
type pipeline struct {
	device       Device
	stream       StreamConfig
	calibration  *transform.Calibration
	undistortion *Undistortion
	decoder      ColorDecoder
	reprojector  Reprojector
	undistorter  Undistorter
}

func (p *pipeline) close(ctx context.Context) error {
	var err error
	if p.reprojector != nil {
		err = multierr.Combine(err, p.reprojector.Close())
	}
	if closer, ok := p.undistorter.(io.Closer); ok {
		err = multierr.Combine(err, closer.Close())
	}
	return multierr.Combine(err, p.device.Close(ctx))
}

// Input owns one device and the goroutine that streams from it.
type Input struct {
	backend   Backend
	cfg       Config
	logger    logging.Logger
	clock     clock.Clock
	sessionID string
	queue     *FrameQueue
	// timeoutWarnings limits how often capture timeouts are logged at warn level.
	timeoutWarnings *rate.Limiter

	mu      sync.Mutex
	started bool
	closed  bool
	pipe    *pipeline
	sink    Sink
	workers utils.StoppableWorkers
	done    chan struct{}

	state          atomic.Int32
	err            atomic.Error
	closeErr       atomic.Error
	captures       atomic.Uint64
	timeouts       atomic.Uint64
	droppedMissing atomic.Uint64
	droppedDecode  atomic.Uint64
	pushed         atomic.Uint64
}

// NewInput returns an Input for the device cfg selects on backend. Nothing is opened until
// Start. A nil logger means the global logger.
func NewInput(backend Backend, cfg Config, logger logging.Logger, opts ...Option) (*Input, error) {
	if backend == nil {
		return nil, errors.New("no backend given")
	}
	if err := cfg.Validate("input"); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Global()
	}
	sessionID := uuid.NewString()
	in := &Input{
		backend:         backend,
		cfg:             cfg,
		logger:          logger.WithFields("session", sessionID),
		clock:           clock.New(),
		sessionID:       sessionID,
		queue:           NewFrameQueue(cfg.QueueCapacity, cfg.Overflow),
		timeoutWarnings: rate.NewLimiter(rate.Every(time.Second), 1),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// Start opens and starts the device, builds the camera model and begins streaming in the
// background. When sink is not nil it is given the camera models before Start returns and
// receives every frame pulled with NextFrame. Errors returned match ErrStartup or
// ErrCalibration and leave nothing running.
func (in *Input) Start(ctx context.Context, sink Sink) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.started {
		return errors.New("input already started")
	}
	if in.closed {
		return errors.New("input is closed")
	}

	pipe, err := in.open(ctx)
	if err != nil {
		return err
	}
	in.started = true
	in.pipe = pipe
	in.sink = sink
	if sink != nil {
		sink.SetCameraModels(pipe.undistortion.Pinhole, pipe.undistortion.Pinhole)
	}

	in.logger.Infow("starting capture",
		"backend", in.cfg.Backend,
		"fps", in.cfg.Stream.FPS,
		"color_format", in.cfg.Stream.ColorFormat,
		"depth_mode", in.cfg.Stream.DepthMode,
		"width", pipe.undistortion.Width(),
		"height", pipe.undistortion.Height(),
	)
	in.state.Store(int32(StateAwaitingFirstCapture))
	in.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		in.captureLoop(ctx, pipe)
	})
	return nil
}

// open runs the startup sequence. On failure the device is closed again.
func (in *Input) open(ctx context.Context) (_ *pipeline, err error) {
	count, err := in.backend.InstalledCount(ctx)
	if err != nil {
		return nil, wrapKind(ErrStartup, err, "enumerating devices")
	}
	if count == 0 {
		return nil, wrapKind(ErrStartup, nil, "no device found")
	}
	if in.cfg.DeviceIndex >= count {
		return nil, wrapKind(ErrStartup, nil, "device %d requested but only %d installed", in.cfg.DeviceIndex, count)
	}

	device, err := in.backend.Open(ctx, in.cfg.DeviceIndex, in.logger.Sublogger("device"))
	if err != nil {
		return nil, wrapKind(ErrStartup, err, "opening device %d", in.cfg.DeviceIndex)
	}
	pipe := &pipeline{device: device, stream: in.cfg.Stream}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, pipe.close(ctx))
		}
	}()

	if err := device.StartCameras(ctx, in.cfg.Stream); err != nil {
		return nil, wrapKind(ErrStartup, err, "starting cameras")
	}
	if in.cfg.Stream.ColorExposure > 0 {
		if err := device.SetColorExposure(ctx, in.cfg.Stream.ColorExposure); err != nil {
			return nil, wrapKind(ErrStartup, err, "setting color exposure")
		}
	}

	pipe.calibration, err = device.Calibration(ctx)
	if err != nil {
		return nil, wrapKind(ErrStartup, err, "getting calibration")
	}
	if err := pipe.calibration.CheckValid(); err != nil {
		return nil, wrapKind(ErrCalibration, err, "device calibration")
	}
	if w, h := in.cfg.Stream.ColorResolution.Size(); pipe.calibration.Color.Intrinsics.Width != w ||
		pipe.calibration.Color.Intrinsics.Height != h {
		return nil, wrapKind(ErrCalibration, nil, "color calibration is %dx%d but the stream is %dx%d",
			pipe.calibration.Color.Intrinsics.Width, pipe.calibration.Color.Intrinsics.Height, w, h)
	}

	pipe.undistortion, err = BuildUndistortion(pipe.calibration, in.cfg.DownscaleFactor, in.cfg.ResolvedAlpha())
	if err != nil {
		return nil, err
	}
	in.logger.Debugw("built undistortion",
		"camera", pipe.undistortion.Intrinsics,
		"undistorted_camera", pipe.undistortion.OptimalIntrinsics)

	pipe.decoder, err = NewColorDecoder(in.cfg.Stream.ColorFormat)
	if err != nil {
		return nil, wrapKind(ErrStartup, err, "color decoder")
	}
	pipe.reprojector, err = device.Reprojector(pipe.calibration)
	if err != nil {
		return nil, wrapKind(ErrStartup, err, "creating depth reprojector")
	}
	constructor, ok := LookupUndistorter(in.cfg.Undistorter)
	if !ok {
		return nil, wrapKind(ErrStartup, nil, "unknown undistorter %q, have %v", in.cfg.Undistorter, RegisteredUndistorters())
	}
	pipe.undistorter, err = constructor(pipe.undistortion, in.cfg.ResolvedDepthScale(), in.logger.Sublogger("undistort"))
	if err != nil {
		return nil, wrapKind(ErrStartup, err, "creating undistorter %q", in.cfg.Undistorter)
	}
	return pipe, nil
}

// Pull returns the next processed frame, waiting for one if needed. Once the capture loop has
// stopped and every buffered frame was returned it fails with a StreamClosedError whose cause
// is the error that stopped the loop, nil after Close.
func (in *Input) Pull(ctx context.Context) (*FramePair, error) {
	return in.queue.Pull(ctx)
}

// NextFrame pulls the next frame and appends it to the sink given to Start.
func (in *Input) NextFrame(ctx context.Context) error {
	in.mu.Lock()
	sink := in.sink
	in.mu.Unlock()
	if sink == nil {
		return errors.New("input has no sink")
	}
	pair, err := in.Pull(ctx)
	if err != nil {
		return err
	}
	sink.AppendFrame(pair)
	return nil
}

// Undistortion returns the camera model frames are produced on, nil before Start.
func (in *Input) Undistortion() *Undistortion {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.pipe == nil {
		return nil
	}
	return in.pipe.undistortion
}

// SessionID identifies this input in logs.
func (in *Input) SessionID() string {
	return in.sessionID
}

// State returns the capture loop's state.
func (in *Input) State() State {
	return State(in.state.Load())
}

// Err returns the error that stopped the capture loop, nil while it runs or after a clean stop.
func (in *Input) Err() error {
	return in.err.Load()
}

// Done is closed once the capture loop has stopped and released the device.
func (in *Input) Done() <-chan struct{} {
	return in.done
}

// Stats returns the input's counters.
func (in *Input) Stats() Stats {
	return Stats{
		State:          in.State(),
		Captures:       in.captures.Load(),
		Timeouts:       in.timeouts.Load(),
		DroppedMissing: in.droppedMissing.Load(),
		DroppedDecode:  in.droppedDecode.Load(),
		Pushed:         in.pushed.Load(),
		Queue:          in.queue.Stats(),
	}
}

// Close stops the capture loop and waits for it to release the device. Frames still buffered
// can be pulled afterwards.
func (in *Input) Close(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	if !in.started {
		in.state.Store(int32(StateStopped))
		in.queue.Close(nil)
		close(in.done)
		return nil
	}
	in.workers.Stop()
	return in.closeErr.Load()
}
