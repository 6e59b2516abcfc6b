package rgbd

import (
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"
)

// FPS is a frame rate the depth cameras can stream at.
type FPS int

// Supported frame rates.
const (
	FPS5  = FPS(5)
	FPS15 = FPS(15)
	FPS30 = FPS(30)
)

// ImageFormat is the pixel encoding of a raw image delivered by a device.
type ImageFormat string

// Image formats. The color formats are the ones a stream can be configured with.
const (
	ImageFormatMJPG    = ImageFormat("MJPG")
	ImageFormatBGRA32  = ImageFormat("BGRA32")
	ImageFormatYUY2    = ImageFormat("YUY2")
	ImageFormatNV12    = ImageFormat("NV12")
	ImageFormatDepth16 = ImageFormat("DEPTH16")
)

// ColorFormats lists the formats a color stream can be configured with.
var ColorFormats = []ImageFormat{ImageFormatMJPG, ImageFormatBGRA32, ImageFormatYUY2, ImageFormatNV12}

// ColorResolution is a color camera mode.
type ColorResolution string

// Color camera modes.
const (
	ColorResolution720P  = ColorResolution("720P")
	ColorResolution1080P = ColorResolution("1080P")
	ColorResolution1440P = ColorResolution("1440P")
	ColorResolution1536P = ColorResolution("1536P")
	ColorResolution2160P = ColorResolution("2160P")
	ColorResolution3072P = ColorResolution("3072P")
)

var colorResolutions = map[ColorResolution][2]int{
	ColorResolution720P:  {1280, 720},
	ColorResolution1080P: {1920, 1080},
	ColorResolution1440P: {2560, 1440},
	ColorResolution1536P: {2048, 1536},
	ColorResolution2160P: {3840, 2160},
	ColorResolution3072P: {4096, 3072},
}

// Size returns the width and height of images in this mode, or zeros for an unknown mode.
func (r ColorResolution) Size() (int, int) {
	s := colorResolutions[r]
	return s[0], s[1]
}

// DepthMode is a depth camera mode: field of view and binning.
type DepthMode string

// Depth camera modes.
const (
	DepthModeNFOV2x2Binned = DepthMode("NFOV_2X2BINNED")
	DepthModeNFOVUnbinned  = DepthMode("NFOV_UNBINNED")
	DepthModeWFOV2x2Binned = DepthMode("WFOV_2X2BINNED")
	DepthModeWFOVUnbinned  = DepthMode("WFOV_UNBINNED")
	DepthModePassiveIR     = DepthMode("PASSIVE_IR")
)

var depthModes = map[DepthMode][2]int{
	DepthModeNFOV2x2Binned: {320, 288},
	DepthModeNFOVUnbinned:  {640, 576},
	DepthModeWFOV2x2Binned: {512, 512},
	DepthModeWFOVUnbinned:  {1024, 1024},
	DepthModePassiveIR:     {1024, 1024},
}

// Size returns the width and height of depth images in this mode, or zeros for an unknown mode.
func (m DepthMode) Size() (int, int) {
	s := depthModes[m]
	return s[0], s[1]
}

// DefaultDepthScales holds the correction applied to area-downscaled depth per depth mode. Modes
// not listed use 1.
var DefaultDepthScales = map[DepthMode]float64{
	DepthModeWFOV2x2Binned: 5.0,
}

// StreamConfig is what a device is started with. It cannot change while streaming.
type StreamConfig struct {
	FPS                    FPS             `json:"fps"`
	ColorFormat            ImageFormat     `json:"color_format"`
	ColorResolution        ColorResolution `json:"color_resolution"`
	DepthMode              DepthMode       `json:"depth_mode"`
	SynchronizedImagesOnly bool            `json:"synchronized_images_only"`
	// ColorExposure switches the color camera to manual exposure when non-zero.
	ColorExposure time.Duration `json:"color_exposure,omitempty"`
}

// CaptureTimeout is how long one capture attempt waits while streaming: one frame period.
func (sc StreamConfig) CaptureTimeout() time.Duration {
	if sc.FPS <= 0 {
		return time.Second
	}
	return time.Duration(1000/int(sc.FPS)) * time.Millisecond
}

// Validate ensures all parts of the config are valid.
func (sc *StreamConfig) Validate(path string) error {
	if !slices.Contains([]FPS{FPS5, FPS15, FPS30}, sc.FPS) {
		return goutils.NewConfigValidationError(path, errors.Errorf("fps must be one of 5, 15 or 30, got %d", sc.FPS))
	}
	if sc.ColorFormat == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "color_format")
	}
	if !slices.Contains(ColorFormats, sc.ColorFormat) {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("color_format must be one of %v, got %q", ColorFormats, sc.ColorFormat))
	}
	if sc.ColorResolution == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "color_resolution")
	}
	if _, ok := colorResolutions[sc.ColorResolution]; !ok {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("color_resolution must be one of %v, got %q", sortedKeys(colorResolutions), sc.ColorResolution))
	}
	if sc.DepthMode == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "depth_mode")
	}
	if _, ok := depthModes[sc.DepthMode]; !ok {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("depth_mode must be one of %v, got %q", sortedKeys(depthModes), sc.DepthMode))
	}
	if sc.DepthMode == DepthModePassiveIR {
		return goutils.NewConfigValidationError(path, errors.New("depth_mode PASSIVE_IR produces no depth"))
	}
	if sc.ColorExposure < 0 {
		return goutils.NewConfigValidationError(path, errors.New("color_exposure cannot be negative"))
	}
	return nil
}

// OverflowPolicy decides what Push does when the frame queue is full.
type OverflowPolicy string

const (
	// OverflowBlock makes the producer wait for the consumer. No frame is lost.
	OverflowBlock = OverflowPolicy("block")
	// OverflowDropOldest discards the oldest buffered frame to make room.
	OverflowDropOldest = OverflowPolicy("drop_oldest")
)

// Defaults for Config.
const (
	DefaultBackend             = "fake"
	DefaultUndistorter         = "go"
	DefaultDownscaleFactor     = 2
	DefaultAlpha               = 1.0
	DefaultQueueCapacity       = 8
	DefaultFirstCaptureTimeout = 60 * time.Second
	DefaultFirstCaptureAttempt = 100 * time.Millisecond
)

// Config configures an Input.
type Config struct {
	Backend     string       `json:"backend"`
	DeviceIndex int          `json:"device_index"`
	Stream      StreamConfig `json:"stream"`
	// CalibrationFile is a calibration saved as JSON, used by backends that have no factory
	// calibration of their own.
	CalibrationFile string `json:"calibration_file,omitempty"`

	// DownscaleFactor divides the color camera resolution to get the output resolution.
	DownscaleFactor int `json:"downscale_factor"`
	// Alpha is the free scaling parameter of the undistorted camera: 0 keeps only valid pixels,
	// 1 keeps the whole field of view.
	Alpha *float64 `json:"alpha,omitempty"`
	// DepthScale overrides DefaultDepthScales for the configured depth mode.
	DepthScale  float64 `json:"depth_scale,omitempty"`
	Undistorter string  `json:"undistorter"`

	QueueCapacity int            `json:"queue_capacity"`
	Overflow      OverflowPolicy `json:"overflow"`

	FirstCaptureTimeout time.Duration `json:"first_capture_timeout"`
	FirstCaptureAttempt time.Duration `json:"first_capture_attempt"`
}

// DefaultConfig returns the default configuration: 30 fps, MJPG
// color at 720P, wide field of view binned depth and synchronized captures only.
func DefaultConfig() Config {
	return Config{
		Backend: DefaultBackend,
		Stream: StreamConfig{
			FPS:                    FPS30,
			ColorFormat:            ImageFormatMJPG,
			ColorResolution:        ColorResolution720P,
			DepthMode:              DepthModeWFOV2x2Binned,
			SynchronizedImagesOnly: true,
		},
		DownscaleFactor:     DefaultDownscaleFactor,
		Undistorter:         DefaultUndistorter,
		QueueCapacity:       DefaultQueueCapacity,
		Overflow:            OverflowBlock,
		FirstCaptureTimeout: DefaultFirstCaptureTimeout,
		FirstCaptureAttempt: DefaultFirstCaptureAttempt,
	}
}

// ResolvedAlpha returns the configured alpha or DefaultAlpha.
func (c *Config) ResolvedAlpha() float64 {
	if c.Alpha == nil {
		return DefaultAlpha
	}
	return *c.Alpha
}

// ResolvedDepthScale returns the depth correction for the configured depth mode.
func (c *Config) ResolvedDepthScale() float64 {
	if c.DepthScale != 0 {
		return c.DepthScale
	}
	if s, ok := DefaultDepthScales[c.Stream.DepthMode]; ok {
		return s
	}
	return 1
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if c.Backend == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "backend")
	}
	if c.DeviceIndex < 0 {
		return goutils.NewConfigValidationError(path, errors.New("device_index cannot be negative"))
	}
	if err := c.Stream.Validate(fmt.Sprintf("%s.stream", path)); err != nil {
		return err
	}
	if c.DownscaleFactor < 1 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("downscale_factor must be at least 1, got %d", c.DownscaleFactor))
	}
	if w, h := c.Stream.ColorResolution.Size(); w%c.DownscaleFactor != 0 || h%c.DownscaleFactor != 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("downscale_factor %d does not divide the %dx%d color resolution", c.DownscaleFactor, w, h))
	}
	if a := c.ResolvedAlpha(); a < 0 || a > 1 {
		return goutils.NewConfigValidationError(path, errors.Errorf("alpha must be within [0, 1], got %v", a))
	}
	if c.DepthScale < 0 {
		return goutils.NewConfigValidationError(path, errors.New("depth_scale cannot be negative"))
	}
	if c.QueueCapacity < 1 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("queue_capacity must be at least 1, got %d", c.QueueCapacity))
	}
	if !slices.Contains([]OverflowPolicy{OverflowBlock, OverflowDropOldest}, c.Overflow) {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("overflow must be %q or %q, got %q", OverflowBlock, OverflowDropOldest, c.Overflow))
	}
	if c.FirstCaptureTimeout <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "first_capture_timeout")
	}
	if c.FirstCaptureAttempt <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "first_capture_attempt")
	}
	return nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
