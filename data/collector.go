// Package data writes the frames of a capture session to disk.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rgbd"
	"go.viam.com/rgbdinput/rimage"
	"go.viam.com/rgbdinput/rimage/transform"
	rutils "go.viam.com/rgbdinput/utils"
)

// Defaults for Config.
const (
	DefaultColorFormat = "png"
	DefaultDepthFormat = "dat.gz"
	DefaultPreviewSize = 160

	// CameraModelsFile is the name of the file the camera models are written to.
	CameraModelsFile = "cameras.json"
)

var (
	colorFormats = []string{"png", "jpg", "ppm", "qoi", "tiff"}
	depthFormats = []string{"dat", "dat.gz", "png", "tiff"}
)

// Config describes where and how frames are written.
type Config struct {
	// Dir is the directory frames are written under. When empty nothing is written.
	Dir         string `json:"dir"`
	ColorFormat string `json:"color_format"`
	DepthFormat string `json:"depth_format"`
	// Previews also writes small pictures of every frame, depth colored by distance.
	Previews    bool `json:"previews"`
	PreviewSize uint `json:"preview_size"`
}

// DefaultConfig returns the default output config.
func DefaultConfig() Config {
	return Config{
		ColorFormat: DefaultColorFormat,
		DepthFormat: DefaultDepthFormat,
		PreviewSize: DefaultPreviewSize,
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if !slices.Contains(colorFormats, c.ColorFormat) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("color_format must be one of %v, got %q", colorFormats, c.ColorFormat))
	}
	if !slices.Contains(depthFormats, c.DepthFormat) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("depth_format must be one of %v, got %q", depthFormats, c.DepthFormat))
	}
	if c.Previews && c.PreviewSize == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "preview_size")
	}
	return nil
}

// A Collector is an rgbd.Sink that writes every frame it is given under Config.Dir:
// color/NNNNNN.<color_format>, depth/NNNNNN.<depth_format> and, with previews, preview/.
// It also records when frames arrive for Summary.
type Collector struct {
	cfg    Config
	logger logging.Logger
	clock  clock.Clock

	bytesWritten atomic.Int64

	mu       sync.Mutex
	frames   int
	arrivals []time.Time
	err      error
}

// An Option customizes a Collector.
type Option func(*Collector)

// WithClock sets the clock frame arrivals are timed with.
func WithClock(clk clock.Clock) Option {
	return func(c *Collector) {
		c.clock = clk
	}
}

// NewCollector returns a Collector writing into cfg.Dir, creating the directories it needs.
func NewCollector(cfg Config, logger logging.Logger, opts ...Option) (*Collector, error) {
	if err := cfg.Validate("output"); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Global()
	}
	c := &Collector{cfg: cfg, logger: logger, clock: clock.New()}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Dir == "" {
		return c, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}
	return c, nil
}

// SetCameraModels writes the camera models as JSON.
func (c *Collector) SetCameraModels(color, depth *transform.PinholeCameraIntrinsics) {
	if c.cfg.Dir == "" {
		return
	}
	data, err := json.MarshalIndent(map[string]*transform.PinholeCameraIntrinsics{
		"color": color,
		"depth": depth,
	}, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(c.cfg.Dir, CameraModelsFile), data, 0o600)
	}
	if err != nil {
		c.recordErr(errors.Wrap(err, "writing camera models"))
		return
	}
	c.bytesWritten.Add(int64(len(data)))
}

// AppendFrame writes pair. Write errors are logged and returned by Err.
func (c *Collector) AppendFrame(pair *rgbd.FramePair) {
	c.mu.Lock()
	index := c.frames
	c.frames++
	c.arrivals = append(c.arrivals, c.clock.Now())
	c.mu.Unlock()

	if c.cfg.Dir == "" {
		return
	}
	if err := c.WriteFrame(context.Background(), index, pair); err != nil {
		c.logger.Errorw("failed to write frame", "frame", index, "error", err)
		c.recordErr(err)
	}
}

// WriteFrame writes the files of one frame concurrently.
func (c *Collector) WriteFrame(ctx context.Context, index int, pair *rgbd.FramePair) error {
	name := fmt.Sprintf("%06d", index)
	errs, ctx := errgroup.WithContext(ctx)
	errs.Go(func() error {
		return c.writeImage(ctx, filepath.Join("color", name+"."+c.cfg.ColorFormat), pair.Color)
	})
	errs.Go(func() error {
		return c.writeImage(ctx, filepath.Join("depth", name+"."+c.cfg.DepthFormat), pair.Depth)
	})
	if c.cfg.Previews {
		size := c.cfg.PreviewSize
		errs.Go(func() error {
			return c.writeImage(ctx, filepath.Join("preview", name+"_color.png"),
				rimage.Thumbnail(pair.Color, size, size))
		})
		errs.Go(func() error {
			return c.writeImage(ctx, filepath.Join("preview", name+"_depth.png"),
				rimage.Thumbnail(pair.Depth.ToPrettyPicture(0, rimage.MaxDepth), size, size))
		})
	}
	return errs.Wait()
}

func (c *Collector) writeImage(ctx context.Context, name string, img image.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := rutils.OutputPath(c.cfg.Dir, name)
	if err != nil {
		return err
	}
	if err := rutils.DiscardOnError(path, rimage.WriteImageToFile(path, img)); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	c.bytesWritten.Add(info.Size())
	return nil
}

func (c *Collector) recordErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = multierr.Combine(c.err, err)
}

// Err returns every write error so far.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
