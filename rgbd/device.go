package rgbd

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rimage"
	"go.viam.com/rgbdinput/rimage/transform"
)

// RawImage is one image of a capture as the device delivered it. Buffer belongs to the capture
// and is only valid until the capture is released.
type RawImage struct {
	Format ImageFormat
	Width  int
	Height int
	// Stride is the number of bytes per row for uncompressed formats, 0 otherwise.
	Stride int
	Buffer []byte
}

// A Capture is one synchronized set of images. Either image may be missing.
type Capture interface {
	DepthImage() *RawImage
	ColorImage() *RawImage
	// Release returns the capture's buffers to the device.
	Release()
}

// A Device is an opened depth camera.
type Device interface {
	StartCameras(ctx context.Context, cfg StreamConfig) error
	// SetColorExposure switches the color camera to a fixed exposure time.
	SetColorExposure(ctx context.Context, exposure time.Duration) error
	// Calibration returns the factory calibration for the mode the cameras were started in.
	Calibration(ctx context.Context) (*transform.Calibration, error)
	// Capture waits up to timeout for the next capture. It returns an error wrapping
	// ErrDeviceTimeout when none arrived and any other error on device failure.
	Capture(ctx context.Context, timeout time.Duration) (Capture, error)
	// Reprojector returns the device's depth to color warp for calib.
	Reprojector(calib *transform.Calibration) (Reprojector, error)
	// Close stops the cameras and releases the device.
	Close(ctx context.Context) error
}

// A Reprojector warps depth images into the color camera's viewpoint.
type Reprojector interface {
	// DepthToColor returns depth resampled onto the color camera's pixel grid, at the size of color.
	DepthToColor(ctx context.Context, depth *RawImage, color *rimage.BGRA) (*rimage.DepthMap, error)
	Close() error
}

// A Backend finds and opens devices.
type Backend interface {
	InstalledCount(ctx context.Context) (int, error)
	Open(ctx context.Context, index int, logger logging.Logger) (Device, error)
}

// A BackendConstructor creates a backend from the input configuration.
type BackendConstructor func(ctx context.Context, cfg Config, logger logging.Logger) (Backend, error)

// An UndistorterConstructor creates the undistort and downscale stage for a calibration.
type UndistorterConstructor func(u *Undistortion, depthScale float64, logger logging.Logger) (Undistorter, error)

var (
	registryMu   sync.RWMutex
	backends     = map[string]BackendConstructor{}
	undistorters = map[string]UndistorterConstructor{}
)

// RegisterBackend registers a device backend by name. It panics on duplicate names.
func RegisterBackend(name string, constructor BackendConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, old := backends[name]; old {
		panic(errors.Errorf("trying to register two backends with the same name: %q", name))
	}
	if constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for backend: %q", name))
	}
	backends[name] = constructor
}

// LookupBackend returns the constructor registered under name.
func LookupBackend(name string) (BackendConstructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := backends[name]
	return c, ok
}

// RegisteredBackends returns the names of all registered backends, sorted.
func RegisteredBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := lo.Keys(backends)
	slices.Sort(names)
	return names
}

// RegisterUndistorter registers an undistort stage implementation by name. It panics on duplicate
// names.
func RegisterUndistorter(name string, constructor UndistorterConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, old := undistorters[name]; old {
		panic(errors.Errorf("trying to register two undistorters with the same name: %q", name))
	}
	if constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for undistorter: %q", name))
	}
	undistorters[name] = constructor
}

// LookupUndistorter returns the constructor registered under name.
func LookupUndistorter(name string) (UndistorterConstructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := undistorters[name]
	return c, ok
}

// RegisteredUndistorters returns the names of all registered undistorters, sorted.
func RegisteredUndistorters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := lo.Keys(undistorters)
	slices.Sort(names)
	return names
}

// NewBackend looks up and constructs the backend cfg names.
func NewBackend(ctx context.Context, cfg Config, logger logging.Logger) (Backend, error) {
	constructor, ok := LookupBackend(cfg.Backend)
	if !ok {
		return nil, wrapKind(ErrStartup, nil, "unknown backend %q, have %v", cfg.Backend, RegisteredBackends())
	}
	backend, err := constructor(ctx, cfg, logger)
	if err != nil {
		return nil, wrapKind(ErrStartup, err, "creating backend %q", cfg.Backend)
	}
	return backend, nil
}
