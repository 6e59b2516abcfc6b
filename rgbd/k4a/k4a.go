//go:build k4a

// Package k4a is the rgbd backend for Azure Kinect cameras, using the Azure Kinect Sensor SDK.
package k4a

/*
#cgo linux LDFLAGS: -lk4a
#cgo linux CPPFLAGS: -I/usr/include
#include <stdlib.h>
#include <string.h>
#include <k4a/k4a.h>
*/
import "C"

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rgbd"
	"go.viam.com/rgbdinput/rimage"
	"go.viam.com/rgbdinput/rimage/transform"
)

// BackendName is the name the backend is registered under.
const BackendName = "k4a"

func init() {
	rgbd.RegisterBackend(BackendName, func(ctx context.Context, cfg rgbd.Config, logger logging.Logger) (rgbd.Backend, error) {
		return &backend{}, nil
	})
}

var (
	colorFormats = map[rgbd.ImageFormat]C.k4a_image_format_t{
		rgbd.ImageFormatMJPG:   C.K4A_IMAGE_FORMAT_COLOR_MJPG,
		rgbd.ImageFormatBGRA32: C.K4A_IMAGE_FORMAT_COLOR_BGRA32,
		rgbd.ImageFormatYUY2:   C.K4A_IMAGE_FORMAT_COLOR_YUY2,
		rgbd.ImageFormatNV12:   C.K4A_IMAGE_FORMAT_COLOR_NV12,
	}
	colorResolutions = map[rgbd.ColorResolution]C.k4a_color_resolution_t{
		rgbd.ColorResolution720P:  C.K4A_COLOR_RESOLUTION_720P,
		rgbd.ColorResolution1080P: C.K4A_COLOR_RESOLUTION_1080P,
		rgbd.ColorResolution1440P: C.K4A_COLOR_RESOLUTION_1440P,
		rgbd.ColorResolution1536P: C.K4A_COLOR_RESOLUTION_1536P,
		rgbd.ColorResolution2160P: C.K4A_COLOR_RESOLUTION_2160P,
		rgbd.ColorResolution3072P: C.K4A_COLOR_RESOLUTION_3072P,
	}
	depthModes = map[rgbd.DepthMode]C.k4a_depth_mode_t{
		rgbd.DepthModeNFOV2x2Binned: C.K4A_DEPTH_MODE_NFOV_2X2BINNED,
		rgbd.DepthModeNFOVUnbinned:  C.K4A_DEPTH_MODE_NFOV_UNBINNED,
		rgbd.DepthModeWFOV2x2Binned: C.K4A_DEPTH_MODE_WFOV_2X2BINNED,
		rgbd.DepthModeWFOVUnbinned:  C.K4A_DEPTH_MODE_WFOV_UNBINNED,
		rgbd.DepthModePassiveIR:     C.K4A_DEPTH_MODE_PASSIVE_IR,
	}
	frameRates = map[rgbd.FPS]C.k4a_fps_t{
		rgbd.FPS5:  C.K4A_FRAMES_PER_SECOND_5,
		rgbd.FPS15: C.K4A_FRAMES_PER_SECOND_15,
		rgbd.FPS30: C.K4A_FRAMES_PER_SECOND_30,
	}
)

func succeeded(res C.k4a_result_t) bool {
	return res == C.K4A_RESULT_SUCCEEDED
}

type backend struct{}

func (b *backend) InstalledCount(ctx context.Context) (int, error) {
	return int(C.k4a_device_get_installed_count()), nil
}

func (b *backend) Open(ctx context.Context, index int, logger logging.Logger) (rgbd.Device, error) {
	var handle C.k4a_device_t
	if !succeeded(C.k4a_device_open(C.uint32_t(index), &handle)) {
		return nil, errors.Errorf("failed to open k4a device %d", index)
	}
	d := &device{handle: handle, logger: logger}
	if serial, err := d.serialNumber(); err == nil {
		d.logger = logger.WithFields("serial", serial)
	}
	d.logger.Debugw("opened device", "index", index)
	return d, nil
}

type device struct {
	handle C.k4a_device_t
	logger logging.Logger

	mu      sync.Mutex
	cfg     rgbd.StreamConfig
	started bool
	closed  bool
}

func (d *device) serialNumber() (string, error) {
	var size C.size_t
	if C.k4a_device_get_serialnum(d.handle, nil, &size) != C.K4A_BUFFER_RESULT_TOO_SMALL {
		return "", errors.New("cannot size serial number")
	}
	buf := (*C.char)(C.malloc(size))
	defer C.free(unsafe.Pointer(buf))
	if C.k4a_device_get_serialnum(d.handle, buf, &size) != C.K4A_BUFFER_RESULT_SUCCEEDED {
		return "", errors.New("cannot read serial number")
	}
	return C.GoString(buf), nil
}

func (d *device) StartCameras(ctx context.Context, cfg rgbd.StreamConfig) error {
	var config C.k4a_device_configuration_t
	var ok bool
	if config.color_format, ok = colorFormats[cfg.ColorFormat]; !ok {
		return errors.Errorf("unsupported color format %q", cfg.ColorFormat)
	}
	if config.color_resolution, ok = colorResolutions[cfg.ColorResolution]; !ok {
		return errors.Errorf("unsupported color resolution %q", cfg.ColorResolution)
	}
	if config.depth_mode, ok = depthModes[cfg.DepthMode]; !ok {
		return errors.Errorf("unsupported depth mode %q", cfg.DepthMode)
	}
	if config.camera_fps, ok = frameRates[cfg.FPS]; !ok {
		return errors.Errorf("unsupported frame rate %d", cfg.FPS)
	}
	config.synchronized_images_only = C.bool(cfg.SynchronizedImagesOnly)
	config.wired_sync_mode = C.K4A_WIRED_SYNC_MODE_STANDALONE

	d.mu.Lock()
	defer d.mu.Unlock()
	if !succeeded(C.k4a_device_start_cameras(d.handle, &config)) {
		return errors.New("failed to start k4a cameras")
	}
	d.cfg = cfg
	d.started = true
	return nil
}

func (d *device) SetColorExposure(ctx context.Context, exposure time.Duration) error {
	if !succeeded(C.k4a_device_set_color_control(d.handle,
		C.K4A_COLOR_CONTROL_EXPOSURE_TIME_ABSOLUTE,
		C.K4A_COLOR_CONTROL_MODE_MANUAL,
		C.int32_t(exposure.Microseconds()))) {
		return errors.Errorf("failed to set color exposure to %v", exposure)
	}
	return nil
}

func (d *device) Calibration(ctx context.Context) (*transform.Calibration, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	var calib C.k4a_calibration_t
	if !succeeded(C.k4a_device_get_calibration(d.handle, depthModes[cfg.DepthMode],
		colorResolutions[cfg.ColorResolution], &calib)) {
		return nil, errors.New("failed to get k4a calibration")
	}
	ext := calib.extrinsics[C.K4A_CALIBRATION_TYPE_DEPTH][C.K4A_CALIBRATION_TYPE_COLOR]
	out := &transform.Calibration{
		Color: convertCamera(&calib.color_camera_calibration),
		Depth: convertCamera(&calib.depth_camera_calibration),
	}
	for i := range out.DepthToColor.RotationMatrix {
		out.DepthToColor.RotationMatrix[i] = float64(ext.rotation[i])
	}
	for i := range out.DepthToColor.TranslationMM {
		out.DepthToColor.TranslationMM[i] = float64(ext.translation[i])
	}
	d.logger.Debugw("device calibration", "calibration", out)
	return out, nil
}

// k4a intrinsics in the order of the parameter union's array view.
const (
	paramCx = iota
	paramCy
	paramFx
	paramFy
	paramK1
	paramK2
	paramK3
	paramK4
	paramK5
	paramK6
	paramCodx
	paramCody
	paramP2
	paramP1
	paramMetricRadius
	paramCount
)

func convertCamera(cc *C.k4a_calibration_camera_t) transform.CameraCalibration {
	v := (*[paramCount]C.float)(unsafe.Pointer(&cc.intrinsics.parameters))
	p := func(i int) float64 { return float64(v[i]) }
	return transform.CameraCalibration{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width:  int(cc.resolution_width),
			Height: int(cc.resolution_height),
			Fx:     p(paramFx),
			Fy:     p(paramFy),
			Ppx:    p(paramCx),
			Ppy:    p(paramCy),
		},
		Distortion: &transform.RationalDistortion{
			RadialK1:     p(paramK1),
			RadialK2:     p(paramK2),
			RadialK3:     p(paramK3),
			RadialK4:     p(paramK4),
			RadialK5:     p(paramK5),
			RadialK6:     p(paramK6),
			TangentialP1: p(paramP1),
			TangentialP2: p(paramP2),
		},
	}
}

func (d *device) Capture(ctx context.Context, timeout time.Duration) (rgbd.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	format := d.cfg.ColorFormat
	d.mu.Unlock()

	var handle C.k4a_capture_t
	switch C.k4a_device_get_capture(d.handle, &handle, C.int32_t(timeout.Milliseconds())) {
	case C.K4A_WAIT_RESULT_SUCCEEDED:
	case C.K4A_WAIT_RESULT_TIMEOUT:
		return nil, errors.Wrapf(rgbd.ErrDeviceTimeout, "k4a after %v", timeout)
	default:
		return nil, errors.New("k4a_device_get_capture failed")
	}
	c := &capture{handle: handle}
	if img := C.k4a_capture_get_depth_image(handle); img != nil {
		c.images = append(c.images, img)
		c.depth = rawImage(img, rgbd.ImageFormatDepth16)
	}
	if img := C.k4a_capture_get_color_image(handle); img != nil {
		c.images = append(c.images, img)
		c.color = rawImage(img, format)
	}
	return c, nil
}

// rawImage views img's buffer in place. It stays valid until img is released.
func rawImage(img C.k4a_image_t, format rgbd.ImageFormat) *rgbd.RawImage {
	raw := &rgbd.RawImage{
		Format: format,
		Width:  int(C.k4a_image_get_width_pixels(img)),
		Height: int(C.k4a_image_get_height_pixels(img)),
		Stride: int(C.k4a_image_get_stride_bytes(img)),
	}
	if buf := C.k4a_image_get_buffer(img); buf != nil {
		raw.Buffer = unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(C.k4a_image_get_size(img)))
	}
	return raw
}

type capture struct {
	handle C.k4a_capture_t
	images []C.k4a_image_t
	depth  *rgbd.RawImage
	color  *rgbd.RawImage
	once   sync.Once
}

func (c *capture) DepthImage() *rgbd.RawImage { return c.depth }

func (c *capture) ColorImage() *rgbd.RawImage { return c.color }

func (c *capture) Release() {
	c.once.Do(func() {
		for _, img := range c.images {
			C.k4a_image_release(img)
		}
		C.k4a_capture_release(c.handle)
		c.depth, c.color = nil, nil
	})
}

func (d *device) Reprojector(calib *transform.Calibration) (rgbd.Reprojector, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	// the SDK's transformation needs the SDK's own calibration, not the converted one
	var k4aCalib C.k4a_calibration_t
	if !succeeded(C.k4a_device_get_calibration(d.handle, depthModes[cfg.DepthMode],
		colorResolutions[cfg.ColorResolution], &k4aCalib)) {
		return nil, errors.New("failed to get k4a calibration")
	}
	r := &reprojector{
		depthK: calib.Depth.Intrinsics,
		colorK: calib.Color.Intrinsics,
	}
	r.transformation = C.k4a_transformation_create(&k4aCalib)
	if r.transformation == nil {
		return nil, errors.New("failed to create k4a transformation")
	}
	if !succeeded(C.k4a_image_create(C.K4A_IMAGE_FORMAT_DEPTH16,
		C.int(r.depthK.Width), C.int(r.depthK.Height), C.int(2*r.depthK.Width), &r.depthIn)) {
		return nil, multierr.Combine(errors.New("failed to allocate depth image"), r.Close())
	}
	if !succeeded(C.k4a_image_create(C.K4A_IMAGE_FORMAT_DEPTH16,
		C.int(r.colorK.Width), C.int(r.colorK.Height), C.int(2*r.colorK.Width), &r.depthOut)) {
		return nil, multierr.Combine(errors.New("failed to allocate reprojected depth image"), r.Close())
	}
	return r, nil
}

// reprojector reuses one input and one output image for every frame, so it must not be used
// concurrently.
type reprojector struct {
	depthK, colorK *transform.PinholeCameraIntrinsics

	transformation C.k4a_transformation_t
	depthIn        C.k4a_image_t
	depthOut       C.k4a_image_t
}

func (r *reprojector) DepthToColor(ctx context.Context, depth *rgbd.RawImage, color *rimage.BGRA) (*rimage.DepthMap, error) {
	if depth.Width != r.depthK.Width || depth.Height != r.depthK.Height {
		return nil, errors.Wrapf(rgbd.ErrReprojection, "depth image is %dx%d, calibration is %dx%d",
			depth.Width, depth.Height, r.depthK.Width, r.depthK.Height)
	}
	if color.Width() != r.colorK.Width || color.Height() != r.colorK.Height {
		return nil, errors.Wrapf(rgbd.ErrReprojection, "color image is %dx%d, calibration is %dx%d",
			color.Width(), color.Height(), r.colorK.Width, r.colorK.Height)
	}
	in := rawImage(r.depthIn, rgbd.ImageFormatDepth16)
	for y := 0; y < depth.Height; y++ {
		copy(in.Buffer[y*in.Stride:y*in.Stride+2*depth.Width], depth.Buffer[y*depth.Stride:])
	}
	if !succeeded(C.k4a_transformation_depth_image_to_color_camera(r.transformation, r.depthIn, r.depthOut)) {
		return nil, errors.Wrap(rgbd.ErrReprojection, "k4a_transformation_depth_image_to_color_camera failed")
	}
	out := rawImage(r.depthOut, rgbd.ImageFormatDepth16)
	dm, err := rimage.NewDepthMapFromBuffer(out.Buffer, out.Width, out.Height, out.Stride)
	if err != nil {
		return nil, errors.Wrap(rgbd.ErrReprojection, err.Error())
	}
	return dm, nil
}

func (r *reprojector) Close() error {
	if r.depthOut != nil {
		C.k4a_image_release(r.depthOut)
		r.depthOut = nil
	}
	if r.depthIn != nil {
		C.k4a_image_release(r.depthIn)
		r.depthIn = nil
	}
	if r.transformation != nil {
		C.k4a_transformation_destroy(r.transformation)
		r.transformation = nil
	}
	return nil
}

func (d *device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("device already closed")
	}
	d.closed = true
	if d.started {
		C.k4a_device_stop_cameras(d.handle)
	}
	C.k4a_device_close(d.handle)
	d.logger.Debug("closed device")
	return nil
}
