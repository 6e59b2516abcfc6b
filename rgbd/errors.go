package rgbd

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors reported by the capture pipeline. They are wrapped with context before being returned or
// logged, so match them with errors.Is.
var (
	// ErrStartup is returned by Start when no device could be found, opened, started or queried
	// for its calibration. Nothing is left running.
	ErrStartup = errors.New("rgbd input failed to start")
	// ErrCalibration means the device calibration cannot produce a usable camera model.
	ErrCalibration = errors.New("invalid camera calibration")
	// ErrDecode means a color payload could not be decoded. The frame is dropped.
	ErrDecode = errors.New("could not decode color image")
	// ErrMissingModality means a capture arrived without its depth or color image. The frame is
	// dropped.
	ErrMissingModality = errors.New("capture is missing an image")
	// ErrReprojection means depth could not be warped onto the color camera. It stops the stream.
	ErrReprojection = errors.New("depth to color reprojection failed")
	// ErrDeviceTimeout is returned by Device.Capture when no capture arrived within the timeout.
	ErrDeviceTimeout = errors.New("timed out waiting for a capture")
	// ErrDeviceFailure means the device reported a hard failure. It stops the stream.
	ErrDeviceFailure = errors.New("capture device failed")
	// ErrFirstCaptureTimeout means the stream never delivered its first capture.
	ErrFirstCaptureTimeout = errors.New("no capture arrived before the first capture deadline")
	// ErrStreamClosed is returned by Pull once the stream has ended and every buffered frame
	// was consumed.
	ErrStreamClosed = errors.New("frame stream closed")
)

// StreamClosedError reports the end of a frame stream along with what ended it. It matches
// ErrStreamClosed and unwraps to the cause.
type StreamClosedError struct {
	Cause error
}

func (e *StreamClosedError) Error() string {
	if e.Cause == nil {
		return ErrStreamClosed.Error()
	}
	return ErrStreamClosed.Error() + ": " + e.Cause.Error()
}

// Is makes errors.Is(err, ErrStreamClosed) hold.
func (e *StreamClosedError) Is(target error) bool {
	return target == ErrStreamClosed
}

// Unwrap returns the cause the stream was closed with.
func (e *StreamClosedError) Unwrap() error {
	return e.Cause
}

// IsRecoverable reports whether err only costs the current frame or attempt and the capture loop
// should keep streaming.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrDeviceTimeout) || errors.Is(err, ErrDecode) || errors.Is(err, ErrMissingModality)
}

// wrapKind annotates err and marks it as kind, so errors.Is matches both kind and anything err
// wraps.
func wrapKind(kind, err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if err == nil {
		return fmt.Errorf("%s: %w", msg, kind)
	}
	return fmt.Errorf("%s: %w: %w", msg, kind, err)
}
