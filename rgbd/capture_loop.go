package rgbd

import (
	"context"

	"github.com/pkg/errors"
)

// captureLoop is the producer. It waits for the stream to deliver its first capture, then
// processes captures until ctx is canceled or a fatal error occurs. Timeouts, captures missing
// an image and undecodable color only cost the current attempt. On exit the device is closed
// and the queue is closed with the error that stopped the loop, a panic included.
func (in *Input) captureLoop(ctx context.Context, pipe *pipeline) {
	var cause error
	defer func() {
		if r := recover(); r != nil {
			cause = errors.Errorf("capture loop panicked: %v", r)
			in.logger.Errorw("capture loop panicked", "panic", r)
		}
		in.state.Store(int32(StateStopped))
		//nolint:contextcheck
		if err := pipe.close(context.Background()); err != nil {
			in.logger.Errorw("failed to close device", "error", err)
			in.closeErr.Store(err)
		}
		if cause != nil {
			in.err.Store(cause)
		}
		in.logger.Infow("capture stopped", "captures", in.captures.Load(), "pushed", in.pushed.Load())
		in.queue.Close(cause)
		close(in.done)
	}()

	if err := in.awaitFirstCapture(ctx, pipe); err != nil {
		if ctx.Err() == nil {
			cause = err
			in.logger.Errorw("stream never became ready", "error", err)
		}
		return
	}
	in.state.Store(int32(StateStreaming))
	in.logger.Info("stream is live")

	for {
		if ctx.Err() != nil {
			return
		}
		err := in.processNext(ctx, pipe)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case !IsRecoverable(err):
			cause = err
			in.logger.Errorw("capture loop failed", "error", err)
			return
		case errors.Is(err, ErrDeviceTimeout):
			in.timeouts.Inc()
			if in.timeoutWarnings.Allow() {
				in.logger.Warnw("timed out waiting for a capture", "timeouts", in.timeouts.Load())
			}
		case errors.Is(err, ErrMissingModality):
			in.droppedMissing.Inc()
			in.logger.Warnw("skipping frame", "error", err)
		case errors.Is(err, ErrDecode):
			in.droppedDecode.Inc()
			in.logger.Warnw("skipping frame", "error", err)
		}
	}
}

// awaitFirstCapture polls with short timeouts until a capture arrives, and discards it so that
// nothing captured before the stream was ready reaches the queue.
func (in *Input) awaitFirstCapture(ctx context.Context, pipe *pipeline) error {
	deadline := in.clock.Now().Add(in.cfg.FirstCaptureTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !in.clock.Now().Before(deadline) {
			return wrapKind(ErrFirstCaptureTimeout, nil, "waited %v", in.cfg.FirstCaptureTimeout)
		}
		capture, err := pipe.device.Capture(ctx, in.cfg.FirstCaptureAttempt)
		if err == nil {
			capture.Release()
			in.captures.Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrDeviceTimeout) {
			return asDeviceFailure(err, "waiting for the first capture")
		}
		in.timeouts.Inc()
		in.logger.Debugw("no capture yet", "error", err)
	}
}

// processNext runs one capture through the pipeline and pushes the result.
func (in *Input) processNext(ctx context.Context, pipe *pipeline) error {
	capture, err := pipe.device.Capture(ctx, pipe.stream.CaptureTimeout())
	if err != nil {
		if errors.Is(err, ErrDeviceTimeout) {
			return err
		}
		return asDeviceFailure(err, "getting capture")
	}
	// zero copy color points into the capture, so it is released only after the frame is done
	defer capture.Release()
	in.captures.Inc()

	depthRaw, colorRaw := capture.DepthImage(), capture.ColorImage()
	if depthRaw == nil || colorRaw == nil {
		return wrapKind(ErrMissingModality, nil, "depth present: %t, color present: %t", depthRaw != nil, colorRaw != nil)
	}

	color, err := pipe.decoder.Decode(colorRaw)
	if err != nil {
		return err
	}
	depth, err := pipe.reprojector.DepthToColor(ctx, depthRaw, color)
	if err != nil {
		if errors.Is(err, ErrReprojection) {
			return err
		}
		return wrapKind(ErrReprojection, err, "frame %d", in.captures.Load())
	}
	pair, err := pipe.undistorter.Undistort(depth, color)
	if err != nil {
		return errors.Wrap(err, "undistorting frame")
	}

	if err := in.queue.Push(ctx, pair); err != nil {
		return err
	}
	in.pushed.Inc()
	return nil
}

func asDeviceFailure(err error, msg string) error {
	if errors.Is(err, ErrDeviceFailure) {
		return errors.Wrap(err, msg)
	}
	return wrapKind(ErrDeviceFailure, err, "%s", msg)
}
