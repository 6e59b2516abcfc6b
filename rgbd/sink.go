package rgbd

import (
	"sync"

	"go.viam.com/rgbdinput/rimage"
	"go.viam.com/rgbdinput/rimage/transform"
)

// A Sink receives the processed frames of an Input.
type Sink interface {
	// SetCameraModels is called once before the first frame with the camera models the frames
	// follow. Both are the same undistorted model since depth is reprojected onto color.
	SetCameraModels(color, depth *transform.PinholeCameraIntrinsics)
	AppendFrame(pair *FramePair)
}

// Video is a Sink that keeps every frame it is given, one history per modality.
type Video struct {
	mu          sync.Mutex
	colorCamera *transform.PinholeCameraIntrinsics
	depthCamera *transform.PinholeCameraIntrinsics
	depth       []*rimage.DepthMap
	color       []*rimage.RGB
}

// SetCameraModels stores copies of the camera models.
func (v *Video) SetCameraModels(color, depth *transform.PinholeCameraIntrinsics) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, d := *color, *depth
	v.colorCamera, v.depthCamera = &c, &d
}

// AppendFrame adds pair to the end of both histories.
func (v *Video) AppendFrame(pair *FramePair) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.depth = append(v.depth, pair.Depth)
	v.color = append(v.color, pair.Color)
}

// CameraModels returns the color and depth camera models, nil before SetCameraModels.
func (v *Video) CameraModels() (color, depth *transform.PinholeCameraIntrinsics) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.colorCamera, v.depthCamera
}

// FrameCount returns the number of frames appended so far.
func (v *Video) FrameCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.depth)
}

// Frame returns the i-th appended frame.
func (v *Video) Frame(i int) *FramePair {
	v.mu.Lock()
	defer v.mu.Unlock()
	return &FramePair{Depth: v.depth[i], Color: v.color[i]}
}
