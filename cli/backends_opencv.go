//go:build opencv

package cli

import (
	// register the OpenCV undistorter.
	_ "go.viam.com/rgbdinput/rgbd/opencv"
)
