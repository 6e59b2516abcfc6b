//go:build k4a

package cli

import (
	// register the Azure Kinect backend.
	_ "go.viam.com/rgbdinput/rgbd/k4a"
)
