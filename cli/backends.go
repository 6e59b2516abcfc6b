package cli

import (
	// register the synthetic backend.
	_ "go.viam.com/rgbdinput/rgbd/fake"
)
