package transform

import "github.com/pkg/errors"

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// BrownConradyDistortionType is for simple lenses of narrow field easily modeled as a pinhole camera.
	// Its parameters are rk1, rk2, rk3, tp1, tp2.
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// RationalPolynomialDistortionType is the 8 coefficient model depth cameras ship calibrations in.
	// Its parameters are in the conventional order k1, k2, p1, p2, k3, k4, k5, k6.
	RationalPolynomialDistortionType = DistortionType("rational_polynomial")
)

// Distorter defines a Transform that takes an undistorted image and distorts it according to the model.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	case RationalPolynomialDistortionType:
		return NewRationalDistortion(parameters)
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}
