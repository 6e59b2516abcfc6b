package transform

import (
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// CameraCalibration is the intrinsic calibration of one physical camera.
type CameraCalibration struct {
	Intrinsics *PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion *RationalDistortion      `json:"distortion_parameters"`
}

// CheckValid checks that both the intrinsics and the distortion are usable.
func (cc *CameraCalibration) CheckValid() error {
	if cc == nil {
		return NewNoIntrinsicsError("camera calibration does not exist")
	}
	return multierr.Combine(cc.Intrinsics.CheckValid(), cc.Distortion.CheckValid())
}

// Extrinsics is the rigid transform taking points from one camera's frame into another's.
// Translation is in millimeters, matching depth units.
type Extrinsics struct {
	// RotationMatrix is row major.
	RotationMatrix [9]float64 `json:"rotation"`
	TranslationMM  [3]float64 `json:"translation_mm"`
}

// IdentityExtrinsics is the transform between two cameras sharing a frame.
func IdentityExtrinsics() Extrinsics {
	return Extrinsics{RotationMatrix: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// Rotation returns the rotation as a 3x3 matrix.
func (e Extrinsics) Rotation() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), e.RotationMatrix[:]...))
}

// CheckValid checks that the rotation is orthonormal with determinant 1.
func (e Extrinsics) CheckValid() error {
	rot := e.Rotation()
	if det := mat.Det(rot); math.Abs(det-1) > 1e-3 {
		return errors.Errorf("extrinsic rotation must have determinant 1, got %f", det)
	}
	var rrt mat.Dense
	rrt.Mul(rot, rot.T())
	if !mat.EqualApprox(&rrt, mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-3) {
		return errors.New("extrinsic rotation is not orthonormal")
	}
	for _, t := range e.TranslationMM {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return errors.New("extrinsic translation must be finite")
		}
	}
	return nil
}

// Apply transforms a point by the rotation and then the translation.
func (e Extrinsics) Apply(p r3.Vector) r3.Vector {
	r := &e.RotationMatrix
	return r3.Vector{
		X: r[0]*p.X + r[1]*p.Y + r[2]*p.Z + e.TranslationMM[0],
		Y: r[3]*p.X + r[4]*p.Y + r[5]*p.Z + e.TranslationMM[1],
		Z: r[6]*p.X + r[7]*p.Y + r[8]*p.Z + e.TranslationMM[2],
	}
}

// Calibration is the factory calibration of an RGB-D camera: both cameras' intrinsics and the
// rigid transform from the depth camera to the color camera. It is not modified after retrieval.
type Calibration struct {
	Color        CameraCalibration `json:"color"`
	Depth        CameraCalibration `json:"depth"`
	DepthToColor Extrinsics        `json:"depth_to_color"`
}

// CheckValid checks every part of the calibration.
func (c *Calibration) CheckValid() error {
	if c == nil {
		return NewNoIntrinsicsError("calibration does not exist")
	}
	return multierr.Combine(
		errors.Wrap(c.Color.CheckValid(), "color"),
		errors.Wrap(c.Depth.CheckValid(), "depth"),
		errors.Wrap(c.DepthToColor.CheckValid(), "depth_to_color"),
	)
}

// NewCalibrationFromJSONFile reads a calibration saved as JSON and checks that it is usable.
func NewCalibrationFromJSONFile(jsonPath string) (*Calibration, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening calibration file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading calibration file")
	}
	calib := &Calibration{}
	if err := json.Unmarshal(byteValue, calib); err != nil {
		return nil, errors.Wrapf(err, "error parsing calibration file %s", jsonPath)
	}
	return calib, calib.CheckValid()
}
