package transform

import (
	"math"

	"github.com/pkg/errors"
)

// RationalDistortion is the rational polynomial lens model: six radial terms split between a
// numerator (k1, k2, k3) and a denominator (k4, k5, k6), plus two tangential terms. With
// k4 = k5 = k6 = 0 it is the Brown-Conrady model.
type RationalDistortion struct {
	RadialK1     float64 `json:"k1"`
	RadialK2     float64 `json:"k2"`
	RadialK3     float64 `json:"k3"`
	RadialK4     float64 `json:"k4"`
	RadialK5     float64 `json:"k5"`
	RadialK6     float64 `json:"k6"`
	TangentialP1 float64 `json:"p1"`
	TangentialP2 float64 `json:"p2"`
}

// NewRationalDistortion takes the coefficients in the conventional order k1, k2, p1, p2, k3, k4,
// k5, k6. Missing trailing coefficients are zero.
func NewRationalDistortion(inp []float64) (*RationalDistortion, error) {
	if len(inp) > 8 {
		return nil, errors.Errorf("list of parameters too long, expected max 8, got %d", len(inp))
	}
	var p [8]float64
	copy(p[:], inp)
	return &RationalDistortion{
		RadialK1: p[0], RadialK2: p[1], TangentialP1: p[2], TangentialP2: p[3],
		RadialK3: p[4], RadialK4: p[5], RadialK5: p[6], RadialK6: p[7],
	}, nil
}

// NewBrownConrady takes in the Brown-Conrady coefficients rk1, rk2, rk3, tp1, tp2.
func NewBrownConrady(inp []float64) (*RationalDistortion, error) {
	if len(inp) > 5 {
		return nil, errors.Errorf("list of parameters too long, expected max 5, got %d", len(inp))
	}
	var p [5]float64
	copy(p[:], inp)
	return &RationalDistortion{RadialK1: p[0], RadialK2: p[1], RadialK3: p[2], TangentialP1: p[3], TangentialP2: p[4]}, nil
}

// ModelType returns the type of distortion model.
func (rd *RationalDistortion) ModelType() DistortionType {
	return RationalPolynomialDistortionType
}

// CheckValid checks if the fields for RationalDistortion have valid inputs.
func (rd *RationalDistortion) CheckValid() error {
	if rd == nil {
		return InvalidDistortionError("RationalDistortion shaped distortion_parameters not provided")
	}
	for _, p := range rd.Parameters() {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return InvalidDistortionError("coefficients must be finite")
		}
	}
	return nil
}

// Parameters returns the coefficients in the conventional order k1, k2, p1, p2, k3, k4, k5, k6.
func (rd *RationalDistortion) Parameters() []float64 {
	if rd == nil {
		return []float64{}
	}
	return []float64{
		rd.RadialK1, rd.RadialK2, rd.TangentialP1, rd.TangentialP2,
		rd.RadialK3, rd.RadialK4, rd.RadialK5, rd.RadialK6,
	}
}

// radial returns the radial scale and its derivative with respect to r².
func (rd *RationalDistortion) radial(r2 float64) (float64, float64) {
	num := 1 + ((rd.RadialK3*r2+rd.RadialK2)*r2+rd.RadialK1)*r2
	den := 1 + ((rd.RadialK6*r2+rd.RadialK5)*r2+rd.RadialK4)*r2
	dNum := rd.RadialK1 + (2*rd.RadialK2+3*rd.RadialK3*r2)*r2
	dDen := rd.RadialK4 + (2*rd.RadialK5+3*rd.RadialK6*r2)*r2
	return num / den, (dNum*den - num*dDen) / (den * den)
}

// Transform distorts a point on the normalized image plane.
func (rd *RationalDistortion) Transform(x, y float64) (float64, float64) {
	if rd == nil {
		return x, y
	}
	r2 := x*x + y*y
	kr, _ := rd.radial(r2)
	xd := x*kr + 2*rd.TangentialP1*x*y + rd.TangentialP2*(r2+2*x*x)
	yd := y*kr + rd.TangentialP1*(r2+2*y*y) + 2*rd.TangentialP2*x*y
	return xd, yd
}

// UndistortPointIterative inverts Transform with the fixed point iteration undistortion routines
// conventionally use. A handful of iterations is enough for the border of typical lenses; callers
// that need the exact value use UndistortPoint.
func (rd *RationalDistortion) UndistortPointIterative(xd, yd float64, iterations int) (float64, float64) {
	if rd == nil {
		return xd, yd
	}
	x, y := xd, yd
	for i := 0; i < iterations; i++ {
		r2 := x*x + y*y
		kr, _ := rd.radial(r2)
		if kr <= 0 {
			return xd, yd
		}
		deltaX := 2*rd.TangentialP1*x*y + rd.TangentialP2*(r2+2*x*x)
		deltaY := rd.TangentialP1*(r2+2*y*y) + 2*rd.TangentialP2*x*y
		x = (xd - deltaX) / kr
		y = (yd - deltaY) / kr
	}
	return x, y
}

// UndistortPoint converts a distorted point on the normalized image plane to the undistorted one.
// It uses an iterative Newton-Raphson method to find the point Transform maps onto (xd, yd).
func (rd *RationalDistortion) UndistortPoint(xd, yd float64) (float64, float64) {
	if rd == nil {
		return xd, yd
	}

	// Start from the fixed point estimate
	xu, yu := rd.UndistortPointIterative(xd, yd, 5)

	const maxIterations = 20
	const tolerance = 1e-10

	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		kr, dkr := rd.radial(r2)

		xdEst, ydEst := rd.Transform(xu, yu)
		errX := xdEst - xd
		errY := ydEst - yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		// J = [[dxd/dxu, dxd/dyu], [dyd/dxu, dyd/dyu]]
		dkrDxu := 2 * xu * dkr
		dkrDyu := 2 * yu * dkr
		dxdDxu := kr + xu*dkrDxu + 2*rd.TangentialP1*yu + 6*rd.TangentialP2*xu
		dxdDyu := xu*dkrDyu + 2*rd.TangentialP1*xu + 2*rd.TangentialP2*yu
		dydDxu := yu*dkrDxu + 2*rd.TangentialP1*xu + 2*rd.TangentialP2*yu
		dydDyu := kr + yu*dkrDyu + 6*rd.TangentialP1*yu + 2*rd.TangentialP2*xu

		det := dxdDxu*dydDyu - dxdDyu*dydDxu
		if det == 0 || math.IsNaN(det) {
			break
		}

		// [xu, yu] -= J^-1 * [errX, errY]
		xu -= (dydDyu*errX - dxdDyu*errY) / det
		yu -= (-dydDxu*errX + dxdDxu*errY) / det
	}

	return xu, yu
}
