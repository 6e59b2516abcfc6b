package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rgbdinput/rimage"
)

// DepthColorReprojector warps depth images into the color camera's viewpoint: every depth pixel is
// back-projected with the depth camera's model, moved into the color frame and projected with
// the color camera's model. When several depth pixels land on the same color pixel the nearest
// one wins. The rays through the depth pixels are computed once, so one reprojector should be
// built per calibration and reused for every frame.
type DepthColorReprojector struct {
	calib *Calibration
	// rays[i] is the undistorted ray (x/z, y/z) through depth pixel i, NaN where the lens model
	// does not invert.
	rays []r2.Point
}

// NewDepthColorReprojector precomputes the depth camera's rays.
func NewDepthColorReprojector(calib *Calibration) (*DepthColorReprojector, error) {
	if err := calib.CheckValid(); err != nil {
		return nil, err
	}
	depthK := calib.Depth.Intrinsics
	rays := make([]r2.Point, depthK.Width*depthK.Height)
	for y := 0; y < depthK.Height; y++ {
		for x := 0; x < depthK.Width; x++ {
			norm := depthK.PixelToNormalized(r2.Point{X: float64(x), Y: float64(y)})
			ux, uy := calib.Depth.Distortion.UndistortPoint(norm.X, norm.Y)
			// reject points that do not map back onto themselves
			dx, dy := calib.Depth.Distortion.Transform(ux, uy)
			if math.Hypot(dx-norm.X, dy-norm.Y) > 1e-6 {
				ux, uy = math.NaN(), math.NaN()
			}
			rays[y*depthK.Width+x] = r2.Point{X: ux, Y: uy}
		}
	}
	return &DepthColorReprojector{calib: calib, rays: rays}, nil
}

// Reproject returns depth as seen from the color camera, at the color camera's resolution.
// Pixels no depth sample lands on are zero.
func (r *DepthColorReprojector) Reproject(depth *rimage.DepthMap) (*rimage.DepthMap, error) {
	depthK := r.calib.Depth.Intrinsics
	if depth == nil || depth.Width() != depthK.Width || depth.Height() != depthK.Height {
		return nil, errors.Errorf("depth image does not match the depth calibration (%dx%d)", depthK.Width, depthK.Height)
	}

	colorK := r.calib.Color.Intrinsics
	out := rimage.NewEmptyDepthMap(colorK.Width, colorK.Height)
	for y := 0; y < depthK.Height; y++ {
		row := depth.Row(y)
		for x, d := range row {
			if d == 0 {
				continue
			}
			ray := r.rays[y*depthK.Width+x]
			if math.IsNaN(ray.X) {
				continue
			}
			z := float64(d)
			p := r.calib.DepthToColor.Apply(r3.Vector{X: ray.X * z, Y: ray.Y * z, Z: z})
			if p.Z <= 0 {
				continue
			}
			xd, yd := r.calib.Color.Distortion.Transform(p.X/p.Z, p.Y/p.Z)
			px := colorK.NormalizedToPixel(r2.Point{X: xd, Y: yd})
			u, v := int(math.Round(px.X)), int(math.Round(px.Y))
			if !out.Contains(u, v) {
				continue
			}
			nd := rimage.Depth(math.Min(math.Round(p.Z), float64(rimage.MaxDepth)))
			if cur := out.GetDepth(u, v); cur == 0 || nd < cur {
				out.Set(u, v, nd)
			}
		}
	}
	return out, nil
}
