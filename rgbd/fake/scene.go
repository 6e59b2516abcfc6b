package fake

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/rgbdinput/rgbd"
	"go.viam.com/rgbdinput/rimage"
	"go.viam.com/rgbdinput/rimage/transform"
)

// SyntheticCalibration returns a calibration shaped like a real device's for the given stream
// mode: a rational polynomial color lens, a mildly distorted depth lens and a small baseline
// between the two.
func SyntheticCalibration(cfg rgbd.StreamConfig) (*transform.Calibration, error) {
	cw, ch := cfg.ColorResolution.Size()
	dw, dh := cfg.DepthMode.Size()
	if cw == 0 || dw == 0 {
		return nil, errors.Errorf("no synthetic calibration for %q color and %q depth", cfg.ColorResolution, cfg.DepthMode)
	}
	colorF := 0.473 * float64(cw)
	depthF := 0.49 * float64(dw)
	if cfg.DepthMode == rgbd.DepthModeNFOV2x2Binned || cfg.DepthMode == rgbd.DepthModeNFOVUnbinned {
		depthF = 0.79 * float64(dw)
	}
	return &transform.Calibration{
		Color: transform.CameraCalibration{
			Intrinsics: &transform.PinholeCameraIntrinsics{
				Width: cw, Height: ch,
				Fx: colorF, Fy: colorF,
				Ppx: float64(cw)/2 - 1.5, Ppy: float64(ch)/2 + 2.5,
			},
			Distortion: &transform.RationalDistortion{
				RadialK1: 0.5, RadialK2: -2.6, RadialK3: 1.5,
				RadialK4: 0.4, RadialK5: -2.4, RadialK6: 1.4,
				TangentialP1: 0.0005, TangentialP2: -0.0003,
			},
		},
		Depth: transform.CameraCalibration{
			Intrinsics: &transform.PinholeCameraIntrinsics{
				Width: dw, Height: dh,
				Fx: depthF, Fy: depthF,
				Ppx: float64(dw) / 2, Ppy: float64(dh) / 2,
			},
			Distortion: &transform.RationalDistortion{RadialK1: 0.05, RadialK2: -0.01},
		},
		DepthToColor: transform.Extrinsics{
			RotationMatrix: transform.IdentityExtrinsics().RotationMatrix,
			TranslationMM:  [3]float64{-32, -2, 4},
		},
	}, nil
}

// sceneDepth is the synthetic scene seen by the depth camera: a wall at 1.5m with a gentle
// ripple, in millimeters. Pixels on the outer ring are invalid like on a real sensor.
func sceneDepth(width, height int) []byte {
	buf := make([]byte, 2*width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x == 0 || y == 0 || x == width-1 || y == height-1 {
				continue
			}
			z := 1500 + 100*math.Sin(float64(x)/40)*math.Cos(float64(y)/40)
			binary.LittleEndian.PutUint16(buf[2*(y*width+x):], uint16(z))
		}
	}
	return buf
}

// sceneColor is the synthetic scene seen by the color camera: a checkerboard over a gradient.
func sceneColor(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBA{
				R: uint8(255 * x / width),
				G: uint8(255 * y / height),
				B: 128,
				A: 255,
			}
			if (x/40+y/40)%2 == 0 {
				c.B = 32
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// encodeColor encodes img the way a device delivers it in format.
func encodeColor(img *image.NRGBA, format rgbd.ImageFormat) (*rgbd.RawImage, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	raw := &rgbd.RawImage{Format: format, Width: w, Height: h}
	switch format {
	case rgbd.ImageFormatMJPG:
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, err
		}
		raw.Buffer = buf.Bytes()
	case rgbd.ImageFormatBGRA32:
		bgra := rimage.ConvertToBGRA(img)
		raw.Buffer, raw.Stride = bgra.Pix, bgra.Stride
	case rgbd.ImageFormatYUY2:
		raw.Buffer, raw.Stride = encodeYUY2(img), 2*w
	case rgbd.ImageFormatNV12:
		raw.Buffer, raw.Stride = encodeNV12(img), w
	default:
		return nil, errors.Errorf("cannot encode color as %q", format)
	}
	return raw, nil
}

func ycbcrAt(img *image.NRGBA, x, y int) (uint8, uint8, uint8) {
	c := img.NRGBAAt(x, y)
	return color.RGBToYCbCr(c.R, c.G, c.B)
}

// encodeYUY2 packs two pixels into Y0 Cb Y1 Cr, sharing the chroma of the left pixel.
func encodeYUY2(img *image.NRGBA) []byte {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	buf := make([]byte, 0, 2*w*h)
	for y := 0; y < h; y++ {
		for x := 0; x+1 < w; x += 2 {
			y0, cb, cr := ycbcrAt(img, x, y)
			y1, _, _ := ycbcrAt(img, x+1, y)
			buf = append(buf, y0, cb, y1, cr)
		}
	}
	return buf
}

// encodeNV12 writes the luma plane followed by interleaved Cb Cr at half resolution.
func encodeNV12(img *image.NRGBA) []byte {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	buf := make([]byte, w*h+w*h/2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yy, cb, cr := ycbcrAt(img, x, y)
			buf[y*w+x] = yy
			if x%2 == 0 && y%2 == 0 {
				o := w*h + (y/2)*w + x
				buf[o], buf[o+1] = cb, cr
			}
		}
	}
	return buf
}
