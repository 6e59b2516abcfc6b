package rimage

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// areaWeight is the share of one source row or column in one destination row or column.
type areaWeight struct {
	src    int
	weight float64
}

// areaWeights splits the source axis of length srcLen into dstLen equal footprints and returns,
// per destination index, the overlapping source indices and their normalized overlap.
func areaWeights(srcLen, dstLen int) [][]areaWeight {
	scale := float64(srcLen) / float64(dstLen)
	weights := make([][]areaWeight, dstLen)
	for d := 0; d < dstLen; d++ {
		start := float64(d) * scale
		end := start + scale
		for s := int(math.Floor(start)); s < srcLen && float64(s) < end; s++ {
			overlap := math.Min(end, float64(s+1)) - math.Max(start, float64(s))
			if overlap <= 1e-9 {
				continue
			}
			weights[d] = append(weights[d], areaWeight{s, overlap / scale})
		}
	}
	return weights
}

func checkDownscale(srcW, srcH, dstW, dstH int) error {
	if dstW <= 0 || dstH <= 0 {
		return errors.Errorf("cannot resize to %dx%d", dstW, dstH)
	}
	if dstW > srcW || dstH > srcH {
		return errors.Errorf("area resize only downscales, got %dx%d -> %dx%d", srcW, srcH, dstW, dstH)
	}
	return nil
}

// ResizeDepthArea downscales a depth map by averaging the source pixels under each destination
// pixel's footprint. Partially covered source pixels contribute by their covered area.
func ResizeDepthArea(dm *DepthMap, width, height int) (*DepthMap, error) {
	if err := checkDownscale(dm.width, dm.height, width, height); err != nil {
		return nil, err
	}
	if width == dm.width && height == dm.height {
		return dm.Clone(), nil
	}

	xWeights := areaWeights(dm.width, width)
	yWeights := areaWeights(dm.height, height)
	out := NewEmptyDepthMap(width, height)
	rowSum := make([]float64, width)
	for y, yws := range yWeights {
		for i := range rowSum {
			rowSum[i] = 0
		}
		for _, yw := range yws {
			row := dm.Row(yw.src)
			for x, xws := range xWeights {
				var acc float64
				for _, xw := range xws {
					acc += float64(row[xw.src]) * xw.weight
				}
				rowSum[x] += acc * yw.weight
			}
		}
		outRow := out.Row(y)
		for x, v := range rowSum {
			outRow[x] = saturateDepth(v)
		}
	}
	return out, nil
}

// ResizeColorArea downscales a color image with a box filter, which averages the source pixels
// under each destination pixel's footprint.
func ResizeColorArea(img *BGRA, width, height int) (*image.NRGBA, error) {
	if err := checkDownscale(img.Width(), img.Height(), width, height); err != nil {
		return nil, err
	}
	src := img.ToNRGBA()
	if width == img.Width() && height == img.Height() {
		return src, nil
	}
	return imaging.Resize(src, width, height, imaging.Box), nil
}

// Thumbnail scales img down to fit within maxWidth x maxHeight keeping its aspect ratio. Unlike
// the area resizers it keeps 16 bit gray input at 16 bits, which matters for depth previews.
func Thumbnail(img image.Image, maxWidth, maxHeight uint) image.Image {
	if dm, ok := img.(*DepthMap); ok {
		img = dm.ToGray16()
	}
	return resize.Thumbnail(maxWidth, maxHeight, img, resize.Bilinear)
}
