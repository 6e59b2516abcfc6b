package rimage

import (
	"bufio"
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"os"

	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"github.com/xfmoulet/qoi"
	"go.uber.org/multierr"
	"golang.org/x/image/tiff"

	"go.viam.com/rgbdinput/utils"
)

// EncodeImage encodes img as mimeType. Depth maps can be encoded as raw depth, PNG (16 bit gray)
// or TIFF (16 bit gray); any other image in every supported format.
func EncodeImage(img image.Image, mimeType string) ([]byte, error) {
	if dm, ok := img.(*DepthMap); ok {
		switch mimeType {
		case utils.MimeTypeRawDepth:
			var buf bytes.Buffer
			if err := dm.WriteRawTo(&buf); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		case utils.MimeTypePNG, utils.MimeTypeTIFF:
			img = dm.ToGray16()
		default:
			return nil, errors.Errorf("cannot encode a depth map as %q", mimeType)
		}
	}
	if bgra, ok := img.(*BGRA); ok {
		img = bgra.ToNRGBA()
	}

	var buf bytes.Buffer
	var err error
	switch mimeType {
	case utils.MimeTypePNG:
		err = png.Encode(&buf, img)
	case utils.MimeTypeJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	case utils.MimeTypePPM:
		err = ppm.Encode(&buf, img)
	case utils.MimeTypeQOI:
		err = qoi.Encode(&buf, img)
	case utils.MimeTypeTIFF:
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return nil, errors.Errorf("do not know how to encode %q", mimeType)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %q", mimeType)
	}
	return buf.Bytes(), nil
}

// DecodeImage decodes data of the given mime type. Raw depth decodes to a *DepthMap.
func DecodeImage(data []byte, mimeType string) (image.Image, error) {
	r := bytes.NewReader(data)
	var (
		img image.Image
		err error
	)
	switch mimeType {
	case utils.MimeTypeRawDepth:
		return ReadDepthMap(bufio.NewReader(r))
	case utils.MimeTypePNG:
		img, err = png.Decode(r)
	case utils.MimeTypeJPEG:
		img, err = jpeg.Decode(r)
	case utils.MimeTypePPM:
		img, err = ppm.Decode(r)
	case utils.MimeTypeQOI:
		img, err = qoi.Decode(r)
	case utils.MimeTypeTIFF:
		img, err = tiff.Decode(r)
	default:
		return nil, errors.Errorf("do not know how to decode %q", mimeType)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %q", mimeType)
	}
	return img, nil
}

// WriteImageToFile writes img to path in the format its extension names. Depth maps written to
// .dat or .dat.gz use WriteToFile.
func WriteImageToFile(path string, img image.Image) (err error) {
	mimeType := utils.MimeTypeFromPath(path)
	if mimeType == "" {
		return errors.Errorf("do not know the image format of %q", path)
	}
	if dm, ok := img.(*DepthMap); ok && mimeType == utils.MimeTypeRawDepth {
		return dm.WriteToFile(path)
	}

	data, err := EncodeImage(img, mimeType)
	if err != nil {
		return err
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	_, err = f.Write(data)
	return err
}

// ReadImageFromFile reads an image written by WriteImageToFile.
func ReadImageFromFile(path string) (image.Image, error) {
	mimeType := utils.MimeTypeFromPath(path)
	if mimeType == utils.MimeTypeRawDepth {
		return ParseDepthMap(path)
	}
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeImage(data, mimeType)
}
