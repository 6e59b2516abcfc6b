package rgbd

import (
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pkg/errors"

	"go.viam.com/rgbdinput/rimage"
)

// A ColorDecoder turns a raw color image into a BGRA image.
type ColorDecoder interface {
	Decode(raw *RawImage) (*rimage.BGRA, error)
}

// NewColorDecoder returns the decoder for one of the ColorFormats.
func NewColorDecoder(format ImageFormat) (ColorDecoder, error) {
	switch format {
	case ImageFormatBGRA32:
		return bgraDecoder{}, nil
	case ImageFormatMJPG:
		return newFrameDecoder(format, frame.FormatMJPEG, nil)
	case ImageFormatYUY2:
		return newFrameDecoder(format, frame.FormatYUY2, func(w, h int) int { return 2 * w * h })
	case ImageFormatNV12:
		return newFrameDecoder(format, frame.FormatNV12, func(w, h int) int { return w*h + w*h/2 })
	default:
		return nil, errors.Errorf("no color decoder for format %q", format)
	}
}

// bgraDecoder wraps the raw buffer without copying. The result is only valid until the capture
// is released.
type bgraDecoder struct{}

func (bgraDecoder) Decode(raw *RawImage) (*rimage.BGRA, error) {
	if err := checkRaw(raw, ImageFormatBGRA32); err != nil {
		return nil, err
	}
	img, err := rimage.NewBGRAFromBuffer(raw.Buffer, raw.Width, raw.Height, raw.Stride)
	if err != nil {
		return nil, wrapKind(ErrDecode, err, "BGRA32")
	}
	return img, nil
}

// frameDecoder decodes through the frame decoders of the media stack and copies the result into
// a BGRA image owned by the caller.
type frameDecoder struct {
	format  ImageFormat
	decoder frame.Decoder
	// size is the exact buffer length for uncompressed formats, nil for compressed ones.
	size func(width, height int) int
}

func newFrameDecoder(format ImageFormat, f frame.Format, size func(w, h int) int) (*frameDecoder, error) {
	decoder, err := frame.NewDecoder(f)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s decoder", format)
	}
	return &frameDecoder{format: format, decoder: decoder, size: size}, nil
}

func (d *frameDecoder) Decode(raw *RawImage) (*rimage.BGRA, error) {
	if err := checkRaw(raw, d.format); err != nil {
		return nil, err
	}
	buf := raw.Buffer
	if d.size != nil {
		want := d.size(raw.Width, raw.Height)
		if len(buf) < want {
			return nil, wrapKind(ErrDecode, nil, "%s buffer of %d bytes is too short for %dx%d",
				d.format, len(buf), raw.Width, raw.Height)
		}
		buf = buf[:want]
	}

	img, release, err := d.decoder.Decode(buf, raw.Width, raw.Height)
	if err != nil {
		return nil, wrapKind(ErrDecode, err, "%s", d.format)
	}
	if release != nil {
		defer release()
	}
	if img == nil || img.Bounds().Empty() {
		return nil, wrapKind(ErrDecode, nil, "%s decoded to an empty image", d.format)
	}
	// compressed images carry their own size
	return rimage.ConvertToBGRA(img), nil
}

func checkRaw(raw *RawImage, format ImageFormat) error {
	if raw == nil || len(raw.Buffer) == 0 {
		return wrapKind(ErrDecode, nil, "no %s payload", format)
	}
	if raw.Format != format {
		return wrapKind(ErrDecode, nil, "expected %s color but got %s", format, raw.Format)
	}
	return nil
}
