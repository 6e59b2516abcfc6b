package utils

import (
	"path/filepath"
	"strings"
)

const (
	// MimeTypeRawDepth is a serialized rimage.DepthMap.
	MimeTypeRawDepth = "image/vnd.rgbd.dep"

	// MimeTypeJPEG is regular jpgs.
	MimeTypeJPEG = "image/jpeg"

	// MimeTypePNG is regular pngs.
	MimeTypePNG = "image/png"

	// MimeTypePPM is for binary .ppm portable pixmaps.
	MimeTypePPM = "image/x-portable-pixmap"

	// MimeTypeQOI is for .qoi "Quite OK Image" for lossless, fast encoding/decoding.
	MimeTypeQOI = "image/qoi"

	// MimeTypeTIFF is for uncompressed .tiff files.
	MimeTypeTIFF = "image/tiff"
)

var extensionMimeTypes = map[string]string{
	".dat":  MimeTypeRawDepth,
	".jpg":  MimeTypeJPEG,
	".jpeg": MimeTypeJPEG,
	".png":  MimeTypePNG,
	".ppm":  MimeTypePPM,
	".qoi":  MimeTypeQOI,
	".tif":  MimeTypeTIFF,
	".tiff": MimeTypeTIFF,
}

// MimeTypeFromPath returns the mime type of a file by its extension, ignoring a trailing .gz.
// It returns the empty string for unknown extensions.
func MimeTypeFromPath(path string) string {
	path = strings.TrimSuffix(strings.ToLower(path), ".gz")
	return extensionMimeTypes[filepath.Ext(path)]
}
