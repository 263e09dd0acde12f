package upload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned when image bytes cannot be decoded as one of
// the allowed formats.
var ErrUnsupportedImage = errors.New("unsupported image format")

// ImageInfo describes a validated image payload.
type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// ValidateImage decodes just enough of the payload to confirm it is a real
// image in one of the allowed formats. An empty allow list accepts any
// registered decoder.
func ValidateImage(data []byte, allowed []string) (*ImageInfo, error) {
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if len(allowed) > 0 {
		ok := false
		for _, f := range allowed {
			if f == format {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s not allowed", ErrUnsupportedImage, format)
		}
	}
	return &ImageInfo{Format: format, Width: config.Width, Height: config.Height}, nil
}
