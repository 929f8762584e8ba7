package baseline

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// sanitizeJPEG decodes the incoming bytes to prove they are a real image,
// bounds the longest edge to maxEdge, and re-encodes as JPEG. Reference
// photos are kept long-term, so storage and provider upload size stay
// bounded regardless of what the device camera sends.
func sanitizeJPEG(data []byte, maxEdge int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("not a decodable image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxEdge > 0 && (w > maxEdge || h > maxEdge) {
		if w >= h {
			img = imaging.Resize(img, maxEdge, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, maxEdge, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("failed to encode baseline image: %w", err)
	}
	return buf.Bytes(), nil
}
