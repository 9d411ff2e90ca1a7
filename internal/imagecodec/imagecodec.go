// Package imagecodec normalizes and decodes the transport-encoded images the
// mobile clients submit. Clients are inconsistent about data-URI prefixes and
// base64 padding, so both are repaired here before decoding; anything that
// still fails to decode as an image is rejected up front instead of producing
// confusing failures further down the check-in pipeline.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

// ErrImageInvalid is returned when the payload cannot be normalized into a
// decodable image.
var ErrImageInvalid = errors.New("image payload invalid")

// Decode turns a base64 image payload into raw image bytes. It accepts
// payloads with or without a "data:image/...;base64," prefix and with missing
// trailing padding.
func Decode(payload string) ([]byte, error) {
	normalized := normalize(payload)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrImageInvalid)
	}

	raw, err := base64.StdEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageInvalid, err)
	}

	// A decodable header is the cheapest proof the bytes are a real image.
	if _, _, err := image.DecodeConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: not a decodable image: %v", ErrImageInvalid, err)
	}
	return raw, nil
}

// normalize strips a data-URI prefix and restores missing base64 padding.
func normalize(payload string) string {
	s := strings.TrimSpace(payload)
	if idx := strings.IndexByte(s, ','); idx >= 0 && strings.HasPrefix(s, "data:") {
		s = s[idx+1:]
	}
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return s
}
