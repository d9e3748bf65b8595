package sdk

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// BundleMIME is the media type of bundled service modules.
const BundleMIME = "application/x-lua"

const dataURIPrefix = "data:" + BundleMIME + ";base64,"

// EncodeDataURI wraps bundled module text into a self-contained data URI the
// sandbox can load without touching the filesystem.
func EncodeDataURI(moduleText string) string {
	return dataURIPrefix + base64.StdEncoding.EncodeToString([]byte(moduleText))
}

// DecodeDataURI recovers the module text from a bundle data URI.
func DecodeDataURI(dataURL string) (string, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", fmt.Errorf("decode bundle: not a data URI")
	}
	meta, body, ok := strings.Cut(rest, ",")
	if !ok {
		return "", fmt.Errorf("decode bundle: malformed data URI")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", fmt.Errorf("decode bundle: expected base64 encoding, got %q", meta)
	}
	text, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decode bundle: %w", err)
	}
	return string(text), nil
}
