// Package kifu imports and exports game records in the USI, KIF and
// KI2 text formats.
package kifu

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// Format names returned by DetectFormat.
const (
	FormatUSI     = "usi"
	FormatKIF     = "kif"
	FormatKI2     = "kif2"
	FormatUnknown = "unknown"
)

// DetectFormat guesses the record format from its text.
func DetectFormat(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToLower(s), "position ") {
		return FormatUSI
	}
	if strings.Contains(s, "手合割") || strings.Contains(s, "手数----指手") {
		return FormatKIF
	}
	if strings.Contains(s, "▲") || strings.Contains(s, "△") {
		return FormatKI2
	}
	return FormatUnknown
}

// DecodeText returns the record as UTF-8. KIF files in the wild are
// frequently Shift-JIS, so invalid UTF-8 input is run through that
// decoder; if that fails too the raw bytes are returned as-is.
func DecodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	r := transform.NewReader(bytes.NewReader(raw), japanese.ShiftJIS.NewDecoder())
	decoded, err := io.ReadAll(r)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}
