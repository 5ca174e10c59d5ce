// Package keys maps document names onto single path segments.
package keys

import (
	"net/url"
	"strings"
)

const suffix = ".state"

// Encode escapes name into a file name that never contains a separator
// and never resolves to "." or "..".
func Encode(name string) string {
	return url.PathEscape(name) + suffix
}

// Decode reverses Encode. ok is false for names Encode never produces.
func Decode(file string) (name string, ok bool) {
	escaped, found := strings.CutSuffix(file, suffix)
	if !found {
		return "", false
	}
	name, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return name, true
}
