package upload

import (
	"errors"
	"net/url"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxFileNameLength = 255

// ErrInvalidFileName is returned for names that cannot be stored safely.
var ErrInvalidFileName = errors.New("invalid file name")

// CleanFileName reduces a client supplied name to a safe base name in NFC
// form. Directory components are dropped; control characters are rejected.
func CleanFileName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", ErrInvalidFileName
	}
	if len(name) > maxFileNameLength {
		return "", ErrInvalidFileName
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", ErrInvalidFileName
		}
	}
	return name, nil
}

// Locator builds the download reference returned to a client on success:
// <protocol><domain>/<dir>/<code>/<fileName>, each path segment escaped on
// its own.
type Locator struct {
	Protocol string // e.g. "https://"
	Domain   string
	Dir      string
}

// URL returns the download reference for a stored file.
func (l Locator) URL(code, fileName string) string {
	return l.Protocol + l.Domain +
		"/" + EscapeSegment(l.Dir) +
		"/" + EscapeSegment(code) +
		"/" + EscapeSegment(fileName)
}

// EscapeSegment percent-encodes everything except RFC 3986 unreserved
// characters. Spaces become %20.
func EscapeSegment(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
