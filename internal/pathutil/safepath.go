package pathutil

import (
	"strings"
	"unicode"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// MaxKeyLen bounds logical keys; S3 allows 1024 bytes.
const MaxKeyLen = 1024

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ValidKey checks a logical object key such as "ADDONS/FREE/tools.js".
// Keys are relative, slash separated, free of dot segments, empty segments,
// backslashes and control characters.
func ValidKey(key string) error {
	if err := validPath(key); err != nil {
		return err
	}
	if strings.HasSuffix(key, "/") {
		return xerrors.Newf("key %q names a folder", key)
	}
	return nil
}

// ValidFolder checks a listing prefix. A single trailing slash is allowed.
func ValidFolder(folder string) error {
	return validPath(strings.TrimSuffix(folder, "/"))
}

func validPath(p string) error {
	switch {
	case p == "":
		return xerrors.New("empty key")
	case len(p) > MaxKeyLen:
		return xerrors.Newf("key longer than %d bytes", MaxKeyLen)
	case strings.HasPrefix(p, "/"):
		return xerrors.Newf("key %q is absolute", p)
	case strings.Contains(p, "\\"):
		return xerrors.Newf("key %q contains a backslash", p)
	case HasDotSegments(p):
		return xerrors.Newf("key %q contains dot segments", p)
	case strings.Contains(strings.TrimSuffix(p, "/"), "//"):
		return xerrors.Newf("key %q contains an empty segment", p)
	}
	for _, r := range p {
		if unicode.IsControl(r) {
			return xerrors.Newf("key %q contains control characters", p)
		}
	}
	return nil
}
