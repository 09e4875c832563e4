package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/mediaops/mediaops/pkg/errors"
)

// escapeExtra encodes path-legal sub-delimiters that CDN providers and
// signing layers tend to mishandle. Decoding still yields the original key.
var escapeExtra = strings.NewReplacer(
	"+", "%2B",
	"&", "%26",
	"=", "%3D",
	"$", "%24",
	",", "%2C",
)

// BuildCDNURL derives the CDN URL for a storage key. Every path segment is
// percent-encoded independently so keys containing spaces, reserved
// characters or non-ASCII text produce a single well-formed absolute URL.
// The URL is always a pure function of the key and the CDN domain.
func BuildCDNURL(cdnDomain, key string) (string, error) {
	if key == "" {
		return "", errors.New(errors.ErrCodeInvalidArgument, "storage key must not be empty").
			WithComponent("storage-gateway").
			WithOperation("BuildCDNURL")
	}
	if cdnDomain == "" {
		return "", errors.New(errors.ErrCodeInvalidArgument, "cdn domain is not configured").
			WithComponent("storage-gateway").
			WithOperation("BuildCDNURL")
	}

	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = escapeExtra.Replace(url.PathEscape(seg))
	}
	return fmt.Sprintf("https://%s/%s", cdnDomain, strings.Join(segments, "/")), nil
}

// BuildKey produces a storage key following the
// category/timestamp_id_sanitizedName convention.
func BuildKey(category, filename string) string {
	return fmt.Sprintf("%s/%d_%s_%s",
		sanitizeSegment(category),
		time.Now().UnixMilli(),
		xid.New().String(),
		SanitizeFilename(filename))
}

// SanitizeFilename strips path separators and characters that are unsafe in
// storage keys, preserving the extension.
func SanitizeFilename(name string) string {
	name = path.Base(name)
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		out = "file"
	}
	return out
}

func sanitizeSegment(s string) string {
	s = strings.Trim(s, "/")
	if s == "" {
		return "uploads"
	}
	return s
}
