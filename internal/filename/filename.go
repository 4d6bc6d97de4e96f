// Package filename derives and sanitizes the final file name for a new
// job: Content-Disposition first, then the URL path, then a fallback,
// each pass through a Linux-safe sanitizer and a collision-avoidance
// numbering scheme.
package filename

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"unicode"
)

const fallback = "download.bin"
const nameMax = 255

// Derive picks the final file name for a job: the RFC 5987 filename*
// parameter of contentDisposition, else its filename= parameter, else
// the URL's last non-empty path segment, else the fallback name -
// always passed through Sanitize.
func Derive(rawURL string, contentDisposition *string) string {
	if contentDisposition != nil {
		if name, ok := fromContentDisposition(*contentDisposition); ok {
			return Sanitize(name)
		}
	}
	if name, ok := fromURLPath(rawURL); ok {
		return Sanitize(name)
	}
	return fallback
}

// fromContentDisposition extracts filename*/filename per RFC 6266/5987
// precedence: the extended, percent-decoded filename* wins over the
// plain filename parameter.
func fromContentDisposition(header string) (string, bool) {
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", false
	}
	if v, ok := params["filename*"]; ok {
		if decoded, ok := decodeExtValue(v); ok {
			return decoded, true
		}
	}
	if v, ok := params["filename"]; ok && v != "" {
		return v, true
	}
	return "", false
}

// decodeExtValue decodes the RFC 5987 ext-value form: charset'lang'value.
func decodeExtValue(v string) (string, bool) {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return "", false
	}
	decoded, err := url.QueryUnescape(strings.ReplaceAll(parts[2], "+", "%2B"))
	if err != nil {
		return "", false
	}
	return decoded, true
}

func fromURLPath(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	segments := strings.Split(u.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		return seg, true
	}
	return "", false
}

// Sanitize makes name safe as a Linux file name component: NUL, slash,
// backslash, and control characters become '_', consecutive underscores
// collapse to one, leading/trailing space/tab/dot/underscore are
// trimmed, and the result is truncated to 255 bytes on a UTF-8 boundary.
// An empty, ".", or ".." result falls back to the default name.
func Sanitize(name string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range name {
		var out rune
		switch {
		case r == 0 || r == '/' || r == '\\' || unicode.IsControl(r):
			out = '_'
		default:
			out = r
		}
		if out == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteRune(out)
	}
	trimmed := strings.Trim(b.String(), " \t._")
	trimmed = truncateUTF8(trimmed, nameMax)
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return fallback
	}
	return trimmed
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	b := []byte(s)[:max]
	for len(b) > 0 && !isUTF8Boundary(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

func isUTF8Boundary(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	last := b[len(b)-1]
	return last&0xC0 != 0x80
}

// AvoidCollision returns name if it is not present in existing; else it
// appends " (1)", " (2)", ... before the extension until the result is
// free.
func AvoidCollision(name string, existing map[string]bool) string {
	if !existing[name] {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if !existing[candidate] {
			return candidate
		}
	}
}

// TempName appends the temp-file suffix to a final file name.
func TempName(finalName string) string {
	return finalName + ".part"
}
