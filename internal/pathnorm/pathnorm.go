// Package pathnorm maps logical file names to transport-safe relative paths.
//
// Clean is the form used for SFTP and for primary storage keys. Escape is the
// URL form used on the WebDAV wire. Both are deterministic and idempotent.
package pathnorm

import (
	"net/url"
	"strings"
)

// illegal holds characters rejected by common remote filesystems.
var illegal = strings.NewReplacer(
	"<", "_",
	">", "_",
	":", "_",
	`"`, "_",
	"|", "_",
	"?", "_",
	"*", "_",
)

// Clean replaces illegal characters with '_', converts backslashes to
// forward slashes and strips leading and trailing slashes.
func Clean(name string) string {
	if name == "" {
		return ""
	}
	s := illegal.Replace(name)
	s = strings.ReplaceAll(s, `\`, "/")
	return strings.Trim(s, "/")
}

// Escape returns the percent-encoded form of Clean(name), one segment at a
// time. Valid percent sequences already present in a segment are decoded
// first so that Escape(Escape(n)) == Escape(n).
func Escape(name string) string {
	segs := strings.Split(Clean(name), "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(decodeSegment(seg))
	}
	return strings.Join(segs, "/")
}

// Unescape reverses Escape segment by segment. The result is what a WebDAV
// client that escapes paths itself should be given.
func Unescape(escaped string) string {
	segs := strings.Split(escaped, "/")
	for i, seg := range segs {
		if d, err := url.PathUnescape(seg); err == nil {
			segs[i] = d
		}
	}
	return strings.Join(segs, "/")
}

// decodeSegment decodes a segment and re-applies the character rules to the
// decoded text. A decoded segment never contains a separator.
func decodeSegment(seg string) string {
	d, err := url.PathUnescape(seg)
	if err != nil {
		return seg
	}
	d = illegal.Replace(d)
	d = strings.ReplaceAll(d, `\`, "_")
	return strings.ReplaceAll(d, "/", "_")
}

// Join returns root + "/" + Clean(name) with duplicate slashes collapsed.
// An empty root yields a path relative to the login directory.
func Join(root, name string) string {
	clean := Clean(name)
	if root == "" {
		return collapse(clean)
	}
	if clean == "" {
		return collapse(root)
	}
	return collapse(root + "/" + clean)
}

// Dir returns the directory portion of a cleaned path, or "" at the top.
func Dir(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func collapse(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	out := b.String()
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}
