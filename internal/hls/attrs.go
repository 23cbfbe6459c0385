// Package hls provides HLS playlist inspection and rewriting shared by the
// playlist resolver, the codec-patching reverse proxy, and the resource-loader
// interceptor. Parsing for the resolver path uses gohlslib; the rewriting
// helpers here work on playlist text directly so that untouched lines pass
// through byte-for-byte.
package hls

import (
	"strings"
)

// Playlist tag prefixes.
const (
	TagStreamInf       = "#EXT-X-STREAM-INF:"
	TagIFrameStreamInf = "#EXT-X-I-FRAME-STREAM-INF:"
	TagMap             = "#EXT-X-MAP:"
	TagKey             = "#EXT-X-KEY:"
	TagExtInf          = "#EXTINF:"
)

// Attribute extracts the value of a named attribute from an HLS tag line.
// Both quoted (URI="...") and unquoted (BANDWIDTH=123) forms are accepted.
// The second return value reports whether the attribute was present.
func Attribute(line, name string) (string, bool) {
	idx := attributeIndex(line, name)
	if idx < 0 {
		return "", false
	}

	rest := line[idx+len(name)+1:]
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return "", false
		}
		return rest[1 : 1+end], true
	}

	end := strings.IndexByte(rest, ',')
	if end < 0 {
		return rest, true
	}
	return rest[:end], true
}

// ReplaceAttribute returns line with the named attribute's value replaced,
// preserving its quoted or unquoted form. If the attribute is absent the line
// is returned unchanged.
func ReplaceAttribute(line, name, value string) string {
	idx := attributeIndex(line, name)
	if idx < 0 {
		return line
	}

	prefix := line[:idx+len(name)+1]
	rest := line[idx+len(name)+1:]
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return line
		}
		return prefix + `"` + value + `"` + rest[2+end:]
	}

	end := strings.IndexByte(rest, ',')
	if end < 0 {
		return prefix + value
	}
	return prefix + value + rest[end:]
}

// attributeIndex finds the start of NAME= within a tag line, making sure the
// match is a whole attribute name, not a suffix of a longer one.
func attributeIndex(line, name string) int {
	search := name + "="
	from := 0
	for {
		idx := strings.Index(line[from:], search)
		if idx < 0 {
			return -1
		}
		idx += from
		if idx == 0 || line[idx-1] == ',' || line[idx-1] == ':' {
			return idx
		}
		from = idx + len(search)
	}
}

// IsMediaPlaylist reports whether the playlist text already lists media
// segments (EXTINF present, no STREAM-INF variants).
func IsMediaPlaylist(text string) bool {
	return strings.Contains(text, TagExtInf) && !strings.Contains(text, TagStreamInf)
}
