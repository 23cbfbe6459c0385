package hls

import (
	"net/url"
	"strings"
)

// DefaultSchemeMarker is the prefix distinguishing intercepted URLs:
// http -> patched-http, https -> patched-https.
const DefaultSchemeMarker = "patched"

// MarkScheme rewrites a URL into the interceptor's pseudo-scheme so the
// platform player routes every request for it through the loading delegate.
func MarkScheme(rawURL, marker string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return rawURL
	}
	return marker + "-" + rawURL
}

// UnmarkScheme strips the pseudo-scheme marker, recovering the real URL.
// The second return value reports whether the URL carried the marker.
func UnmarkScheme(rawURL, marker string) (string, bool) {
	prefix := marker + "-"
	if !strings.HasPrefix(rawURL, prefix) {
		return rawURL, false
	}
	stripped := strings.TrimPrefix(rawURL, prefix)
	if !strings.Contains(stripped, "://") {
		return rawURL, false
	}
	return stripped, true
}

// RewritePlaylistURIs rewrites every URI in a playlist through transform:
// segment URI lines, variant URI lines, and the URI attributes of EXT-X-MAP
// and EXT-X-KEY tags. Relative URIs are resolved against base first, so the
// output contains only absolute URLs. All other bytes pass through unchanged.
func RewritePlaylistURIs(text string, base *url.URL, transform func(absoluteURL string) string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "" || (strings.HasPrefix(trimmed, "#") && !hasURIAttribute(trimmed)):
			out = append(out, line)

		case strings.HasPrefix(trimmed, "#"):
			uri, ok := Attribute(trimmed, "URI")
			if !ok {
				out = append(out, line)
				continue
			}
			out = append(out, ReplaceAttribute(line, "URI", transform(absolutize(base, uri))))

		default:
			out = append(out, transform(absolutize(base, trimmed)))
		}
	}

	return strings.Join(out, "\n")
}

// hasURIAttribute reports whether a tag line carries a URI attribute.
func hasURIAttribute(line string) bool {
	return attributeIndex(line, "URI") >= 0
}

// absolutize resolves a possibly-relative playlist URI against base.
func absolutize(base *url.URL, uri string) string {
	if base == nil {
		return uri
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return base.ResolveReference(ref).String()
}
