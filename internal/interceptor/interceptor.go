// Package interceptor implements the in-process resource loader used when
// the platform player supports a custom loading hook instead of an external
// proxy URL. The player is handed URLs under a pseudo-scheme; the loader
// recognizes that scheme, fetches the real resource with the configured auth
// headers, and rewrites playlist URIs back into the pseudo-scheme so every
// follow-up request stays interceptable.
package interceptor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmallach/dovetail/internal/fmp4"
	"github.com/jmallach/dovetail/internal/hls"
	"github.com/jmallach/dovetail/internal/httpclient"
)

// Resource is one loaded response handed back to the player.
type Resource struct {
	// URL is the real upstream URL after stripping the pseudo-scheme.
	URL string

	// ContentType is the upstream Content-Type, verbatim.
	ContentType string

	// Data is the (possibly rewritten) response body.
	Data []byte
}

// Loader resolves pseudo-scheme URLs in-process.
type Loader struct {
	client *httpclient.Client
	logger *slog.Logger
	marker string

	// rewriteCodec controls manifest codec patching. Init segments are
	// inspected but never byte-patched here: the player already saw the
	// rewritten manifest, so the container keeps the HEVC tag.
	rewriteCodec bool
}

// New creates a loader using the given scheme marker; an empty marker means
// the default.
func New(client *httpclient.Client, marker string, rewriteCodec bool, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if marker == "" {
		marker = hls.DefaultSchemeMarker
	}
	return &Loader{
		client:       client,
		logger:       logger,
		marker:       marker,
		rewriteCodec: rewriteCodec,
	}
}

// Intercept rewrites a real URL into the pseudo-scheme the player hands
// back to this loader.
func (l *Loader) Intercept(rawURL string) string {
	return hls.MarkScheme(rawURL, l.marker)
}

// CanHandle reports whether the URL carries this loader's pseudo-scheme.
func (l *Loader) CanHandle(rawURL string) bool {
	_, ok := hls.UnmarkScheme(rawURL, l.marker)
	return ok
}

// Load fetches one pseudo-scheme resource. Playlists come back with every
// URI re-marked and, for master playlists, the codec patch applied; all
// other payloads pass through untouched.
func (l *Loader) Load(ctx context.Context, pseudoURL string) (*Resource, error) {
	realURL, ok := hls.UnmarkScheme(pseudoURL, l.marker)
	if !ok {
		return nil, fmt.Errorf("URL %q does not carry the %s scheme marker", pseudoURL, l.marker)
	}

	resp, err := l.client.Get(ctx, realURL)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", realURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpclient.StatusError{Code: resp.StatusCode, URL: realURL}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", realURL, err)
	}

	contentType := resp.Header.Get("Content-Type")

	switch {
	case isPlaylist(realURL, contentType, data):
		data = l.processPlaylist(realURL, data)

	case fmp4.IsInitSegment(data):
		// Inspect only. Counting both tags makes codec mismatches visible
		// in the logs without touching the container.
		l.logger.Debug("init segment inspected",
			slog.String("url", realURL),
			slog.Int("hvc1_tags", fmp4.CountTag(data, fmp4.TagHVC1)),
			slog.Int("dvh1_tags", fmp4.CountTag(data, fmp4.TagDVH1)))
	}

	return &Resource{URL: realURL, ContentType: contentType, Data: data}, nil
}

// processPlaylist applies the master-playlist patch and re-marks every URI.
func (l *Loader) processPlaylist(realURL string, data []byte) []byte {
	text := string(data)

	if !hls.IsMediaPlaylist(text) {
		patched := hls.PatchMasterPlaylist(text, l.rewriteCodec)
		if patched != text {
			l.logger.Info("master playlist patched",
				slog.String("url", realURL),
				slog.Bool("codec_rewritten", l.rewriteCodec))
		}
		text = patched
	}

	base, err := url.Parse(realURL)
	if err != nil {
		return []byte(text)
	}

	return []byte(hls.RewritePlaylistURIs(text, base, func(absoluteURL string) string {
		return hls.MarkScheme(absoluteURL, l.marker)
	}))
}

// isPlaylist detects HLS manifests by content type, extension, or leading
// tag. Servers are sloppy about manifest content types, so all three count.
func isPlaylist(rawURL, contentType string, data []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	if u, err := url.Parse(rawURL); err == nil {
		p := strings.ToLower(u.Path)
		if strings.HasSuffix(p, ".m3u8") || strings.HasSuffix(p, ".m3u") {
			return true
		}
	}
	return strings.HasPrefix(strings.TrimLeft(string(data), "\uFEFF \t\r\n"), "#EXTM3U")
}
