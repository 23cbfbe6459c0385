package interceptor

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmallach/dovetail/internal/httpclient"
)

func newTestLoader(rewriteCodec bool) *Loader {
	return New(httpclient.New(httpclient.Config{}), "", rewriteCodec, nil)
}

func makeBox(typ string, payload []byte) []byte {
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(b[:4], uint32(8+len(payload)))
	copy(b[4:8], typ)
	return append(b, payload...)
}

func TestInterceptRoundTrip(t *testing.T) {
	l := newTestLoader(true)

	marked := l.Intercept("https://server.local/video/start.m3u8?X-Plex-Token=abc")
	assert.Equal(t, "patched-https://server.local/video/start.m3u8?X-Plex-Token=abc", marked)
	assert.True(t, l.CanHandle(marked))
	assert.False(t, l.CanHandle("https://server.local/video/start.m3u8"))
}

func TestLoadRejectsUnmarkedURL(t *testing.T) {
	l := newTestLoader(true)

	_, err := l.Load(context.Background(), "http://server.local/start.m3u8")
	assert.Error(t, err)
}

func TestLoadRewritesMasterPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/video/start.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(`#EXTM3U
#EXT-X-VERSION:7
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=1000,CODECS="dvh1.08.06",URI="iframe.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=8000000,CODECS="ac-3,dvh1.08.06"
media.m3u8
`))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	l := newTestLoader(true)
	res, err := l.Load(context.Background(), "patched-"+origin.URL+"/video/start.m3u8")
	require.NoError(t, err)

	text := string(res.Data)
	assert.Contains(t, text, `CODECS="ac-3,hvc1.2.4.L153.B0"`)
	assert.NotContains(t, text, "dvh1")
	assert.NotContains(t, text, "I-FRAME-STREAM-INF")

	// The variant URI is absolute and re-marked so its request comes back
	// through the loader.
	assert.Contains(t, text, "patched-"+origin.URL+"/video/media.m3u8")
	assert.Equal(t, "application/vnd.apple.mpegurl", res.ContentType)
	assert.Equal(t, origin.URL+"/video/start.m3u8", res.URL)
}

func TestLoadRewritesMediaPlaylistURIs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/video/media.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:2
#EXT-X-MAP:URI="init.mp4"
#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x1234
#EXTINF:2.000,
seg-00001.m4s
#EXTINF:2.000,
https://cdn.other/seg-00002.m4s
#EXT-X-ENDLIST
`))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	l := newTestLoader(true)
	res, err := l.Load(context.Background(), "patched-"+origin.URL+"/video/media.m3u8")
	require.NoError(t, err)

	text := string(res.Data)
	assert.Contains(t, text, fmt.Sprintf(`#EXT-X-MAP:URI="patched-%s/video/init.mp4"`, origin.URL))
	assert.Contains(t, text, fmt.Sprintf(`URI="patched-%s/video/key.bin"`, origin.URL))
	assert.Contains(t, text, "patched-"+origin.URL+"/video/seg-00001.m4s")
	// Already-absolute URIs are marked too.
	assert.Contains(t, text, "patched-https://cdn.other/seg-00002.m4s")
	// Structure tags survive untouched.
	assert.Contains(t, text, "#EXTINF:2.000,")
	assert.Contains(t, text, "#EXT-X-ENDLIST")
}

func TestLoadLeavesInitSegmentUnpatched(t *testing.T) {
	initSeg := append(makeBox("ftyp", []byte("isom0000")), makeBox("moov", []byte("..hvc1.."))...)

	mux := http.NewServeMux()
	mux.HandleFunc("/init.mp4", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(initSeg)
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	l := newTestLoader(true)
	res, err := l.Load(context.Background(), "patched-"+origin.URL+"/init.mp4")
	require.NoError(t, err)

	// Inspected, never rewritten: the manifest already carries the HEVC tag.
	assert.Equal(t, initSeg, res.Data)
	assert.Equal(t, 1, strings.Count(string(res.Data), "hvc1"))
}

func TestLoadPassesThroughMediaSegments(t *testing.T) {
	payload := []byte{0x00, 0x47, 0x11, 0xff}

	mux := http.NewServeMux()
	mux.HandleFunc("/seg-00001.m4s", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	l := newTestLoader(true)
	res, err := l.Load(context.Background(), "patched-"+origin.URL+"/seg-00001.m4s")
	require.NoError(t, err)
	assert.Equal(t, payload, res.Data)
}

func TestLoadReportsUpstreamStatus(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()

	l := newTestLoader(true)
	_, err := l.Load(context.Background(), "patched-"+origin.URL+"/start.m3u8")

	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}
