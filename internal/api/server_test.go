package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmallach/dovetail/internal/config"
	"github.com/jmallach/dovetail/internal/httpclient"
	"github.com/jmallach/dovetail/internal/playback"
)

type stubSink struct{}

func (stubSink) IsReady() bool                     { return true }
func (stubSink) Enqueue(playback.AccessUnit) error { return nil }
func (stubSink) Flush()                            {}

type stubClock struct{ t float64 }

func (c *stubClock) SetTime(seconds float64) { c.t = seconds }
func (c *stubClock) CurrentTime() float64    { return c.t }
func (c *stubClock) SetRate(float64)         {}
func (c *stubClock) Rate() float64           { return 1 }

func newTestServer(t *testing.T) (*Server, *playback.Session) {
	t.Helper()

	session := playback.NewSession(config.Playback{
		BufferCapacity:     3,
		JitterReportPeriod: 0,
		DriftAlertPercent:  5,
	}, httpclient.New(httpclient.Config{}), stubSink{}, nil, &stubClock{t: 42.5}, nil)

	return New(config.Debug{Host: "127.0.0.1", Port: 0}, session, nil, nil), session
}

func getJSON(t *testing.T, handler http.Handler, path string, out any) int {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, s.Router(), "/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestVersionEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var body map[string]any
	code := getJSON(t, s.Router(), "/api/v1/version", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "version")
}

func TestSessionEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var body sessionResponse
	code := getJSON(t, s.Router(), "/api/v1/session", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", body.State)
	assert.Equal(t, 42.5, body.Position)
}

func TestSessionEndpointWithoutSession(t *testing.T) {
	s := New(config.Debug{}, nil, nil, nil)

	code := getJSON(t, s.Router(), "/api/v1/session", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDiagnosticsEndpoint(t *testing.T) {
	s, session := newTestServer(t)

	session.Monitor().RecordVideoFrame(0.00)
	session.Monitor().RecordVideoFrame(0.04)

	var body playback.JitterReport
	code := getJSON(t, s.Router(), "/api/v1/diagnostics", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.FrameCount)
}

func TestProxyEndpointWithoutProxy(t *testing.T) {
	s, _ := newTestServer(t)

	code := getJSON(t, s.Router(), "/api/v1/proxy", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
