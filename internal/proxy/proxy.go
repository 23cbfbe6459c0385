// Package proxy implements the codec-patching reverse proxy: a minimal
// single-purpose HTTP/1.1 server on an ephemeral loopback port that forwards
// every request to the origin server, rewriting Dolby Vision codec signaling
// in manifests (and optionally init segments) on the way back.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmallach/dovetail/internal/config"
	"github.com/jmallach/dovetail/internal/fmp4"
	"github.com/jmallach/dovetail/internal/hls"
	"github.com/jmallach/dovetail/internal/httpclient"
)

// maxHeaderBytes caps how much of an inbound request the proxy will read.
// The player only ever sends small GETs; anything larger is malformed.
const maxHeaderBytes = 16 * 1024

// readTimeout bounds how long the proxy waits for the inbound request head.
const readTimeout = 10 * time.Second

// Server is the reverse proxy. It binds 127.0.0.1 with an OS-assigned port
// and serves exactly one origin, established at Start.
type Server struct {
	cfg    config.Proxy
	client *httpclient.Client
	logger *slog.Logger

	origin     *url.URL
	masterPath string

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	conns  map[uuid.UUID]net.Conn
	closed bool
}

// New creates a proxy server; Start binds it.
func New(cfg config.Proxy, client *httpclient.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		client: client,
		logger: logger,
		conns:  make(map[uuid.UUID]net.Conn),
	}
}

// Start binds the loopback listener and returns the proxy-local URL for the
// given master playlist. The returned URL mirrors the original path and
// query, so the player's relative-URL resolution keeps working against the
// proxy origin.
func (s *Server) Start(ctx context.Context, masterURL string) (string, error) {
	origin, err := url.Parse(masterURL)
	if err != nil {
		return "", fmt.Errorf("parsing master URL: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return "", fmt.Errorf("unsupported master URL scheme %q", origin.Scheme)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", s.cfg.Port)))
	if err != nil {
		return "", fmt.Errorf("binding proxy listener: %w", err)
	}

	s.origin = origin
	s.masterPath = origin.Path
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop()

	local := &url.URL{
		Scheme:   "http",
		Host:     listener.Addr().String(),
		Path:     origin.Path,
		RawQuery: origin.RawQuery,
	}

	s.logger.Info("proxy started",
		slog.String("addr", listener.Addr().String()),
		slog.String("patch_mode", string(s.cfg.PatchMode)))
	return local.String(), nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ActiveConnections returns the number of connections currently in flight.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listener and every open connection, then waits for all
// handlers to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("proxy stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}

		id := uuid.New()
		if !s.track(id, conn) {
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(id)
			s.handleConn(id, conn)
		}()
	}
}

func (s *Server) track(id uuid.UUID, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Server) untrack(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[id]; ok {
		_ = conn.Close()
		delete(s.conns, id)
	}
}

// handleConn serves one inbound request and closes the connection. The proxy
// speaks just enough HTTP/1.1 for the platform player: one GET per
// connection, Connection: close on every response.
func (s *Server) handleConn(id uuid.UUID, conn net.Conn) {
	logger := s.logger.With(slog.String("conn_id", id.String()))

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	head, err := readRequestHead(conn)
	if err != nil {
		logger.Warn("malformed request", slog.Any("error", err))
		writeResponse(conn, http.StatusBadRequest, "text/plain", "", []byte("malformed request\n"))
		return
	}

	line, _, _ := strings.Cut(head, "\r\n")
	method, target, ok := parseRequestLine(line)
	if !ok || method != http.MethodGet {
		logger.Warn("unsupported request line", slog.String("line", line))
		writeResponse(conn, http.StatusBadRequest, "text/plain", "", []byte("only GET is supported\n"))
		return
	}

	upstreamURL := s.origin.Scheme + "://" + s.origin.Host + target

	ctx := s.ctx
	if s.cfg.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		logger.Warn("invalid upstream URL", slog.String("target", target), slog.Any("error", err))
		writeResponse(conn, http.StatusBadRequest, "text/plain", "", []byte("malformed request\n"))
		return
	}
	if rng := headerValue(head, "Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Error("upstream request failed",
			slog.String("target", target),
			slog.Any("error", err))
		writeResponse(conn, http.StatusBadGateway, "text/plain", "",
			[]byte(fmt.Sprintf("upstream request failed: %v\n", err)))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("reading upstream body failed",
			slog.String("target", target),
			slog.Any("error", err))
		writeResponse(conn, http.StatusBadGateway, "text/plain", "",
			[]byte("reading upstream response failed\n"))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode == http.StatusOK {
		body = s.patchBody(logger, target, body)
	}

	logger.Debug("request served",
		slog.String("target", target),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)))
	writeResponse(conn, resp.StatusCode, contentType, resp.Header.Get("Content-Range"), body)
}

// patchBody applies the manifest or init-segment patch when the request path
// calls for one; everything else passes through byte-for-byte.
func (s *Server) patchBody(logger *slog.Logger, target string, body []byte) []byte {
	switch {
	case isManifestPath(target):
		rewrite := s.cfg.PatchMode != config.PatchModeNone
		patched := hls.PatchMasterPlaylist(string(body), rewrite)
		if patched != string(body) {
			logger.Info("manifest patched",
				slog.String("target", target),
				slog.Bool("codec_rewritten", rewrite))
		}
		return []byte(patched)

	case isInitSegmentPath(target) && s.cfg.PatchMode == config.PatchModeRewriteWithInit:
		patched, n, err := fmp4.PatchCodecTag(body, fmp4.TagHVC1, fmp4.TagDVH1)
		if err != nil {
			logger.Warn("init segment patch skipped", slog.Any("error", err))
			return body
		}
		if n > 0 {
			logger.Info("init segment patched", slog.Int("occurrences", n))
		}
		return patched
	}
	return body
}

// readRequestHead reads the inbound request up to the end of the header
// block and returns it.
func readRequestHead(conn net.Conn) (string, error) {
	buf := make([]byte, 0, maxHeaderBytes)
	chunk := make([]byte, 1024)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > maxHeaderBytes {
				return "", fmt.Errorf("request head exceeds %d bytes", maxHeaderBytes)
			}
			if idx := strings.Index(string(buf), "\r\n\r\n"); idx >= 0 {
				return string(buf[:idx]), nil
			}
		}
		if err != nil {
			return "", fmt.Errorf("reading request head: %w", err)
		}
	}
}

// headerValue extracts a header value from a raw request head.
func headerValue(head, name string) string {
	for _, line := range strings.Split(head, "\r\n")[1:] {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// parseRequestLine splits "METHOD /path HTTP/version".
func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", false
	}
	if !strings.HasPrefix(parts[2], "HTTP/") {
		return "", "", false
	}
	if !strings.HasPrefix(parts[1], "/") {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// isManifestPath reports whether the request path looks like an HLS
// manifest: a known manifest extension or the server's transcode endpoint.
func isManifestPath(target string) bool {
	p := target
	if idx := strings.IndexByte(p, '?'); idx >= 0 {
		p = p[:idx]
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8", ".m3u":
		return true
	}
	return strings.Contains(p, "/transcode/")
}

// isInitSegmentPath reports whether the request path follows the
// initialization-segment naming convention.
func isInitSegmentPath(target string) bool {
	p := target
	if idx := strings.IndexByte(p, '?'); idx >= 0 {
		p = p[:idx]
	}
	base := strings.ToLower(path.Base(p))
	switch strings.ToLower(path.Ext(p)) {
	case ".mp4", ".m4s":
		return strings.HasPrefix(base, "init")
	}
	return false
}

// writeResponse writes a complete HTTP/1.1 response and closes the
// connection.
func writeResponse(conn net.Conn, status int, contentType, contentRange string, body []byte) {
	defer conn.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	if contentRange != "" {
		fmt.Fprintf(&b, "Content-Range: %s\r\n", contentRange)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")

	_ = conn.SetWriteDeadline(time.Now().Add(readTimeout))
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return
	}
	_, _ = conn.Write(body)
}
