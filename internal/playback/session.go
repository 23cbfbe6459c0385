package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jmallach/dovetail/internal/config"
	"github.com/jmallach/dovetail/internal/httpclient"
)

// ErrNotLoaded is returned for playback operations before a successful Load.
var ErrNotLoaded = errors.New("no stream loaded")

// Session owns one stream's playback lifecycle: resolving the playlist,
// running pipelines, and handling pause/resume/seek. A session plays one
// stream; load another by creating a new session.
type Session struct {
	cfg    config.Playback
	logger *slog.Logger

	resolver *Resolver
	events   *Events
	monitor  *JitterMonitor

	video VideoSink
	audio AudioSink
	clock Clock

	mu       sync.Mutex
	index    *SegmentIndex
	demuxer  SegmentDemuxer
	pipeline *Pipeline
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSession wires a session against the renderer's sinks and clock.
func NewSession(cfg config.Playback, client *httpclient.Client, video VideoSink, audio AudioSink, clock Clock, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:      cfg,
		logger:   logger,
		resolver: NewResolver(client, cfg, logger),
		events:   NewEvents(),
		monitor:  NewJitterMonitor(cfg.JitterReportPeriod, cfg.DriftAlertPercent, logger),
		video:    video,
		audio:    audio,
		clock:    clock,
	}
}

// Events exposes the session's state, time, and error streams.
func (s *Session) Events() *Events {
	return s.events
}

// Monitor exposes the session's playback diagnostics.
func (s *Session) Monitor() *JitterMonitor {
	return s.monitor
}

// Load resolves the master playlist, builds the segment index, fetches the
// initialization segment, and prepares the demuxer. It does not start
// playback.
func (s *Session) Load(ctx context.Context, masterURL string) error {
	s.events.SetState(StateLoading)

	index, initData, err := s.resolver.Load(ctx, masterURL)
	if err != nil {
		s.events.Fail(err)
		return err
	}

	demuxer, err := NewDemuxer(initData, s.logger)
	if err != nil {
		s.events.Fail(err)
		return err
	}

	s.mu.Lock()
	s.index = index
	s.demuxer = demuxer
	s.mu.Unlock()

	s.logger.Info("stream loaded",
		slog.Int("segments", index.Count()),
		slog.Float64("duration", index.Duration()))
	return nil
}

// Play starts playback from the beginning of the index. The parent context
// bounds the whole session; Stop or context cancellation ends it.
func (s *Session) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == nil {
		return ErrNotLoaded
	}
	if s.pipeline != nil {
		return errors.New("already playing")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.monitor.Run(s.ctx)

	s.pipeline = s.newPipelineLocked(0, 1)
	s.pipeline.Start(s.ctx)
	return nil
}

// Pause freezes the renderer clock. The feed loop parks as soon as it
// observes the stopped clock, so the displayed frame stays put and nothing
// further drains into the sinks until Resume.
func (s *Session) Pause() {
	s.clock.SetRate(0)
	s.events.SetState(StatePaused)
}

// Resume restarts the renderer clock.
func (s *Session) Resume() {
	s.clock.SetRate(1)
	s.events.SetState(StatePlaying)
}

// Seek moves playback to the given media time. The running pipeline is torn
// down completely before the replacement starts, so stale segments never
// reach the sinks.
func (s *Session) Seek(target float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == nil {
		return ErrNotLoaded
	}
	if s.pipeline == nil {
		return errors.New("not playing")
	}

	// The pre-seek rate survives the pipeline swap: seeking while paused
	// shows the target frame and stays paused.
	rate := s.clock.Rate()
	if rate == 0 && s.events.State().State != StatePaused {
		// The seek raced ahead of the first delivered frame; the clock has
		// not started yet but the session is not paused.
		rate = 1
	}

	s.pipeline.Stop()

	s.video.Flush()
	if s.audio != nil {
		s.audio.Flush()
	}

	startIndex := s.index.IndexForTime(target)
	seg, err := s.index.Segment(startIndex)
	if err != nil {
		return err
	}

	// Segments decode only from their leading keyframe, so the clock snaps
	// to the segment boundary rather than the requested instant.
	s.clock.SetTime(seg.Start)
	s.events.PublishTime(seg.Start)

	s.logger.Info("seeking",
		slog.Float64("target", target),
		slog.Int("segment", startIndex),
		slog.Float64("segment_start", seg.Start))

	s.pipeline = s.newPipelineLocked(startIndex, rate)
	s.pipeline.Start(s.ctx)
	return nil
}

// CurrentTime returns the renderer clock's media time.
func (s *Session) CurrentTime() float64 {
	return s.clock.CurrentTime()
}

// Stop tears the session down and returns once both pipeline stages have
// exited.
func (s *Session) Stop() {
	s.mu.Lock()
	pipeline := s.pipeline
	cancel := s.cancel
	s.pipeline = nil
	s.cancel = nil
	s.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.clock.SetRate(0)
	s.events.SetState(StateIdle)
}

func (s *Session) newPipelineLocked(startIndex int, rate float64) *Pipeline {
	return NewPipeline(s.cfg, PipelineDeps{
		Resolver:   s.resolver,
		Index:      s.index,
		Demuxer:    s.demuxer,
		Video:      s.video,
		Audio:      s.audio,
		Clock:      s.clock,
		Events:     s.events,
		Monitor:    s.monitor,
		StartIndex: startIndex,
		Rate:       rate,
	}, s.logger)
}
