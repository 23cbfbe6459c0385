package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jmallach/dovetail/internal/config"
)

// maxConsecutiveSinkErrors is how many Enqueue failures in a row the feed
// loop tolerates before declaring the session failed. Isolated rejections
// happen during renderer reconfiguration and are survivable.
const maxConsecutiveSinkErrors = 3

// Timing thresholds for diagnostics. Waits shorter than these are normal
// scheduling noise, not underruns or stalls.
const (
	underrunThreshold   = 50 * time.Millisecond
	stallThreshold      = 50 * time.Millisecond
	driftSampleInterval = 5 * time.Second
)

// Pipeline runs one playback attempt: a download stage that fills the
// bounded segment buffer and a feed stage that drains it into the renderer
// sinks. A pipeline is single-use; seeking tears one down and builds a new
// one against the same index and demuxer.
type Pipeline struct {
	cfg    config.Playback
	logger *slog.Logger

	resolver *Resolver
	index    *SegmentIndex
	demuxer  SegmentDemuxer
	buffer   *SegmentBuffer

	video   VideoSink
	audio   AudioSink
	clock   Clock
	events  *Events
	monitor *JitterMonitor

	startIndex int
	rate       float64

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// PipelineDeps names the collaborators a pipeline drives. All fields are
// required except Audio and Monitor.
type PipelineDeps struct {
	Resolver *Resolver
	Index    *SegmentIndex
	Demuxer  SegmentDemuxer
	Video    VideoSink
	Audio    AudioSink
	Clock    Clock
	Events   *Events
	Monitor  *JitterMonitor

	// StartIndex is the first segment to download, 0 for playback from the
	// beginning or a computed index after a seek.
	StartIndex int

	// Rate is the clock rate applied at the first delivered video frame.
	// A pipeline built while paused carries rate 0: it delivers that single
	// frame and parks until the clock is resumed.
	Rate float64
}

// NewPipeline assembles a pipeline; Start launches it.
func NewPipeline(cfg config.Playback, deps PipelineDeps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		logger:     logger,
		resolver:   deps.Resolver,
		index:      deps.Index,
		demuxer:    deps.Demuxer,
		buffer:     NewSegmentBuffer(cfg.BufferCapacity),
		video:      deps.Video,
		audio:      deps.Audio,
		clock:      deps.Clock,
		events:     deps.Events,
		monitor:    deps.Monitor,
		startIndex: deps.StartIndex,
		rate:       deps.Rate,
		done:       make(chan struct{}),
	}
}

// Start launches the download and feed stages. It returns immediately; the
// stages run until the index is exhausted, a terminal error occurs, or Stop
// is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.downloadStage(ctx)
	go p.feedStage(ctx)

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	// A stage parked on the buffer only wakes on Cancel, so context
	// cancellation has to propagate into it.
	go func() {
		select {
		case <-ctx.Done():
			p.buffer.Cancel()
		case <-p.done:
		}
	}()
}

// Stop cancels both stages and blocks until they have exited. Safe to call
// more than once.
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		p.buffer.Cancel()
	})
	<-p.done
}

// Done is closed once both stages have exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// downloadStage walks the index from the start position, fetching each
// segment with a bounded retry budget and handing the bytes to the buffer.
// The buffer's capacity limit is the only pacing mechanism.
func (p *Pipeline) downloadStage(ctx context.Context) {
	defer p.wg.Done()

	for i := p.startIndex; i < p.index.Count(); i++ {
		if p.buffer.Cancelled() || ctx.Err() != nil {
			return
		}

		data, err := p.fetchWithRetry(ctx, i)
		if err != nil {
			if p.buffer.Cancelled() || ctx.Err() != nil {
				return
			}
			p.logger.Error("segment download failed",
				slog.Int("segment", i),
				slog.Any("error", err))
			p.buffer.PutError(err)
			return
		}

		if !p.buffer.Put(i, data) {
			return
		}
	}

	p.buffer.Finish()
}

// fetchWithRetry downloads one segment. The first attempt is followed by up
// to SegmentRetries retries with exponential backoff before giving up.
func (p *Pipeline) fetchWithRetry(ctx context.Context, i int) ([]byte, error) {
	var data []byte

	retries := p.cfg.SegmentRetries
	if retries < 0 {
		retries = 0
	}
	attempts := retries + 1

	err := retry.Do(
		func() error {
			var err error
			data, err = p.resolver.FetchSegment(ctx, p.index, i)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(p.cfg.SegmentRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("retrying segment download",
				slog.Int("segment", i),
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err))
		}),
	)
	if err != nil {
		return nil, &DownloadError{SegmentIndex: i, Attempts: attempts, Err: err}
	}
	return data, nil
}

// feedStage drains the buffer, demuxes each segment, and paces access units
// into the sinks. On the first delivered video frame it snaps the renderer
// clock to that frame's timestamp and starts it.
func (p *Pipeline) feedStage(ctx context.Context) {
	defer p.wg.Done()

	var (
		started       bool
		sinkErrors    int
		lastDriftWall time.Time
		lastDriftTime float64
	)

	for {
		takeStart := time.Now()
		item := p.buffer.Take()
		if waited := time.Since(takeStart); started && waited > underrunThreshold {
			if p.monitor != nil {
				p.monitor.RecordUnderrun(waited)
			}
			p.logger.Debug("buffer underrun", slog.Duration("waited", waited))
		}

		switch item.Kind {
		case ItemCancelled:
			return

		case ItemError:
			p.fail(item.Err)
			return

		case ItemFinished:
			p.logger.Info("reached end of segment index")
			p.events.SetState(StateEnded)
			return

		case ItemSegment:
			units, err := p.demuxer.Demux(item.Index, item.Data)
			if err != nil {
				p.fail(err)
				return
			}

			for _, unit := range units {
				if err := p.waitSinkReady(ctx, unit.IsVideo); err != nil {
					return
				}

				// While paused the displayed frame must stay put:
				// deliver nothing further until the clock resumes.
				if started {
					paused, err := p.waitResumed(ctx)
					if err != nil {
						return
					}
					if paused {
						lastDriftWall = time.Now()
						lastDriftTime = p.clock.CurrentTime()
					}
				}

				if unit.IsVideo && !started {
					p.clock.SetTime(unit.PTS)
					p.clock.SetRate(p.rate)
					if p.rate > 0 {
						p.events.SetState(StatePlaying)
					}
					started = true
					lastDriftWall = time.Now()
					lastDriftTime = p.clock.CurrentTime()
					p.logger.Info("playback started",
						slog.Int("segment", item.Index),
						slog.Float64("pts", unit.PTS),
						slog.Float64("rate", p.rate))
				}

				if err := p.enqueue(unit); err != nil {
					sinkErrors++
					p.logger.Warn("sink rejected unit",
						slog.Bool("video", unit.IsVideo),
						slog.Int("consecutive", sinkErrors),
						slog.Any("error", err))
					if sinkErrors >= maxConsecutiveSinkErrors {
						p.fail(err)
						return
					}
					continue
				}
				sinkErrors = 0

				if unit.IsVideo && p.monitor != nil {
					p.monitor.RecordVideoFrame(unit.PTS)
				}

				if started && time.Since(lastDriftWall) >= driftSampleInterval {
					now := time.Now()
					clockNow := p.clock.CurrentTime()
					if p.clock.Rate() > 0 && p.monitor != nil {
						p.monitor.RecordClockSample(now.Sub(lastDriftWall), clockNow-lastDriftTime)
					}
					p.events.PublishTime(clockNow)
					lastDriftWall = now
					lastDriftTime = clockNow
				}
			}
		}
	}
}

// waitResumed parks the feed loop while the renderer clock is stopped. It
// reports whether it waited, so the caller can restart drift sampling, and
// wakes on resume, cancellation, or context expiry. Pause time is not a
// stall.
func (p *Pipeline) waitResumed(ctx context.Context) (bool, error) {
	if p.clock.Rate() > 0 {
		return false, nil
	}

	interval := p.cfg.SinkPollInterval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ticker.C:
			if p.buffer.Cancelled() {
				return true, errors.New("cancelled")
			}
			if p.clock.Rate() > 0 {
				return true, nil
			}
		}
	}
}

// waitSinkReady polls the target sink until it accepts more data, observing
// cancellation between polls. Extended waits are recorded as stalls.
func (p *Pipeline) waitSinkReady(ctx context.Context, isVideo bool) error {
	if p.sinkReady(isVideo) {
		return nil
	}

	interval := p.cfg.SinkPollInterval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}

	waitStart := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.buffer.Cancelled() {
				return errors.New("cancelled")
			}
			if p.sinkReady(isVideo) {
				if waited := time.Since(waitStart); waited > stallThreshold && p.monitor != nil {
					p.monitor.RecordStall(waited)
				}
				return nil
			}
		}
	}
}

func (p *Pipeline) sinkReady(isVideo bool) bool {
	if isVideo {
		return p.video.IsReady()
	}
	if p.audio == nil {
		return true
	}
	return p.audio.IsReady()
}

func (p *Pipeline) enqueue(unit AccessUnit) error {
	if unit.IsVideo {
		return p.video.Enqueue(unit)
	}
	if p.audio == nil {
		return nil
	}
	return p.audio.Enqueue(unit)
}

// fail marks the session failed and stops the opposite stage.
func (p *Pipeline) fail(err error) {
	p.events.Fail(err)
	p.buffer.Cancel()
}
