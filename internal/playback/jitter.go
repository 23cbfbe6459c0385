package playback

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// fpsDetectWindow is how many frames feed the framerate estimate.
const fpsDetectWindow = 100

// gapDropFactor flags an inter-frame PTS gap as a drop when it exceeds this
// multiple of the expected frame duration. Large enough to tolerate normal
// GOP-sized presentation jumps from bidirectional prediction.
const gapDropFactor = 4.0

// JitterReport is one aggregated diagnostics report for a playback session.
type JitterReport struct {
	FrameCount  int     `json:"frame_count"`
	DetectedFPS float64 `json:"detected_fps"`

	GapMean   float64 `json:"gap_mean_s"`
	GapStdDev float64 `json:"gap_stddev_s"`
	GapMax    float64 `json:"gap_max_s"`
	DropCount int     `json:"drop_count"`

	UnderrunCount    int           `json:"underrun_count"`
	UnderrunDuration time.Duration `json:"underrun_duration"`

	StallCount    int           `json:"stall_count"`
	StallDuration time.Duration `json:"stall_duration"`

	DriftMean       float64 `json:"drift_mean_s"`
	DriftStdDev     float64 `json:"drift_stddev_s"`
	DriftAlertCount int     `json:"drift_alert_count"`
}

// JitterMonitor is a passive observer attached to the feed loop. It tracks
// frame-pacing anomalies, buffer underruns, sink stalls, and renderer clock
// drift, and emits one aggregated report per reporting period. It never
// influences playback.
type JitterMonitor struct {
	logger            *slog.Logger
	reportPeriod      time.Duration
	driftAlertPercent float64

	mu sync.Mutex

	// Framerate detection over the first ~fpsDetectWindow frames. Min/max of
	// the PTS range keeps the estimate robust to out-of-order frames.
	fpsFrames int
	fpsMinPTS float64
	fpsMaxPTS float64
	fps       float64

	frameCount int
	lastPTS    float64
	havePTS    bool

	gaps      welford
	gapMax    float64
	dropCount int

	underrunCount    int
	underrunDuration time.Duration

	stallCount    int
	stallDuration time.Duration

	drift           welford
	driftAlertCount int

	lastReport JitterReport
	haveReport bool
}

// NewJitterMonitor creates a monitor emitting reports on the given cadence.
func NewJitterMonitor(reportPeriod time.Duration, driftAlertPercent float64, logger *slog.Logger) *JitterMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if reportPeriod <= 0 {
		reportPeriod = 30 * time.Second
	}
	if driftAlertPercent <= 0 {
		driftAlertPercent = 5.0
	}
	return &JitterMonitor{
		logger:            logger,
		reportPeriod:      reportPeriod,
		driftAlertPercent: driftAlertPercent,
	}
}

// RecordVideoFrame accounts one decoded video frame by presentation time.
func (m *JitterMonitor) RecordVideoFrame(pts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frameCount++

	if m.fpsFrames < fpsDetectWindow {
		if m.fpsFrames == 0 || pts < m.fpsMinPTS {
			m.fpsMinPTS = pts
		}
		if m.fpsFrames == 0 || pts > m.fpsMaxPTS {
			m.fpsMaxPTS = pts
		}
		m.fpsFrames++
		if m.fpsFrames == fpsDetectWindow && m.fpsMaxPTS > m.fpsMinPTS {
			m.fps = float64(m.fpsFrames-1) / (m.fpsMaxPTS - m.fpsMinPTS)
			m.logger.Debug("framerate detected", slog.Float64("fps", m.fps))
		}
	}

	if m.havePTS {
		gap := pts - m.lastPTS
		// Negative gaps are normal decode-order reordering; skip them.
		if gap > 0 {
			m.gaps.add(gap)
			if gap > m.gapMax {
				m.gapMax = gap
			}
			if m.fps > 0 && gap > gapDropFactor/m.fps {
				m.dropCount++
			}
		}
	}
	m.lastPTS = pts
	m.havePTS = true
}

// RecordUnderrun accounts one buffer-empty episode and its duration.
func (m *JitterMonitor) RecordUnderrun(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.underrunCount++
	m.underrunDuration += d
}

// RecordStall accounts one sink-not-ready episode and its duration.
func (m *JitterMonitor) RecordStall(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stallCount++
	m.stallDuration += d
}

// RecordClockSample compares wall-clock elapsed time to renderer-clock
// elapsed time over the same interval, while playing at a non-zero rate.
func (m *JitterMonitor) RecordClockSample(wallElapsed time.Duration, clockElapsed float64) {
	if wallElapsed <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wall := wallElapsed.Seconds()
	deviation := clockElapsed - wall
	m.drift.add(deviation)

	if math.Abs(deviation)/wall*100 > m.driftAlertPercent {
		m.driftAlertCount++
	}
}

// Report returns the current accumulated statistics without resetting them.
func (m *JitterMonitor) Report() JitterReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// LastReport returns the most recently emitted periodic report.
func (m *JitterMonitor) LastReport() (JitterReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReport, m.haveReport
}

// Run emits one aggregated report per reporting period until ctx is done.
func (m *JitterMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.reportPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emit()
		}
	}
}

// emit logs the current report and resets the interval accumulators.
func (m *JitterMonitor) emit() {
	m.mu.Lock()
	report := m.snapshot()
	m.lastReport = report
	m.haveReport = true

	// Interval stats reset each period; fps and frame count are cumulative.
	m.gaps = welford{}
	m.gapMax = 0
	m.dropCount = 0
	m.underrunCount = 0
	m.underrunDuration = 0
	m.stallCount = 0
	m.stallDuration = 0
	m.drift = welford{}
	m.driftAlertCount = 0
	m.mu.Unlock()

	m.logger.Info("playback diagnostics",
		slog.Int("frames", report.FrameCount),
		slog.Float64("fps", report.DetectedFPS),
		slog.Float64("gap_mean_ms", report.GapMean*1000),
		slog.Float64("gap_stddev_ms", report.GapStdDev*1000),
		slog.Float64("gap_max_ms", report.GapMax*1000),
		slog.Int("drops", report.DropCount),
		slog.Int("underruns", report.UnderrunCount),
		slog.Duration("underrun_duration", report.UnderrunDuration),
		slog.Int("stalls", report.StallCount),
		slog.Duration("stall_duration", report.StallDuration),
		slog.Float64("drift_mean_ms", report.DriftMean*1000),
		slog.Float64("drift_stddev_ms", report.DriftStdDev*1000),
		slog.Int("drift_alerts", report.DriftAlertCount),
	)
}

func (m *JitterMonitor) snapshot() JitterReport {
	return JitterReport{
		FrameCount:       m.frameCount,
		DetectedFPS:      m.fps,
		GapMean:          m.gaps.mean(),
		GapStdDev:        m.gaps.stdDev(),
		GapMax:           m.gapMax,
		DropCount:        m.dropCount,
		UnderrunCount:    m.underrunCount,
		UnderrunDuration: m.underrunDuration,
		StallCount:       m.stallCount,
		StallDuration:    m.stallDuration,
		DriftMean:        m.drift.mean(),
		DriftStdDev:      m.drift.stdDev(),
		DriftAlertCount:  m.driftAlertCount,
	}
}

// welford accumulates mean and standard deviation incrementally.
type welford struct {
	n  int
	mu float64
	m2 float64
}

func (w *welford) add(x float64) {
	w.n++
	delta := x - w.mu
	w.mu += delta / float64(w.n)
	w.m2 += delta * (x - w.mu)
}

func (w *welford) mean() float64 {
	return w.mu
}

func (w *welford) stdDev() float64 {
	if w.n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n-1))
}
