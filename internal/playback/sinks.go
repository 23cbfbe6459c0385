package playback

// AccessUnit is one demuxed sample handed to a renderer sink. It is not
// retained after Enqueue returns.
type AccessUnit struct {
	// PTS is the presentation timestamp in seconds.
	PTS float64

	// IsVideo distinguishes video from audio units.
	IsVideo bool

	// IsKeyframe is set on video sync samples.
	IsKeyframe bool

	// Payload is the raw sample data.
	Payload []byte
}

// VideoSink accepts demuxed video access units for display. Implementations
// wrap the platform's sample-buffer display layer.
type VideoSink interface {
	// IsReady reports whether the sink can accept another unit right now.
	IsReady() bool

	// Enqueue hands a unit to the sink. Called only after IsReady.
	Enqueue(unit AccessUnit) error

	// Flush discards queued units, e.g. across a seek.
	Flush()
}

// AudioSink accepts demuxed audio access units for rendering.
type AudioSink interface {
	IsReady() bool
	Enqueue(unit AccessUnit) error
	Flush()
}

// Clock is the renderer's synchronized playback clock. The feed loop is the
// only writer; it sets the time at well-defined points (initial sync to the
// first decoded frame, post-seek resync) and the rate on pause/resume.
type Clock interface {
	// SetTime moves the clock to the given media time in seconds.
	SetTime(seconds float64)

	// CurrentTime returns the clock's media time in seconds.
	CurrentTime() float64

	// SetRate sets the playback rate (0 = paused, 1 = normal).
	SetRate(rate float64)

	// Rate returns the current playback rate.
	Rate() float64
}
