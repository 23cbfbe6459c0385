package playback

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v4"
	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmallach/dovetail/internal/config"
	"github.com/jmallach/dovetail/internal/httpclient"
)

// Segment is one media segment in the index. Immutable once constructed.
type Segment struct {
	// URL is the absolute segment URL.
	URL string

	// Duration is the segment duration in seconds.
	Duration float64

	// Start is the cumulative start time in seconds; strictly increasing.
	Start float64

	// Index is the segment's position in the playlist.
	Index int
}

// SegmentIndex is the ordered, time-indexed segment list built from a media
// playlist. Owned by the active playback session and rebuilt per load.
type SegmentIndex struct {
	segments []Segment
}

// Count returns the number of indexed segments.
func (si *SegmentIndex) Count() int {
	return len(si.segments)
}

// Duration returns the total indexed duration in seconds.
func (si *SegmentIndex) Duration() float64 {
	if len(si.segments) == 0 {
		return 0
	}
	last := si.segments[len(si.segments)-1]
	return last.Start + last.Duration
}

// Segment returns the segment at the given index; out-of-range is a reported
// error, not a panic.
func (si *SegmentIndex) Segment(index int) (Segment, error) {
	if index < 0 || index >= len(si.segments) {
		return Segment{}, &SegmentOutOfRangeError{Index: index, Count: len(si.segments)}
	}
	return si.segments[index], nil
}

// IndexForTime returns the index of the segment whose interval
// [Start, Start+Duration) contains t. Times outside the indexed range are
// clamped to the nearest valid index rather than reported as errors.
func (si *SegmentIndex) IndexForTime(t float64) int {
	n := len(si.segments)
	if n == 0 {
		return 0
	}
	if t < si.segments[0].Start {
		return 0
	}
	last := si.segments[n-1]
	if t >= last.Start+last.Duration {
		return n - 1
	}

	// Binary search for the first segment starting after t; the containing
	// segment is the one before it.
	i := sort.Search(n, func(i int) bool {
		return si.segments[i].Start > t
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// Resolver fetches and resolves HLS playlists into a SegmentIndex.
type Resolver struct {
	client *httpclient.Client
	cfg    config.Playback
	logger *slog.Logger
}

// NewResolver creates a playlist resolver.
func NewResolver(client *httpclient.Client, cfg config.Playback, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{client: client, cfg: cfg, logger: logger}
}

// Load fetches the master playlist, selects the highest-bandwidth variant,
// builds the segment index, and fetches the initialization segment. If the
// master URL already points at a media playlist, variant selection is
// skipped.
func (r *Resolver) Load(ctx context.Context, masterURL string) (*SegmentIndex, []byte, error) {
	data, err := r.client.GetBytes(ctx, masterURL)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching master playlist: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, nil, &InvalidPlaylistError{Reason: "playlist is not valid UTF-8"}
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, nil, &InvalidPlaylistError{Reason: err.Error()}
	}

	mediaURL := masterURL
	media, isMedia := pl.(*playlist.Media)
	if !isMedia {
		mv, ok := pl.(*playlist.Multivariant)
		if !ok {
			return nil, nil, &InvalidPlaylistError{Reason: "unrecognized playlist type"}
		}

		variantURL, bandwidth, err := selectVariant(mv, masterURL)
		if err != nil {
			return nil, nil, err
		}
		r.logger.Info("selected variant",
			slog.Int("bandwidth", bandwidth),
			slog.String("url", variantURL))

		mediaURL = variantURL
		mediaData, err := r.client.GetBytes(ctx, variantURL)
		if err != nil {
			return nil, nil, fmt.Errorf("fetching variant playlist: %w", err)
		}
		mediaPL, err := playlist.Unmarshal(mediaData)
		if err != nil {
			return nil, nil, &InvalidPlaylistError{Reason: err.Error()}
		}
		media, ok = mediaPL.(*playlist.Media)
		if !ok {
			return nil, nil, &InvalidPlaylistError{Reason: "variant is not a media playlist"}
		}
	}

	index, initURL, err := buildIndex(media, mediaURL)
	if err != nil {
		return nil, nil, err
	}

	r.logger.Info("segment index built",
		slog.Int("segments", index.Count()),
		slog.Float64("duration_s", index.Duration()))

	initData, err := r.fetchInitSegment(ctx, initURL)
	if err != nil {
		return nil, nil, err
	}

	return index, initData, nil
}

// FetchSegment downloads one segment's bytes. A single attempt; the download
// stage owns the retry budget.
func (r *Resolver) FetchSegment(ctx context.Context, index *SegmentIndex, i int) ([]byte, error) {
	seg, err := index.Segment(i)
	if err != nil {
		return nil, err
	}
	return r.client.GetBytes(ctx, seg.URL)
}

// fetchInitSegment fetches the initialization segment with a linear-backoff
// retry budget. The origin may still be muxing when the playlist first
// becomes available, so the first attempts are expected to fail sometimes.
func (r *Resolver) fetchInitSegment(ctx context.Context, initURL string) ([]byte, error) {
	var data []byte
	step := r.cfg.InitRetryStep
	if step <= 0 {
		step = 3 * time.Second
	}

	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.InitFetchTimeout)
			defer cancel()

			var err error
			data, err = r.client.GetBytes(attemptCtx, initURL)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.cfg.InitRetryAttempts)+1),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			// Linear backoff: step, 2*step, 3*step.
			return time.Duration(n+1) * step
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("init segment fetch failed, retrying",
				slog.Uint64("attempt", uint64(n)+1),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetching init segment: %w", err)
	}
	return data, nil
}

// selectVariant picks the highest-bandwidth variant from a master playlist.
func selectVariant(mv *playlist.Multivariant, masterURL string) (string, int, error) {
	if len(mv.Variants) == 0 {
		return "", 0, ErrNoVariants
	}

	best := mv.Variants[0]
	for _, v := range mv.Variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}

	return resolveURL(masterURL, best.URI), best.Bandwidth, nil
}

// buildIndex converts a media playlist into a SegmentIndex plus the absolute
// init segment URL.
func buildIndex(media *playlist.Media, mediaURL string) (*SegmentIndex, string, error) {
	if media.Map == nil || media.Map.URI == "" {
		return nil, "", ErrMissingInitSegment
	}

	segments := make([]Segment, 0, len(media.Segments))
	var cumulative float64
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		dur := seg.Duration.Seconds()
		segments = append(segments, Segment{
			URL:      resolveURL(mediaURL, seg.URI),
			Duration: dur,
			Start:    cumulative,
			Index:    len(segments),
		})
		cumulative += dur
	}

	return &SegmentIndex{segments: segments}, resolveURL(mediaURL, media.Map.URI), nil
}

// resolveURL resolves a possibly-relative playlist URI against its base.
func resolveURL(baseURL, uri string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return uri
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return base.ResolveReference(ref).String()
}
