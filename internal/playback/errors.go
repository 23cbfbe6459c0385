// Package playback implements the DV-compatible HLS feeding pipeline:
// playlist resolution and segment indexing, the bounded segment buffer, the
// demux-and-feed loop, and passive jitter/drift diagnostics.
package playback

import (
	"errors"
	"fmt"
)

// Structural playlist errors. These indicate a server-side or configuration
// problem and are never retried.
var (
	ErrNoVariants         = errors.New("no variants found in master playlist")
	ErrMissingInitSegment = errors.New("playlist has no initialization segment reference")
	ErrInvalidResponse    = errors.New("invalid upstream response")
	ErrCodecUnsupported   = errors.New("codec not supported by decoder pipeline")
)

// InvalidPlaylistError reports a playlist that could not be parsed.
type InvalidPlaylistError struct {
	Reason string
}

func (e *InvalidPlaylistError) Error() string {
	return fmt.Sprintf("invalid playlist: %s", e.Reason)
}

// SegmentOutOfRangeError reports a segment fetch outside the indexed range.
type SegmentOutOfRangeError struct {
	Index int
	Count int
}

func (e *SegmentOutOfRangeError) Error() string {
	return fmt.Sprintf("segment index %d out of range (have %d segments)", e.Index, e.Count)
}

// DemuxError reports malformed bytes in an already-buffered segment.
// Re-fetching identical bytes would reproduce the failure, so demux errors
// terminate the session instead of being retried.
type DemuxError struct {
	SegmentIndex int
	Err          error
}

func (e *DemuxError) Error() string {
	return fmt.Sprintf("demuxing segment %d: %v", e.SegmentIndex, e.Err)
}

func (e *DemuxError) Unwrap() error { return e.Err }

// DownloadError reports an exhausted retry budget for a segment download.
type DownloadError struct {
	SegmentIndex int
	Attempts     int
	Err          error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading segment %d failed after %d attempts: %v",
		e.SegmentIndex, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }
