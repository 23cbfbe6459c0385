package playback

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// SegmentDemuxer converts raw fMP4 segment bytes into timestamped access
// units in stream order.
type SegmentDemuxer interface {
	Demux(segmentIndex int, data []byte) ([]AccessUnit, error)
}

// Demuxer converts raw fMP4 segment bytes into timestamped access units.
// Track layout and timescales come from the initialization segment parsed at
// construction time.
type Demuxer struct {
	logger *slog.Logger

	videoTrackID   int
	audioTrackID   int
	videoTimescale uint32
	audioTimescale uint32
}

// NewDemuxer parses the initialization segment and prepares a demuxer for
// the stream's media fragments.
func NewDemuxer(initData []byte, logger *slog.Logger) (*Demuxer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(initData)); err != nil {
		return nil, fmt.Errorf("parsing init segment: %w", err)
	}

	d := &Demuxer{logger: logger, videoTrackID: -1, audioTrackID: -1}

	for _, track := range init.Tracks {
		switch track.Codec.(type) {
		case *mp4.CodecH265, *mp4.CodecH264:
			d.videoTrackID = track.ID
			d.videoTimescale = track.TimeScale
			logger.Debug("found video track",
				slog.Int("track_id", track.ID),
				slog.Uint64("timescale", uint64(track.TimeScale)))
		case *mp4.CodecMPEG4Audio, *mp4.CodecAC3, *mp4.CodecEAC3, *mp4.CodecOpus:
			d.audioTrackID = track.ID
			d.audioTimescale = track.TimeScale
			logger.Debug("found audio track",
				slog.Int("track_id", track.ID),
				slog.Uint64("timescale", uint64(track.TimeScale)))
		}
	}

	if d.videoTrackID < 0 {
		return nil, ErrCodecUnsupported
	}

	return d, nil
}

// Demux parses one media segment (moof+mdat fragments) into access units in
// stream order. Errors are unrecoverable for the session: the bytes are
// already buffered and re-fetching them would reproduce the failure.
func (d *Demuxer) Demux(segmentIndex int, data []byte) ([]AccessUnit, error) {
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return nil, &DemuxError{SegmentIndex: segmentIndex, Err: err}
	}

	var units []AccessUnit
	for _, part := range parts {
		for _, track := range part.Tracks {
			switch track.ID {
			case d.videoTrackID:
				units = append(units, d.videoUnits(track)...)
			case d.audioTrackID:
				units = append(units, d.audioUnits(track)...)
			}
		}
	}

	return units, nil
}

// videoUnits extracts video samples with PTS in seconds.
func (d *Demuxer) videoUnits(track *fmp4.PartTrack) []AccessUnit {
	timescale := d.videoTimescale
	if timescale == 0 {
		timescale = 90000
	}

	units := make([]AccessUnit, 0, len(track.Samples))
	baseTime := track.BaseTime
	for _, sample := range track.Samples {
		pts := (float64(baseTime) + float64(sample.PTSOffset)) / float64(timescale)
		units = append(units, AccessUnit{
			PTS:        pts,
			IsVideo:    true,
			IsKeyframe: !sample.IsNonSyncSample,
			Payload:    sample.Payload,
		})
		baseTime += uint64(sample.Duration)
	}
	return units
}

// audioUnits extracts audio samples with PTS in seconds.
func (d *Demuxer) audioUnits(track *fmp4.PartTrack) []AccessUnit {
	timescale := d.audioTimescale
	if timescale == 0 {
		timescale = 90000
	}

	units := make([]AccessUnit, 0, len(track.Samples))
	baseTime := track.BaseTime
	for _, sample := range track.Samples {
		units = append(units, AccessUnit{
			PTS:     float64(baseTime) / float64(timescale),
			Payload: sample.Payload,
		})
		baseTime += uint64(sample.Duration)
	}
	return units
}
