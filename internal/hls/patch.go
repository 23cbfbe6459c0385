package hls

import (
	"regexp"
	"strings"
)

// HEVCCodecTag is the codec string substituted for Dolby Vision identifiers
// in master playlists: HEVC Main 10, level 5.1, matching the underlying
// bitstream the DV profile-8 layer rides on.
const HEVCCodecTag = "hvc1.2.4.L153.B0"

// dvCodecRe matches the two-digit dvh1.MM.mm profile/level form that Plex
// transcoders emit. Three-part suffixes would not match; known limitation.
var dvCodecRe = regexp.MustCompile(`dvh1\.\d{2}\.\d{2}`)

// ContainsDVCodec reports whether the playlist advertises a Dolby Vision
// codec identifier in a CODECS attribute.
func ContainsDVCodec(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, "CODECS=") {
			continue
		}
		if dvCodecRe.MatchString(line) {
			return true
		}
	}
	return false
}

// PatchMasterPlaylist rewrites a master playlist so a strict platform player
// accepts it:
//
//   - every dvh1.MM.mm identifier inside a CODECS attribute is replaced with
//     HEVCCodecTag (unless rewriteCodec is false),
//   - every I-FRAME-STREAM-INF line is dropped; the trick-play playlist it
//     references confuses the downstream player into selecting it.
//
// Lines that need no change are passed through byte-for-byte.
func PatchMasterPlaylist(text string, rewriteCodec bool) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), TagIFrameStreamInf) {
			continue
		}
		if rewriteCodec && strings.Contains(line, "CODECS=") {
			line = dvCodecRe.ReplaceAllString(line, HEVCCodecTag)
		}
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}
