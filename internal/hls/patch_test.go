package hls

import (
	"strings"
	"testing"
)

const sampleMaster = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-STREAM-INF:BANDWIDTH=5000000,CODECS="ac-3,dvh1.08.06",RESOLUTION=1920x1080
low/start.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=8000000,CODECS="ac-3,dvh1.08.06",RESOLUTION=3840x2160
high/start.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=500000,CODECS="dvh1.08.06",URI="iframe.m3u8"
`

func TestPatchMasterPlaylistRewritesCodec(t *testing.T) {
	patched := PatchMasterPlaylist(sampleMaster, true)

	if strings.Contains(patched, "dvh1") {
		t.Errorf("patched playlist still contains dvh1:\n%s", patched)
	}
	if !strings.Contains(patched, `CODECS="ac-3,`+HEVCCodecTag+`"`) {
		t.Errorf("patched playlist missing HEVC codec tag:\n%s", patched)
	}
	if strings.Contains(patched, "I-FRAME-STREAM-INF") {
		t.Errorf("patched playlist still contains I-FRAME line:\n%s", patched)
	}
	// Untouched lines must survive byte-for-byte.
	if !strings.Contains(patched, "high/start.m3u8") {
		t.Errorf("variant URI line lost:\n%s", patched)
	}
}

func TestPatchMasterPlaylistDiagnosticMode(t *testing.T) {
	patched := PatchMasterPlaylist(sampleMaster, false)

	if !strings.Contains(patched, "dvh1.08.06") {
		t.Errorf("diagnostic mode must leave codec untouched:\n%s", patched)
	}
	if strings.Contains(patched, "I-FRAME-STREAM-INF") {
		t.Errorf("I-FRAME line must be dropped in every mode:\n%s", patched)
	}
}

func TestPatchMasterPlaylistThreePartSuffixUnmatched(t *testing.T) {
	// The regex is fixed to the two-digit dvh1.MM.mm form.
	in := `#EXT-X-STREAM-INF:BANDWIDTH=1,CODECS="dvh1.08.06.01"` + "\nv.m3u8"
	out := PatchMasterPlaylist(in, true)
	if !strings.Contains(out, ".01") {
		t.Errorf("trailing suffix should survive: %q", out)
	}
}

func TestContainsDVCodec(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"dv master", sampleMaster, true},
		{"plain hevc", `#EXT-X-STREAM-INF:BANDWIDTH=1,CODECS="hvc1.2.4.L153.B0"` + "\nv.m3u8", false},
		{"dvh1 outside codecs attr", "# dvh1.08.06 mentioned in a comment", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsDVCodec(tt.in); got != tt.want {
				t.Errorf("ContainsDVCodec() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttribute(t *testing.T) {
	line := `#EXT-X-MAP:URI="init.mp4",BYTERANGE="720@0"`

	uri, ok := Attribute(line, "URI")
	if !ok || uri != "init.mp4" {
		t.Errorf("Attribute(URI) = %q, %v", uri, ok)
	}

	br, ok := Attribute(line, "BYTERANGE")
	if !ok || br != "720@0" {
		t.Errorf("Attribute(BYTERANGE) = %q, %v", br, ok)
	}

	bw, ok := Attribute(`#EXT-X-STREAM-INF:BANDWIDTH=8000000,CODECS="x"`, "BANDWIDTH")
	if !ok || bw != "8000000" {
		t.Errorf("Attribute(BANDWIDTH) = %q, %v", bw, ok)
	}

	if _, ok := Attribute(line, "BANDWIDTH"); ok {
		t.Error("absent attribute reported present")
	}
}

func TestAttributeNotSuffixMatch(t *testing.T) {
	// URI= must not match inside IV= or a longer attribute ending in URI.
	line := `#EXT-X-KEY:METHOD=AES-128,KEYFORMAT-URI="wrong",URI="right.key"`
	uri, ok := Attribute(line, "URI")
	if !ok || uri != "right.key" {
		t.Errorf("Attribute(URI) = %q, %v, want right.key", uri, ok)
	}
}

func TestReplaceAttribute(t *testing.T) {
	line := `#EXT-X-MAP:URI="init.mp4",BYTERANGE="720@0"`
	out := ReplaceAttribute(line, "URI", "patched-http://host/init.mp4")
	want := `#EXT-X-MAP:URI="patched-http://host/init.mp4",BYTERANGE="720@0"`
	if out != want {
		t.Errorf("ReplaceAttribute() = %q, want %q", out, want)
	}

	out = ReplaceAttribute(`#EXT-X-STREAM-INF:BANDWIDTH=1,CODECS="x"`, "BANDWIDTH", "2")
	if out != `#EXT-X-STREAM-INF:BANDWIDTH=2,CODECS="x"` {
		t.Errorf("unquoted replace = %q", out)
	}
}

func TestIsMediaPlaylist(t *testing.T) {
	media := "#EXTM3U\n#EXTINF:6.0,\nseg0.m4s\n"
	if !IsMediaPlaylist(media) {
		t.Error("media playlist not detected")
	}
	if IsMediaPlaylist(sampleMaster) {
		t.Error("master playlist misdetected as media")
	}
}
