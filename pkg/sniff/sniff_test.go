package sniff

import (
	"bytes"
	"testing"
)

func wavHeader() []byte {
	b := make([]byte, 44)
	copy(b[0:4], "RIFF")
	copy(b[8:12], "WAVE")
	copy(b[12:16], "fmt ")
	return b
}

// webmHeader is an EBML header carrying a webm DocType element.
func webmHeader() []byte {
	b := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x42, 0x82, 0x84}
	b = append(b, "webm"...)
	return append(b, make([]byte, 16)...)
}

func TestDetectKnownSignatures(t *testing.T) {
	cases := []struct {
		name   string
		prefix []byte
		want   string
	}{
		{"wav", wavHeader(), TypeWAV},
		{"flac", append([]byte("fLaC"), make([]byte, 16)...), TypeFLAC},
		{"ogg", append([]byte("OggS"), make([]byte, 28)...), TypeOggOpus},
		{"webm", webmHeader(), TypeWebM},
	}
	for _, tc := range cases {
		got, ok := Detect(tc.prefix)
		if !ok {
			t.Fatalf("%s: expected signature to be recognized", tc.name)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestDetectUnknown(t *testing.T) {
	if ct, ok := Detect(bytes.Repeat([]byte{0x42}, 32)); ok {
		t.Fatalf("expected junk to be unrecognized, got %q", ct)
	}
	if _, ok := Detect(nil); ok {
		t.Fatalf("expected empty prefix to be unrecognized")
	}
}

func TestDetectTruncatesLongChunks(t *testing.T) {
	chunk := append(wavHeader(), bytes.Repeat([]byte{0x00}, 4096)...)
	got, ok := Detect(chunk)
	if !ok || got != TypeWAV {
		t.Fatalf("expected wav from long chunk, got %q ok=%v", got, ok)
	}
}
