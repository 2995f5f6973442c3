package mock

import (
	"context"
	"testing"

	"github.com/harunnryd/salin/pkg/frames"
)

func TestEmitsScriptedTranscriptOnce(t *testing.T) {
	s := NewSTT(STTConfig{
		StreamID:          "stream-1",
		Transcript:        "turn on the lights",
		InterimTranscript: "turn on",
		EmitInterim:       true,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	audio := frames.NewAudioFrame("stream-1", 0, []byte{1, 2}, 8000, 1, nil)
	if err := s.SendAudio(audio); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := s.SendAudio(audio); err != nil {
		t.Fatalf("second send must be a no-op: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var got []frames.TranscriptFrame
	for f := range s.Results() {
		tr, ok := f.(frames.TranscriptFrame)
		if !ok {
			t.Fatalf("unexpected frame kind %s", f.Kind())
		}
		got = append(got, tr)
	}
	if len(got) != 2 {
		t.Fatalf("expected interim plus final, got %d frames", len(got))
	}
	if got[0].Final() || got[0].Text() != "turn on" {
		t.Fatalf("unexpected interim %q final=%v", got[0].Text(), got[0].Final())
	}
	if !got[1].Final() || got[1].Text() != "turn on the lights" {
		t.Fatalf("unexpected final %q final=%v", got[1].Text(), got[1].Final())
	}
}

func TestRejectsAudioBeforeStart(t *testing.T) {
	s := NewSTT(STTConfig{StreamID: "stream-2"})
	audio := frames.NewAudioFrame("stream-2", 0, []byte{1}, 8000, 1, nil)
	if err := s.SendAudio(audio); err == nil {
		t.Fatalf("expected rejection before start")
	}
}
