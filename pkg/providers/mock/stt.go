package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/salin/pkg/adapters/stt"
	"github.com/harunnryd/salin/pkg/frames"
)

// STTConfig scripts the frames the mock emits on first audio.
type STTConfig struct {
	StreamID          string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	Confidence        float64
}

// StreamingSTT is an offline stand-in for a real recognition session. It
// emits its scripted transcript once, on the first audio frame it receives.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.95
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	if s.emitted {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()

	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.out <- frames.NewTranscriptFrame(s.cfg.StreamID, time.Now().UnixNano(),
			interim, false, 0, s.meta())
	}

	s.out <- frames.NewTranscriptFrame(s.cfg.StreamID, time.Now().UnixNano(),
		s.cfg.Transcript, true, s.cfg.Confidence, s.meta())
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) meta() map[string]string {
	meta := map[string]string{frames.MetaSource: "stt"}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
