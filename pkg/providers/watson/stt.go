package watson

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/salin/pkg/adapters/stt"
	"github.com/harunnryd/salin/pkg/auth"
	"github.com/harunnryd/salin/pkg/frames"
	"github.com/harunnryd/salin/pkg/logging"
	"github.com/harunnryd/salin/pkg/metrics"
	"github.com/harunnryd/salin/pkg/recognize"
)

// Config configures one streaming recognition session.
type Config struct {
	// URL overrides the default recognition endpoint.
	URL string

	// Tokens supplies the bearer token for the websocket handshake.
	Tokens auth.TokenSource

	Model       string
	Language    string
	ContentType string

	// Interim forwards non-final hypotheses as transcript frames. Finals are
	// always forwarded.
	Interim bool

	// Settings passes additional recognition tuning fields straight through
	// (keywords, speaker_labels, smart_formatting, ...).
	Settings map[string]any

	StreamID string
	TraceID  string

	Logger   *slog.Logger
	Observer metrics.Observer
}

// session is the slice of recognize.Duplex the adapter drives. Tests
// substitute a scripted fake.
type session interface {
	Write(ctx context.Context, chunk []byte) error
	Finish()
	Close() error
	Events() <-chan recognize.Event
}

// StreamingSTT adapts a streaming recognition session to the vendor-agnostic
// STT contract.
type StreamingSTT struct {
	cfg    Config
	out    chan frames.Frame
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sess   session

	// test hook; nil opens a real session
	newSession func(opts recognize.Options) session
}

func New(cfg Config) *StreamingSTT {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(baseLogger, "watson_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "watson_streaming" }

// Start prepares the session and begins pumping events. The transport itself
// opens on the first audio frame, once the content type is resolvable.
func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	settings := make(map[string]any, len(s.cfg.Settings)+2)
	for k, v := range s.cfg.Settings {
		settings[k] = v
	}
	if s.cfg.Model != "" {
		settings["model"] = s.cfg.Model
	}
	if s.cfg.Interim {
		settings["interim_results"] = true
	}

	opts := recognize.Options{
		URL:         s.cfg.URL,
		Settings:    settings,
		ContentType: s.cfg.ContentType,
		Structured:  true,
		Tokens:      s.cfg.Tokens,
		Logger:      s.cfg.Logger,
		Observer:    s.cfg.Observer,
	}
	if s.newSession != nil {
		s.sess = s.newSession(opts)
	} else {
		s.sess = recognize.NewDuplex(opts)
	}

	s.logger.Info("initializing watson session",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("model", s.cfg.Model),
		slog.Bool("interim", s.cfg.Interim))

	go s.pump()
	return nil
}

// Close requests the orderly stop sequence: buffered audio is drained and
// remaining results delivered before the session closes.
func (s *StreamingSTT) Close() error {
	s.logger.Info("closing watson session",
		slog.String("stream_id", s.cfg.StreamID))
	if s.sess != nil {
		s.sess.Finish()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.logger.Debug("forwarding audio to watson",
		slog.Int("size_bytes", len(frame.RawPayload())),
		slog.String("stream_id", s.cfg.StreamID))
	return s.sess.Write(s.ctx, frame.RawPayload())
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

// pump translates session events into frames until the session ends, then
// closes the output channel.
func (s *StreamingSTT) pump() {
	defer close(s.out)
	for ev := range s.sess.Events() {
		switch ev.Kind {
		case recognize.EventOpen:
			s.logger.Info("watson_connection_opened",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("request_id", ev.RequestID))
			s.emit(frames.NewSystemFrame(s.cfg.StreamID, time.Now().UnixNano(), "session_open", s.meta(map[string]string{
				frames.MetaRequestID: ev.RequestID,
			})))
		case recognize.EventResult:
			s.emitResults(ev.Result)
		case recognize.EventError:
			s.logger.Error("watson_error",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("error", ev.Err.Error()))
			s.emit(frames.NewSystemFrame(s.cfg.StreamID, time.Now().UnixNano(), "session_error", s.meta(map[string]string{
				frames.MetaError: ev.Err.Error(),
			})))
		case recognize.EventClose:
			s.logger.Info("watson_connection_closed",
				slog.String("stream_id", s.cfg.StreamID),
				slog.Int("code", ev.Code))
			s.emit(frames.NewSystemFrame(s.cfg.StreamID, time.Now().UnixNano(), "session_closed", s.meta(map[string]string{
				frames.MetaReason: ev.Reason,
			})))
		}
	}
}

func (s *StreamingSTT) emitResults(ev *recognize.ResultsEvent) {
	for _, r := range ev.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		if !r.Final && !s.cfg.Interim {
			continue
		}
		alt := r.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		s.logger.Debug("transcript_received",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("transcript", alt.Transcript),
			slog.Bool("is_final", r.Final))
		s.emit(frames.NewTranscriptFrame(s.cfg.StreamID, time.Now().UnixNano(),
			alt.Transcript, r.Final, alt.Confidence, s.meta(nil)))
	}
}

func (s *StreamingSTT) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("watson_out_channel_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

func (s *StreamingSTT) meta(extra map[string]string) map[string]string {
	meta := map[string]string{
		frames.MetaSource: "stt",
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
