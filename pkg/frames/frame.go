package frames

// Meta keys shared across frame producers.
const (
	MetaStreamID  = "stream_id"
	MetaTraceID   = "trace_id"
	MetaRequestID = "request_id"
	MetaSource    = "source"
	MetaError     = "error"
	MetaReason    = "reason"
)

type Kind string

const (
	KindAudio      Kind = "audio"
	KindTranscript Kind = "transcript"
	KindSystem     Kind = "system"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries one opaque binary audio chunk.
type AudioFrame struct {
	pts  int64
	data []byte
	rate int
	ch   int
	meta map[string]string
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(streamID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// TranscriptFrame carries one transcription hypothesis. Final marks text the
// service will not revise further.
type TranscriptFrame struct {
	pts        int64
	text       string
	final      bool
	confidence float64
	meta       map[string]string
}

func NewTranscriptFrame(streamID string, pts int64, text string, final bool, confidence float64, meta map[string]string) TranscriptFrame {
	return TranscriptFrame{
		pts:        pts,
		text:       text,
		final:      final,
		confidence: confidence,
		meta:       mergeMeta(streamID, meta),
	}
}

func (t TranscriptFrame) Kind() Kind              { return KindTranscript }
func (t TranscriptFrame) PTS() int64              { return t.pts }
func (t TranscriptFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TranscriptFrame) Text() string            { return t.text }
func (t TranscriptFrame) Final() bool             { return t.final }
func (t TranscriptFrame) Confidence() float64     { return t.confidence }

// SystemFrame carries out-of-band session events (open, close, error).
type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
