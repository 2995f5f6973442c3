package recognize

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/salin/pkg/auth"
	"github.com/harunnryd/salin/pkg/metrics"
)

// DefaultURL is the streaming recognition endpoint used when none is
// configured.
const DefaultURL = "wss://api.us-south.speech-to-text.watson.cloud.ibm.com/v1/recognize"

const (
	// DefaultWatermark is the outbound buffered-bytes threshold above which
	// new input is paused. Input throughput is capped near
	// watermark / poll-interval when the drain signal is unavailable.
	DefaultWatermark = 64 * 1024

	// DefaultPollInterval bounds the fallback re-check of buffered bytes.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultQueueSize caps the outbound writer queue and the number of
	// chunks buffered before the service signals readiness.
	DefaultQueueSize = 256

	// DefaultDialTimeout bounds transport establishment.
	DefaultDialTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds a single outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
)

// Options is the configuration snapshot for one streaming session. It is
// immutable once the connection is established; exactly one session owns it.
type Options struct {
	// URL is the recognition endpoint. http(s) schemes are normalized to
	// ws(s). Defaults to DefaultURL.
	URL string

	// Settings holds recognition tuning fields (model, interim_results,
	// keywords, speaker_labels, ...). Only allow-listed keys reach the wire;
	// deprecated names are normalized first.
	Settings map[string]any

	// ContentType declares the audio format. When empty it is sniffed from
	// the first chunk; if that fails too the first write aborts before any
	// network I/O.
	ContentType string

	// Structured selects full result events instead of concatenated final
	// text. The mode is fixed for the lifetime of the connection.
	Structured bool

	// Watermark is the buffered-bytes threshold for push-side backpressure.
	Watermark int64

	// PollInterval is the fallback re-check interval while above watermark.
	PollInterval time.Duration

	// QueueSize caps the writer queue and the pre-ready chunk buffer.
	QueueSize int

	// Headers are passed through on the websocket handshake request.
	Headers http.Header

	// Tokens supplies the bearer token; nil sends no Authorization header.
	Tokens auth.TokenSource

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Logger   *slog.Logger
	Observer metrics.Observer
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = DefaultURL
	}
	if o.Settings == nil {
		o.Settings = make(map[string]any)
	}
	if o.Watermark <= 0 {
		o.Watermark = DefaultWatermark
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = metrics.NoopObserver{}
	}
	return o
}
