package recognize

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/salin/pkg/errorsx"
	"github.com/harunnryd/salin/pkg/logging"
	"github.com/harunnryd/salin/pkg/metrics"
	"github.com/harunnryd/salin/pkg/sniff"
)

// Duplex is the push/pull boundary of one streaming session: binary audio
// chunks in, transcription events out. The transport is opened lazily on the
// first write, once the content type is known.
//
// Consumers must drain Events until it closes; the channel closes after the
// terminal EventError or EventClose.
type Duplex struct {
	opts     Options
	logger   *slog.Logger
	obs      metrics.Observer
	streamID string
	builder  *ParamBuilder

	events     chan Event
	eventsIn   chan Event
	terminalCh chan Event
	opened     chan struct{}
	done       chan struct{}

	mu            sync.Mutex
	socket        *Socket
	started       bool
	finished      bool
	finishPending bool
	terminal      bool
	readyFlag     bool
	pending       [][]byte

	requestID       string
	openTime        time.Time
	firstResultOnce sync.Once

	// test hook; nil selects the gorilla dialer
	dial dialFunc
}

func NewDuplex(opts Options) *Duplex {
	opts = opts.withDefaults()
	d := &Duplex{
		opts:       opts,
		logger:     logging.NewComponentLogger(opts.Logger, "recognize_duplex"),
		obs:        opts.Observer,
		streamID:   uuid.NewString(),
		builder:    NewParamBuilder(opts.Logger),
		events:     make(chan Event, opts.QueueSize),
		eventsIn:   make(chan Event, opts.QueueSize),
		terminalCh: make(chan Event, 1),
		opened:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go d.forward()
	return d
}

// StreamID identifies this session in logs and metrics.
func (d *Duplex) StreamID() string { return d.streamID }

// Events returns the session output channel.
func (d *Duplex) Events() <-chan Event { return d.events }

// Done is closed once the session reaches a terminal state.
func (d *Duplex) Done() <-chan struct{} { return d.done }

// Write pushes one opaque binary audio chunk. The first write resolves the
// content type (explicit option or sniffed from the chunk) and opens the
// transport. Chunks pushed before the service signals readiness are buffered,
// never dropped. Once streaming, Write blocks while the transport's buffered
// bytes sit above the watermark.
func (d *Duplex) Write(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	d.mu.Lock()
	if d.terminal {
		d.mu.Unlock()
		return errorsx.New(errorsx.ReasonSend, "session ended")
	}
	if d.finished {
		d.mu.Unlock()
		return errorsx.New(errorsx.ReasonSend, "input already finished")
	}
	if !d.started {
		if err := d.startLocked(ctx, chunk); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	if !d.readyFlag {
		if len(d.pending) >= d.opts.QueueSize {
			d.mu.Unlock()
			return errorsx.New(errorsx.ReasonSend, "buffer full before service readiness")
		}
		d.pending = append(d.pending, chunk)
		d.mu.Unlock()
		return nil
	}
	socket := d.socket
	d.mu.Unlock()

	if err := d.waitBelowWatermark(ctx, socket); err != nil {
		return err
	}
	if err := socket.SendAudio(chunk); err != nil {
		return err
	}
	metrics.Record(d.obs, "recognize.chunk_sent", float64(len(chunk)), d.tags())
	return nil
}

// Finish signals end of input. The service drains buffered audio, delivers
// remaining results and the session closes cleanly. Idempotent. Chunks still
// buffered ahead of readiness reach the wire before the stop message.
func (d *Duplex) Finish() {
	d.mu.Lock()
	if d.finished || d.terminal {
		d.mu.Unlock()
		return
	}
	d.finished = true
	started := d.started
	socket := d.socket
	if started && !d.readyFlag && len(d.pending) > 0 {
		// Stop must follow the buffered audio; the flush on first
		// listening forwards the finish.
		d.finishPending = true
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	if started {
		socket.Finish()
		return
	}
	d.terminate(Event{Kind: EventClose, Code: websocket.CloseNormalClosure, Reason: "finished before open"})
}

// Stop requests early termination: end of input followed by the orderly
// stop/drain/close sequence. Abrupt severance is an error, not a stop.
func (d *Duplex) Stop() {
	d.Finish()
}

// Close tears the session down without waiting for the drain acknowledgement.
func (d *Duplex) Close() error {
	d.mu.Lock()
	started := d.started
	socket := d.socket
	d.mu.Unlock()
	if started {
		return socket.Close()
	}
	d.terminate(Event{Kind: EventClose, Code: websocket.CloseNormalClosure, Reason: "closed before open"})
	return nil
}

// RequestID resolves the service-assigned request identifier once the
// connection is open. It fails when the session ends before opening.
func (d *Duplex) RequestID(ctx context.Context) (string, error) {
	select {
	case <-d.opened:
		return d.requestID, nil
	default:
	}
	select {
	case <-d.opened:
		return d.requestID, nil
	case <-d.done:
		return "", errorsx.New(errorsx.ReasonConnection, "session ended before open")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// startLocked resolves the content type, composes the endpoint URL and opens
// the socket. Caller holds d.mu.
func (d *Duplex) startLocked(ctx context.Context, first []byte) error {
	ct, err := d.resolveContentType(first)
	if err != nil {
		// Fatal before any network I/O: the transport is never opened.
		d.terminateLocked(Event{Kind: EventError, Err: err})
		return err
	}
	settings := make(map[string]any, len(d.opts.Settings)+1)
	for k, v := range d.opts.Settings {
		settings[k] = v
	}
	settings["content-type"] = ct

	query := d.builder.BuildQuery(settings)
	wsURL, err := composeURL(d.opts.URL, query)
	if err != nil {
		d.terminateLocked(Event{Kind: EventError, Err: err})
		return err
	}

	socket := NewSocket(SocketConfig{
		URL:                wsURL,
		Handshake:          d.builder.BuildHandshake(settings),
		Headers:            d.opts.Headers,
		Tokens:             d.opts.Tokens,
		InsecureSkipVerify: d.opts.InsecureSkipVerify,
		DialTimeout:        d.opts.DialTimeout,
		WriteTimeout:       d.opts.WriteTimeout,
		QueueSize:          d.opts.QueueSize,
		Logger:             d.opts.Logger,
	}, Callbacks{
		OnOpen:      d.handleOpen,
		OnListening: d.handleListening,
		OnResult:    d.handleResult,
		OnError:     d.handleError,
		OnClose:     d.handleClose,
	})
	if d.dial != nil {
		socket.dial = d.dial
	}

	d.openTime = time.Now()
	if err := socket.Open(ctx); err != nil {
		d.terminateLocked(Event{Kind: EventError, Err: err})
		return err
	}
	d.socket = socket
	d.started = true
	d.logger.Info("recognize_session_started",
		slog.String("stream_id", d.streamID),
		slog.String("content_type", ct))
	return nil
}

func (d *Duplex) resolveContentType(first []byte) (string, error) {
	if d.opts.ContentType != "" {
		return d.opts.ContentType, nil
	}
	d.builder.Normalize(d.opts.Settings)
	if ct, ok := d.opts.Settings["content-type"].(string); ok && ct != "" {
		return ct, nil
	}
	if ct, ok := sniff.Detect(first); ok {
		d.logger.Debug("recognize_content_type_sniffed",
			slog.String("stream_id", d.streamID),
			slog.String("content_type", ct))
		return ct, nil
	}
	return "", errorsx.New(errorsx.ReasonContentType,
		"unable to determine audio content-type; configure one explicitly")
}

func (d *Duplex) handleOpen(requestID string) {
	// requestID is published before the channel close; readers gate on opened.
	d.requestID = requestID
	close(d.opened)
	d.emit(Event{Kind: EventOpen, RequestID: requestID})
}

// handleListening flushes chunks buffered before readiness, in push order,
// before any direct write can interleave. A finish requested while buffering
// is forwarded only after the flush so the stop frame trails the audio.
func (d *Duplex) handleListening() {
	d.mu.Lock()
	if d.readyFlag || d.terminal {
		d.mu.Unlock()
		return
	}
	for _, chunk := range d.pending {
		if err := d.socket.SendAudio(chunk); err != nil {
			d.logger.Error("recognize_flush_failed",
				slog.String("stream_id", d.streamID),
				slog.String("error", err.Error()))
			d.terminateLocked(Event{Kind: EventError, Err: err})
			socket := d.socket
			d.mu.Unlock()
			_ = socket.Close()
			return
		}
		metrics.Record(d.obs, "recognize.chunk_sent", float64(len(chunk)), d.tags())
	}
	d.pending = nil
	d.readyFlag = true
	finish := d.finishPending
	d.finishPending = false
	socket := d.socket
	d.mu.Unlock()
	if finish {
		socket.Finish()
	}
}

func (d *Duplex) handleResult(ev *ResultsEvent) {
	d.firstResultOnce.Do(func() {
		metrics.Record(d.obs, "recognize.first_result",
			float64(time.Since(d.openTime).Milliseconds()), d.tags())
	})
	if d.opts.Structured {
		d.emit(Event{Kind: EventResult, Result: ev})
		return
	}
	text := ev.FinalTranscript()
	if text == "" {
		return
	}
	d.emit(Event{Kind: EventText, Text: text})
}

func (d *Duplex) handleError(err error) {
	d.terminate(Event{Kind: EventError, Err: err})
}

func (d *Duplex) handleClose(code int, reason string) {
	d.terminate(Event{Kind: EventClose, Code: code, Reason: reason})
}

func (d *Duplex) waitBelowWatermark(ctx context.Context, socket *Socket) error {
	if socket.Buffered() < d.opts.Watermark {
		return nil
	}
	start := time.Now()
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for socket.Buffered() >= d.opts.Watermark {
		select {
		case <-socket.Drained():
		case <-ticker.C:
		case <-d.done:
			return errorsx.New(errorsx.ReasonSend, "session ended")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	metrics.Record(d.obs, "recognize.backpressure_wait",
		float64(time.Since(start).Milliseconds()), d.tags())
	return nil
}

func (d *Duplex) emit(ev Event) {
	select {
	case d.eventsIn <- ev:
	case <-d.done:
	}
}

// forward relays queued events to the consumer and delivers the terminal
// event last, then closes the stream. The terminal event is never dropped: a
// full buffer only delays it until the consumer drains.
func (d *Duplex) forward() {
	for {
		select {
		case ev := <-d.eventsIn:
			d.events <- ev
		case <-d.done:
			for {
				select {
				case ev := <-d.eventsIn:
					d.events <- ev
				default:
					d.events <- <-d.terminalCh
					close(d.events)
					return
				}
			}
		}
	}
}

func (d *Duplex) terminate(ev Event) {
	d.mu.Lock()
	if d.terminal {
		d.mu.Unlock()
		return
	}
	d.terminal = true
	d.mu.Unlock()
	d.deliverTerminal(ev)
}

// terminateLocked is terminate for callers already holding d.mu.
func (d *Duplex) terminateLocked(ev Event) {
	if d.terminal {
		return
	}
	d.terminal = true
	d.deliverTerminal(ev)
}

func (d *Duplex) deliverTerminal(ev Event) {
	metrics.Record(d.obs, "recognize.session_end", 1, map[string]string{
		"stream_id": d.streamID,
		"kind":      string(ev.Kind),
	})
	// Single writer: the terminal flag guards this send, the forwarder
	// closes the consumer channel after delivering it.
	d.terminalCh <- ev
	close(d.done)
}

func (d *Duplex) tags() map[string]string {
	return map[string]string{"stream_id": d.streamID}
}

// composeURL normalizes the endpoint scheme to the socket scheme and appends
// the query string, preserving allow-list order.
func composeURL(base string, params []Param) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonConnection)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", errorsx.Newf(errorsx.ReasonConnection, "unsupported scheme %q", u.Scheme)
	}
	u.RawQuery = ""
	u.Fragment = ""
	out := u.String()
	if len(params) > 0 {
		out += "?" + encodeQuery(params)
	}
	return out, nil
}
