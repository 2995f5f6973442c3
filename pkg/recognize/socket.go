package recognize

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/salin/pkg/auth"
	"github.com/harunnryd/salin/pkg/errorsx"
	"github.com/harunnryd/salin/pkg/logging"
)

// transactionHeader carries the service-assigned request identifier on the
// websocket handshake response.
const transactionHeader = "X-Global-Transaction-Id"

// wsConn is the subset of *websocket.Conn the socket drives. Tests substitute
// a scripted fake.
type wsConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, urlStr string, header http.Header) (wsConn, *http.Response, error)

func newGorillaDial(timeout time.Duration, insecure bool) dialFunc {
	return func(ctx context.Context, urlStr string, header http.Header) (wsConn, *http.Response, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout: timeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
		if insecure {
			dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return dialer.DialContext(ctx, urlStr, header)
	}
}

// Callbacks receives socket lifecycle and protocol notifications. OnOpen
// fires from the Open call stack before the read loop starts; everything else
// fires sequentially from the read loop. At most one of OnError/OnClose fires,
// always last.
type Callbacks struct {
	OnOpen      func(requestID string)
	OnListening func()
	OnResult    func(ev *ResultsEvent)
	OnError     func(err error)
	OnClose     func(code int, reason string)
}

// SocketConfig configures one transcription socket.
type SocketConfig struct {
	// URL is the fully composed ws(s) endpoint including query string.
	URL string

	// Handshake is the opening control message, already allow-list filtered.
	Handshake map[string]any

	Headers            http.Header
	Tokens             auth.TokenSource
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
	QueueSize          int
	Logger             *slog.Logger
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type outboundMsg struct {
	kind int
	data []byte
}

// Socket owns one persistent connection to the streaming recognition
// endpoint: handshake, inbound frame classification, outbound framing and
// lifecycle. Exactly one caller-facing adapter drives it.
type Socket struct {
	cfg    SocketConfig
	cb     Callbacks
	dial   dialFunc
	logger *slog.Logger

	mu          sync.Mutex
	state       ConnectionState
	conn        wsConn
	finishing   bool
	stopSent    bool
	stopPending bool
	closing     bool
	writeErr    error
	requestID   string

	sendCh   chan outboundMsg
	quit     chan struct{}
	quitOnce sync.Once
	buffered atomic.Int64
	drained  chan struct{}
}

func NewSocket(cfg SocketConfig, cb Callbacks) *Socket {
	cfg = cfg.withDefaults()
	return &Socket{
		cfg:     cfg,
		cb:      cb,
		dial:    newGorillaDial(cfg.DialTimeout, cfg.InsecureSkipVerify),
		logger:  logging.NewComponentLogger(cfg.Logger, "recognize_socket"),
		state:   StateUnopened,
		sendCh:  make(chan outboundMsg, cfg.QueueSize),
		quit:    make(chan struct{}),
		drained: make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (s *Socket) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestID returns the service-assigned transaction id, available once Open
// has returned.
func (s *Socket) RequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID
}

// Buffered returns the number of outbound bytes accepted but not yet written
// to the transport.
func (s *Socket) Buffered() int64 {
	return s.buffered.Load()
}

// Drained signals after each outbound write completes. The channel carries no
// guarantee about occupancy; callers re-check Buffered.
func (s *Socket) Drained() <-chan struct{} {
	return s.drained
}

// Open establishes the transport, sends the handshake and transitions to
// AwaitingReady. It returns an error without invoking OnError when the
// connection cannot be established or the handshake cannot be written; the
// caller owns that surfacing.
func (s *Socket) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnopened {
		st := s.state
		s.mu.Unlock()
		return errorsx.Newf(errorsx.ReasonConnection, "socket already opened (state %s)", st)
	}
	s.state = StateInitializing
	s.mu.Unlock()

	header := make(http.Header, len(s.cfg.Headers)+1)
	for k, vs := range s.cfg.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if s.cfg.Tokens != nil {
		token, err := s.cfg.Tokens.Token(ctx)
		if err != nil {
			return s.abortOpen(errorsx.Wrap(err, errorsx.ReasonAuth))
		}
		header.Set("Authorization", "Bearer "+token)
	}

	payload, err := encodeHandshake(s.cfg.Handshake)
	if err != nil {
		return s.abortOpen(errorsx.Wrap(err, errorsx.ReasonProtocol))
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := s.dial(dialCtx, s.cfg.URL, header)
	if err != nil {
		return s.abortOpen(errorsx.Wrap(err, errorsx.ReasonConnection))
	}
	requestID := ""
	if resp != nil {
		requestID = resp.Header.Get(transactionHeader)
	}

	s.mu.Lock()
	s.conn = conn
	s.requestID = requestID
	s.state = StateAwaitingReady
	stopPending := s.stopPending
	s.mu.Unlock()

	// The handshake is written synchronously before the writer starts so a
	// failure surfaces through Open's return value, never through OnError.
	if err := s.writeConn(outboundMsg{kind: websocket.TextMessage, data: payload}); err != nil {
		_ = conn.Close()
		return s.abortOpen(errorsx.Wrap(err, errorsx.ReasonSend))
	}
	go s.writeLoop()

	s.logger.Info("recognize_socket_opened",
		slog.String("request_id", requestID))
	if s.cb.OnOpen != nil {
		s.cb.OnOpen(requestID)
	}
	if stopPending {
		s.sendStop()
	}

	go s.readLoop()
	return nil
}

// abortOpen records the failure without firing OnError; Open's caller
// surfaces the returned error itself.
func (s *Socket) abortOpen(err error) error {
	s.mu.Lock()
	s.state = StateErrored
	s.mu.Unlock()
	s.stopWriter()
	s.logger.Error("recognize_socket_open_failed",
		slog.String("error", err.Error()),
		slog.String("reason_code", string(errorsx.Reason(err))))
	return err
}

// SendAudio queues one binary audio chunk. It is rejected until the service
// has signalled readiness and after input is finished.
func (s *Socket) SendAudio(chunk []byte) error {
	s.mu.Lock()
	st := s.state
	finishing := s.finishing
	s.mu.Unlock()
	if finishing {
		return errorsx.New(errorsx.ReasonSend, "input already finished")
	}
	if st != StateStreaming {
		return errorsx.Newf(errorsx.ReasonSend, "cannot send audio in state %s", st)
	}
	return s.enqueue(websocket.BinaryMessage, chunk)
}

// Finish signals end of input. Only the first call has effect: the stop
// message is sent at most once per connection, immediately when the transport
// is open, otherwise right after the open signal fires.
func (s *Socket) Finish() {
	s.mu.Lock()
	if s.finishing || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.finishing = true
	open := s.state == StateAwaitingReady || s.state == StateStreaming
	if !open {
		s.stopPending = true
	}
	s.mu.Unlock()
	if open {
		s.sendStop()
	}
}

// Close tears down the transport without waiting for a drain acknowledgement.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		// The read loop observes the closed conn and completes the
		// transition to Closed.
		return conn.Close()
	}
	s.toClosed(websocket.CloseNormalClosure, "closed before open")
	return nil
}

func (s *Socket) sendStop() {
	s.mu.Lock()
	if s.stopSent || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.stopSent = true
	s.mu.Unlock()
	if err := s.enqueue(websocket.TextMessage, encodeStop()); err != nil {
		s.logger.Warn("recognize_stop_send_failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("recognize_stop_sent")
}

func (s *Socket) enqueue(kind int, data []byte) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return errorsx.New(errorsx.ReasonSend, "socket closed")
	}
	s.mu.Unlock()
	s.buffered.Add(int64(len(data)))
	select {
	case s.sendCh <- outboundMsg{kind: kind, data: data}:
		return nil
	default:
		s.buffered.Add(-int64(len(data)))
		return errorsx.New(errorsx.ReasonSend, "outbound queue full")
	}
}

func (s *Socket) writeLoop() {
	for {
		select {
		case msg := <-s.sendCh:
			err := s.writeConn(msg)
			s.buffered.Add(-int64(len(msg.data)))
			s.signalDrain()
			if err != nil {
				// Recorded and surfaced through the read loop so all
				// terminal callbacks stay on one goroutine.
				s.mu.Lock()
				s.writeErr = errorsx.Wrap(err, errorsx.ReasonSend)
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Socket) writeConn(msg outboundMsg) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errorsx.New(errorsx.ReasonSend, "socket not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(msg.kind, msg.data)
}

func (s *Socket) signalDrain() {
	select {
	case s.drained <- struct{}{}:
	default:
	}
}

func (s *Socket) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if msgType == websocket.BinaryMessage {
			s.fail(errorsx.New(errorsx.ReasonProtocol, "unexpected binary frame from service"))
			return
		}
		frame, derr := decodeInbound(data)
		if derr != nil {
			s.fail(derr)
			return
		}
		switch {
		case frame.Error != "":
			s.fail(errorsx.New(errorsx.ReasonRemote, frame.Error))
			return
		case frame.isListening():
			if done := s.handleListening(); done {
				return
			}
		case frame.hasResults():
			if s.cb.OnResult != nil {
				s.cb.OnResult(frame.toResultsEvent())
			}
		default:
			s.logger.Debug("recognize_unhandled_frame",
				slog.String("frame", string(data)))
		}
	}
}

// handleListening distinguishes initial readiness from the drain
// acknowledgement. It returns true when the socket started closing and the
// read loop should wind down via the pending read error.
func (s *Socket) handleListening() bool {
	s.mu.Lock()
	switch {
	case s.state == StateAwaitingReady:
		s.state = StateStreaming
		s.mu.Unlock()
		s.logger.Debug("recognize_service_listening")
		if s.cb.OnListening != nil {
			s.cb.OnListening()
		}
		return false
	case s.state == StateStreaming && s.finishing:
		// Second listening after stop: the service drained all buffered
		// audio. Actively close the transport.
		s.state = StateDraining
		s.closing = true
		conn := s.conn
		s.mu.Unlock()
		s.logger.Debug("recognize_drain_acknowledged")
		s.toClosed(websocket.CloseNormalClosure, "")
		if conn != nil {
			_ = conn.Close()
		}
		return true
	default:
		s.mu.Unlock()
		return false
	}
}

func (s *Socket) handleReadError(err error) {
	s.mu.Lock()
	closing := s.closing
	writeErr := s.writeErr
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		return
	}
	if writeErr != nil {
		s.fail(writeErr)
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			s.toClosed(ce.Code, ce.Text)
		case websocket.CloseProtocolError, websocket.CloseUnsupportedData:
			s.fail(errorsx.Wrap(err, errorsx.ReasonProtocol))
		default:
			s.fail(errorsx.Wrap(err, errorsx.ReasonConnection))
		}
		return
	}
	if closing {
		s.toClosed(websocket.CloseNormalClosure, "")
		return
	}
	s.fail(errorsx.Wrap(err, errorsx.ReasonConnection))
}

// fail moves the socket to the absorbing Errored state and surfaces the error
// exactly once.
func (s *Socket) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	conn := s.conn
	s.mu.Unlock()
	s.logger.Error("recognize_socket_error",
		slog.String("error", err.Error()),
		slog.String("reason_code", string(errorsx.Reason(err))))
	if conn != nil {
		_ = conn.Close()
	}
	s.stopWriter()
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func (s *Socket) toClosed(code int, reason string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.stopWriter()
	s.logger.Info("recognize_socket_closed",
		slog.Int("code", code),
		slog.String("reason", reason))
	if s.cb.OnClose != nil {
		s.cb.OnClose(code, reason)
	}
}

func (s *Socket) stopWriter() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})
}
