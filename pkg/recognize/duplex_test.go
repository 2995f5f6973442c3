package recognize

import (
	"context"
	"encoding/binary"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/salin/pkg/errorsx"
	"github.com/harunnryd/salin/pkg/metrics"
)

func wavChunk(extra int) []byte {
	buf := make([]byte, 0, 44+extra)
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+extra))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 16000)
	buf = binary.LittleEndian.AppendUint32(buf, 32000)
	buf = binary.LittleEndian.AppendUint16(buf, 2)
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(extra))
	return append(buf, make([]byte, extra)...)
}

func newTestDuplex(opts Options, conn *fakeConn, requestID string) *Duplex {
	if opts.URL == "" {
		opts.URL = "wss://example.test/v1/recognize"
	}
	d := NewDuplex(opts)
	d.dial = fakeDialTo(conn, requestID)
	return d
}

// collectEvents drains the event channel until it closes.
func collectEvents(t *testing.T, d *Duplex) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-d.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func TestWriteBuffersUntilListening(t *testing.T) {
	conn := newFakeConn()
	d := newTestDuplex(Options{ContentType: "audio/l16;rate=16000"}, conn, "")
	ctx := context.Background()

	if err := d.Write(ctx, []byte("chunk-one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Write(ctx, []byte("chunk-two")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := conn.countBinary(); n != 0 {
		t.Fatalf("sent %d binary frames before readiness", n)
	}

	conn.injectText(`{"state":"listening"}`)
	waitFor(t, "buffered chunks flushed", func() bool { return conn.countBinary() == 2 })
	var audio []string
	for _, w := range conn.snapshot() {
		if w.kind == websocket.BinaryMessage {
			audio = append(audio, string(w.data))
		}
	}
	if audio[0] != "chunk-one" || audio[1] != "chunk-two" {
		t.Fatalf("chunks flushed out of order: %v", audio)
	}
}

func TestSniffedContentTypeReachesHandshake(t *testing.T) {
	conn := newFakeConn()
	var dialedURL string
	d := NewDuplex(Options{URL: "https://example.test/v1/recognize"})
	d.dial = func(ctx context.Context, urlStr string, header http.Header) (wsConn, *http.Response, error) {
		dialedURL = urlStr
		return conn, &http.Response{Header: http.Header{}}, nil
	}

	if err := d.Write(context.Background(), wavChunk(256)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "handshake write", func() bool { return len(conn.snapshot()) >= 1 })
	handshake := string(conn.snapshot()[0].data)
	if !strings.Contains(handshake, `"content-type":"audio/wav"`) {
		t.Fatalf("sniffed type missing from handshake: %s", handshake)
	}
	if !strings.HasPrefix(dialedURL, "wss://") {
		t.Fatalf("https endpoint not normalized to wss: %s", dialedURL)
	}
	if !strings.Contains(dialedURL, "model="+DefaultModel) {
		t.Fatalf("default model missing from url: %s", dialedURL)
	}
}

func TestUndeterminedContentTypeIsFatal(t *testing.T) {
	d := NewDuplex(Options{})
	dialed := false
	d.dial = func(context.Context, string, http.Header) (wsConn, *http.Response, error) {
		dialed = true
		return nil, nil, errorsx.New(errorsx.ReasonConnection, "must not dial")
	}

	err := d.Write(context.Background(), []byte("not audio at all, just text"))
	if !errorsx.HasReason(err, errorsx.ReasonContentType) {
		t.Fatalf("expected content-type reason, got %v (%s)", err, errorsx.Reason(err))
	}
	if dialed {
		t.Fatalf("transport dialed despite undetermined content type")
	}

	events := collectEvents(t, d)
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if !errorsx.HasReason(events[0].Err, errorsx.ReasonContentType) {
		t.Fatalf("unexpected terminal error %v", events[0].Err)
	}

	if err := d.Write(context.Background(), []byte("more")); err == nil {
		t.Fatalf("expected write rejection after session end")
	}
}

func TestTextModeEmitsFinalsOnly(t *testing.T) {
	conn := newFakeConn()
	d := newTestDuplex(Options{ContentType: "audio/wav"}, conn, "txn-9")

	if err := d.Write(context.Background(), wavChunk(64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.injectText(`{"state":"listening"}`)
	conn.injectText(`{"results":[{"final":false,"alternatives":[{"transcript":"hello "}]}],"result_index":0}`)
	conn.injectText(`{"results":[{"final":true,"alternatives":[{"transcript":"hello world","confidence":0.94}]}],"result_index":0}`)
	close(conn.inbound)

	events := collectEvents(t, d)
	var texts []string
	for _, ev := range events {
		if ev.Kind == EventText {
			texts = append(texts, ev.Text)
		}
	}
	if len(texts) != 1 || texts[0] != "hello world" {
		t.Fatalf("expected one final transcript, got %v", texts)
	}
	if events[0].Kind != EventOpen || events[0].RequestID != "txn-9" {
		t.Fatalf("expected open event first, got %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Kind != EventClose || last.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal close last, got %+v", last)
	}
}

func TestStructuredModePassesResultsThrough(t *testing.T) {
	conn := newFakeConn()
	d := newTestDuplex(Options{ContentType: "audio/wav", Structured: true}, conn, "")

	if err := d.Write(context.Background(), wavChunk(64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.injectText(`{"state":"listening"}`)
	conn.injectText(`{"results":[{"final":false,"alternatives":[{"transcript":"hel"}]},{"final":true,"alternatives":[{"transcript":"hello"}]}],"result_index":2}`)
	close(conn.inbound)

	var results []*ResultsEvent
	for _, ev := range collectEvents(t, d) {
		if ev.Kind == EventResult {
			results = append(results, ev.Result)
		}
	}
	if len(results) != 1 {
		t.Fatalf("expected one result event, got %d", len(results))
	}
	if len(results[0].Results) != 2 || results[0].ResultIndex != 2 {
		t.Fatalf("result frame mutated in transit: %+v", results[0])
	}
}

func TestWriteBlocksAboveWatermark(t *testing.T) {
	conn := newFakeConn()
	conn.writeGate = make(chan struct{}, 8)
	conn.writeGate <- struct{}{} // handshake
	conn.writeGate <- struct{}{} // first chunk

	d := newTestDuplex(Options{
		ContentType:  "audio/l16;rate=16000",
		Watermark:    8,
		PollInterval: 10 * time.Millisecond,
	}, conn, "")
	ctx := context.Background()

	if err := d.Write(ctx, []byte("first-chunk-data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.injectText(`{"state":"listening"}`)
	waitFor(t, "first chunk written", func() bool { return conn.countBinary() == 1 })

	sock := func() *Socket {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.socket
	}()

	// No gate token left: this chunk parks in the writer and holds the
	// buffered count above the watermark.
	if err := d.Write(ctx, []byte("second-chunk-blocks")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "buffered above watermark", func() bool { return sock.Buffered() >= 8 })

	done := make(chan error, 1)
	go func() { done <- d.Write(ctx, []byte("third-chunk-waits")) }()
	select {
	case err := <-done:
		t.Fatalf("write returned while above watermark: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	conn.writeGate <- struct{}{}
	conn.writeGate <- struct{}{}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked write failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("write never unblocked after drain")
	}

	waitFor(t, "all chunks written", func() bool { return conn.countBinary() == 3 })
	var audio []string
	for _, w := range conn.snapshot() {
		if w.kind == websocket.BinaryMessage {
			audio = append(audio, string(w.data))
		}
	}
	if audio[0] != "first-chunk-data" || audio[1] != "second-chunk-blocks" || audio[2] != "third-chunk-waits" {
		t.Fatalf("chunk order broken: %v", audio)
	}
}

func TestRemoteErrorEndsStream(t *testing.T) {
	conn := newFakeConn()
	d := newTestDuplex(Options{ContentType: "audio/wav"}, conn, "")

	if err := d.Write(context.Background(), wavChunk(64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.injectText(`{"error":"session timed out"}`)

	events := collectEvents(t, d)
	last := events[len(events)-1]
	if last.Kind != EventError || !errorsx.HasReason(last.Err, errorsx.ReasonRemote) {
		t.Fatalf("expected terminal remote error, got %+v", last)
	}
	if err := d.Write(context.Background(), []byte("late")); err == nil {
		t.Fatalf("expected write rejection after error")
	}
}

func TestFinishDrainsAndCloses(t *testing.T) {
	conn := newFakeConn()
	d := newTestDuplex(Options{ContentType: "audio/wav"}, conn, "")

	if err := d.Write(context.Background(), wavChunk(64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.injectText(`{"state":"listening"}`)
	waitFor(t, "audio flushed", func() bool { return conn.countBinary() == 1 })

	d.Finish()
	d.Finish()
	waitFor(t, "stop frame", func() bool { return conn.countStops() >= 1 })
	if got := conn.countStops(); got != 1 {
		t.Fatalf("expected one stop frame, got %d", got)
	}

	conn.injectText(`{"state":"listening"}`)
	events := collectEvents(t, d)
	last := events[len(events)-1]
	if last.Kind != EventClose || last.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected clean close after drain, got %+v", last)
	}
}

func TestFinishBeforeReadinessFlushesThenStops(t *testing.T) {
	conn := newFakeConn()
	d := newTestDuplex(Options{ContentType: "audio/wav"}, conn, "")

	if err := d.Write(context.Background(), wavChunk(64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	d.Finish()
	time.Sleep(50 * time.Millisecond)
	if got := conn.countStops(); got != 0 {
		t.Fatalf("stop frame sent before buffered audio, got %d", got)
	}

	conn.injectText(`{"state":"listening"}`)
	waitFor(t, "buffered audio and stop", func() bool {
		return conn.countBinary() == 1 && conn.countStops() == 1
	})
	audioAt, stopAt := -1, -1
	for i, w := range conn.snapshot() {
		switch {
		case w.kind == websocket.BinaryMessage:
			audioAt = i
		case strings.Contains(string(w.data), `"stop"`):
			stopAt = i
		}
	}
	if audioAt == -1 || stopAt < audioAt {
		t.Fatalf("stop frame must trail the audio on the wire (audio %d, stop %d)", audioAt, stopAt)
	}

	conn.injectText(`{"state":"listening"}`)
	events := collectEvents(t, d)
	last := events[len(events)-1]
	if last.Kind != EventClose || last.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected clean close after drain, got %+v", last)
	}
}

func TestTerminalEventSurvivesFullBuffer(t *testing.T) {
	conn := newFakeConn()
	d := newTestDuplex(Options{ContentType: "audio/wav", QueueSize: 1}, conn, "txn-7")

	if err := d.Write(context.Background(), wavChunk(64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Leave the open event undrained so the buffer is full when the error
	// arrives.
	waitFor(t, "open event buffered", func() bool { return len(d.events) == 1 })
	conn.injectText(`{"error":"session timed out"}`)

	events := collectEvents(t, d)
	if len(events) != 2 {
		t.Fatalf("expected open then error, got %+v", events)
	}
	if events[0].Kind != EventOpen || events[0].RequestID != "txn-7" {
		t.Fatalf("expected open event first, got %+v", events[0])
	}
	if events[1].Kind != EventError || !errorsx.HasReason(events[1].Err, errorsx.ReasonRemote) {
		t.Fatalf("expected terminal remote error, got %+v", events[1])
	}
}

func TestFinishBeforeFirstWrite(t *testing.T) {
	d := NewDuplex(Options{})
	d.Finish()

	events := collectEvents(t, d)
	if len(events) != 1 || events[0].Kind != EventClose {
		t.Fatalf("expected a single close event, got %+v", events)
	}
	if _, err := d.RequestID(context.Background()); err == nil {
		t.Fatalf("expected request id failure for a session that never opened")
	}
}

func TestRequestIDAfterOpen(t *testing.T) {
	conn := newFakeConn()
	d := newTestDuplex(Options{ContentType: "audio/wav"}, conn, "txn-123")

	if err := d.Write(context.Background(), wavChunk(64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := d.RequestID(ctx)
	if err != nil {
		t.Fatalf("request id: %v", err)
	}
	if id != "txn-123" {
		t.Fatalf("expected txn-123, got %q", id)
	}
}

func TestObserverRecordsSessionMetrics(t *testing.T) {
	conn := newFakeConn()
	obs := metrics.NewMemoryObserver()
	d := newTestDuplex(Options{ContentType: "audio/wav", Observer: obs}, conn, "")

	if err := d.Write(context.Background(), wavChunk(64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.injectText(`{"state":"listening"}`)
	waitFor(t, "audio flushed", func() bool { return conn.countBinary() == 1 })
	d.Finish()
	conn.injectText(`{"state":"listening"}`)
	collectEvents(t, d)

	if got := obs.ByName("recognize.chunk_sent"); len(got) != 1 {
		t.Fatalf("expected one chunk_sent event, got %d", len(got))
	}
	ends := obs.ByName("recognize.session_end")
	if len(ends) != 1 || ends[0].Tags["kind"] != string(EventClose) {
		t.Fatalf("unexpected session_end events %+v", ends)
	}
}
