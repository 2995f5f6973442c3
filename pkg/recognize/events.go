package recognize

// EventKind discriminates the session output union. There is exactly one
// output surface: no named listener registration, no legacy aliases.
type EventKind string

const (
	// EventOpen fires once when the transport is established and the
	// handshake has been sent.
	EventOpen EventKind = "open"

	// EventText carries concatenated final transcript text (default mode).
	EventText EventKind = "text"

	// EventResult carries one full structured result frame (structured mode).
	EventResult EventKind = "result"

	// EventError carries the terminal error. No further events follow
	// except the channel close.
	EventError EventKind = "error"

	// EventClose carries the transport close code and reason.
	EventClose EventKind = "close"
)

// Event is the tagged-union output of a streaming session. Exactly one of the
// payload fields is populated, selected by Kind.
type Event struct {
	Kind      EventKind
	RequestID string        // EventOpen
	Text      string        // EventText
	Result    *ResultsEvent // EventResult
	Err       error         // EventError
	Code      int           // EventClose
	Reason    string        // EventClose
}
