package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// ReasonConnection covers transport failures: the socket could not be
	// established or dropped unexpectedly mid-stream.
	ReasonConnection ReasonCode = "connection"

	// ReasonProtocol covers malformed control frames and unexpected binary
	// frames received from the service.
	ReasonProtocol ReasonCode = "protocol"

	// ReasonContentType is raised before any network I/O when no content type
	// was configured and none could be detected from the first audio chunk.
	ReasonContentType ReasonCode = "content_type_undetermined"

	// ReasonRemote covers error conditions the service reported in-band.
	ReasonRemote ReasonCode = "remote"

	// ReasonAuth covers bearer-token acquisition failures.
	ReasonAuth ReasonCode = "auth"

	// ReasonSend covers outbound write failures on an established socket.
	ReasonSend ReasonCode = "send"
)
