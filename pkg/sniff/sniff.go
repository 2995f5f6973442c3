// Package sniff derives an audio content type from the leading bytes of a
// stream. It is used only when the caller has not configured one explicitly.
package sniff

import "github.com/gabriel-vasile/mimetype"

// Content types the recognizer accepts for sniffed audio.
const (
	TypeWAV     = "audio/wav"
	TypeFLAC    = "audio/flac"
	TypeOggOpus = "audio/ogg;codecs=opus"
	TypeWebM    = "audio/webm"
	TypeMP3     = "audio/mp3"
)

// prefixLen is how many leading bytes Detect needs at most. Callers holding a
// larger first chunk may pass it whole.
const prefixLen = 64

// Detect inspects the leading bytes of an audio stream and returns the
// matching content type. The second return value is false when the signature
// is not recognized; in that case no bytes should be sent to the service.
func Detect(prefix []byte) (string, bool) {
	if len(prefix) == 0 {
		return "", false
	}
	if len(prefix) > prefixLen {
		prefix = prefix[:prefixLen]
	}
	mt := mimetype.Detect(prefix)
	switch {
	case mt.Is("audio/wav") || mt.Is("audio/x-wav"):
		return TypeWAV, true
	case mt.Is("audio/flac") || mt.Is("audio/x-flac"):
		return TypeFLAC, true
	case mt.Is("application/ogg") || mt.Is("audio/ogg") || mt.Is("video/ogg"):
		// The service only accepts opus-in-ogg; vorbis streams are rejected
		// remotely with a descriptive error.
		return TypeOggOpus, true
	case mt.Is("video/webm") || mt.Is("audio/webm"):
		return TypeWebM, true
	case mt.Is("audio/mpeg") || mt.Is("audio/mp3"):
		return TypeMP3, true
	default:
		return "", false
	}
}
