package recognize

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/harunnryd/salin/pkg/errorsx"
)

const (
	actionStart = "start"
	actionStop  = "stop"

	stateListening = "listening"
)

// Alternative is one transcription hypothesis for a result.
type Alternative struct {
	Transcript     string  `json:"transcript"`
	Confidence     float64 `json:"confidence,omitempty"`
	Timestamps     [][]any `json:"timestamps,omitempty"`
	WordConfidence [][]any `json:"word_confidence,omitempty"`
}

// KeywordResult is one spotted-keyword occurrence.
type KeywordResult struct {
	NormalizedText string  `json:"normalized_text"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	Confidence     float64 `json:"confidence"`
}

// WordAlternativeResults holds word-level alternatives for a time span.
type WordAlternativeResults struct {
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`
	Alternatives []struct {
		Word       string  `json:"word"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
}

// Result is one partial or final transcription result.
type Result struct {
	Final            bool                       `json:"final"`
	Alternatives     []Alternative              `json:"alternatives"`
	KeywordsResult   map[string][]KeywordResult `json:"keywords_result,omitempty"`
	WordAlternatives []WordAlternativeResults   `json:"word_alternatives,omitempty"`
}

// SpeakerLabel attributes a time span to a speaker.
type SpeakerLabel struct {
	From       float64 `json:"from"`
	To         float64 `json:"to"`
	Speaker    int     `json:"speaker"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
}

// ResultsEvent is the structured-mode output payload: the service result
// frame, unfiltered.
type ResultsEvent struct {
	Results       []Result       `json:"results,omitempty"`
	ResultIndex   int            `json:"result_index"`
	SpeakerLabels []SpeakerLabel `json:"speaker_labels,omitempty"`
}

// FinalTranscript concatenates the first alternative of every final result.
// Interim results contribute nothing.
func (e *ResultsEvent) FinalTranscript() string {
	var b strings.Builder
	for _, r := range e.Results {
		if !r.Final || len(r.Alternatives) == 0 {
			continue
		}
		b.WriteString(r.Alternatives[0].Transcript)
	}
	return b.String()
}

// inboundFrame is the superset shape of service control frames. Exactly one
// of the branches is meaningful per frame.
type inboundFrame struct {
	State         string         `json:"state,omitempty"`
	Results       []Result       `json:"results,omitempty"`
	ResultIndex   *int           `json:"result_index,omitempty"`
	SpeakerLabels []SpeakerLabel `json:"speaker_labels,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func (f *inboundFrame) isListening() bool {
	return f.State == stateListening
}

func (f *inboundFrame) hasResults() bool {
	return len(f.Results) > 0 || len(f.SpeakerLabels) > 0
}

func (f *inboundFrame) toResultsEvent() *ResultsEvent {
	ev := &ResultsEvent{
		Results:       f.Results,
		SpeakerLabels: f.SpeakerLabels,
	}
	if f.ResultIndex != nil {
		ev.ResultIndex = *f.ResultIndex
	}
	return ev
}

// decodeInbound parses one text frame from the service. Anything that is not
// well-formed JSON is a protocol error.
func decodeInbound(data []byte) (*inboundFrame, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errorsx.Newf(errorsx.ReasonProtocol, "malformed control frame: %v", err)
	}
	return &frame, nil
}

// encodeHandshake serializes the opening control message.
func encodeHandshake(msg map[string]any) ([]byte, error) {
	return json.Marshal(msg)
}

func encodeStop() []byte {
	return []byte(`{"action":"` + actionStop + `"}`)
}
