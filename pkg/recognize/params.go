package recognize

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/harunnryd/salin/pkg/logging"
)

// DefaultModel is applied when neither a model nor a customization id is
// configured.
const DefaultModel = "en-US_BroadbandModel"

// queryAllowList names the only settings forwarded as URL query parameters,
// in emission order. Everything else is silently dropped so unsupported
// control fields never leak into the wire URL.
var queryAllowList = []string{
	"model",
	"X-Watson-Learning-Opt-Out",
	"watson-token",
	"language_customization_id",
	"customization_id",
	"acoustic_customization_id",
	"access_token",
	"base_model_version",
	"x-watson-metadata",
}

// handshakeAllowList names the only settings forwarded inside the opening
// control message. "action" is fixed by the builder, never caller-supplied.
var handshakeAllowList = []string{
	"customization_weight",
	"processing_metrics",
	"processing_metrics_interval",
	"audio_metrics",
	"inactivity_timeout",
	"timestamps",
	"word_confidence",
	"content-type",
	"interim_results",
	"keywords",
	"keywords_threshold",
	"max_alternatives",
	"word_alternatives_threshold",
	"profanity_filter",
	"smart_formatting",
	"speaker_labels",
	"grammar_name",
	"redaction",
}

// legacyNames maps deprecated setting names to their modern equivalents.
var legacyNames = []struct {
	old    string
	modern string
}{
	{"token", "watson-token"},
	{"content_type", "content-type"},
	{"X-WDC-PL-OPT-OUT", "X-Watson-Learning-Opt-Out"},
	{"customization_id", "language_customization_id"},
}

// Param is one ordered query key/value pair.
type Param struct {
	Key   string
	Value string
}

// ParamBuilder partitions recognition settings into URL query parameters and
// the opening control message. Deprecation diagnostics go through the
// injected logger, once per deprecated name per builder.
type ParamBuilder struct {
	logger *slog.Logger
	warned map[string]bool
}

func NewParamBuilder(logger *slog.Logger) *ParamBuilder {
	return &ParamBuilder{
		logger: logging.NewComponentLogger(logger, "param_builder"),
		warned: make(map[string]bool),
	}
}

// Normalize rewrites deprecated setting names in place. Each mapping moves
// the value only when the modern name is absent; the deprecated key is always
// removed. Applying Normalize twice yields the same map as applying it once.
func (b *ParamBuilder) Normalize(settings map[string]any) {
	for _, m := range legacyNames {
		v, ok := settings[m.old]
		if !ok {
			continue
		}
		delete(settings, m.old)
		if _, exists := settings[m.modern]; exists {
			continue
		}
		settings[m.modern] = v
		if !b.warned[m.old] {
			b.warned[m.old] = true
			b.logger.Warn("deprecated_setting_renamed",
				slog.String("deprecated", m.old),
				slog.String("replacement", m.modern))
		}
	}
}

// BuildQuery selects the query-parameter subset of settings, in allow-list
// order. A default model is applied when neither a model nor a customization
// id is present.
func (b *ParamBuilder) BuildQuery(settings map[string]any) []Param {
	b.Normalize(settings)
	params := make([]Param, 0, len(queryAllowList))
	for _, key := range queryAllowList {
		v, ok := settings[key]
		if !ok {
			continue
		}
		params = append(params, Param{Key: key, Value: formatValue(v)})
	}
	if !hasAnyKey(params, "model") &&
		!hasAnyKey(params, "language_customization_id") &&
		!hasAnyKey(params, "customization_id") {
		params = append([]Param{{Key: "model", Value: DefaultModel}}, params...)
	}
	return params
}

// BuildHandshake selects the control-message subset of settings and adds the
// fixed start action.
func (b *ParamBuilder) BuildHandshake(settings map[string]any) map[string]any {
	b.Normalize(settings)
	msg := map[string]any{"action": actionStart}
	for _, key := range handshakeAllowList {
		if v, ok := settings[key]; ok {
			msg[key] = v
		}
	}
	return msg
}

// encodeQuery renders params as a query string preserving their order.
// url.Values.Encode sorts keys alphabetically, which would break the
// allow-list ordering contract.
func encodeQuery(params []Param) string {
	var out []byte
	for i, p := range params {
		if i > 0 {
			out = append(out, '&')
		}
		out = append(out, url.QueryEscape(p.Key)...)
		out = append(out, '=')
		out = append(out, url.QueryEscape(p.Value)...)
	}
	return string(out)
}

func hasAnyKey(params []Param, key string) bool {
	for _, p := range params {
		if p.Key == key {
			return true
		}
	}
	return false
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
