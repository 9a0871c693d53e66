package transform

import (
	"bytes"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/memoproxy/memoproxy/internal/config"
)

// eventPrefix marks the payload lines of a server-sent-event stream.
const eventPrefix = "data: "

// isEventStream reports whether body looks like an event stream, i.e.
// at least one line carries the event prefix. Callers check whole-body
// JSON validity first, so a JSON body is never mistaken for a stream.
func isEventStream(body []byte) bool {
	for _, line := range bytes.Split(body, []byte("\n")) {
		if bytes.HasPrefix(line, []byte(eventPrefix)) {
			return true
		}
	}
	return false
}

// applyStream transforms an event stream line by line. Lines whose
// prefixed payload parses as JSON get every body rule applied with the
// line's 0-based index exposed to templates; all other lines (blank
// separators, sentinels like "data: [DONE]") are re-emitted verbatim.
// Output line count and order exactly match the input.
func applyStream(rules []config.TransformRule, stage string, headers http.Header, body []byte) []byte {
	lines := bytes.Split(body, []byte("\n"))
	now := time.Now()

	for i, line := range lines {
		if !bytes.HasPrefix(line, []byte(eventPrefix)) {
			continue
		}
		payload := line[len(eventPrefix):]
		if !gjson.ValidBytes(payload) {
			continue
		}

		for _, rule := range rules {
			ctx := Context{Now: now, Headers: headers, Body: payload, Index: i}
			rendered, err := Render(rule.Template, ctx)
			if err != nil {
				ruleFailed(stage, rule.Field, err)
				continue
			}
			next, err := sjson.SetBytes(payload, rule.Field, rendered)
			if err != nil {
				ruleFailed(stage, rule.Field, err)
				continue
			}
			payload = next
		}

		lines[i] = append([]byte(eventPrefix), payload...)
	}

	return bytes.Join(lines, []byte("\n"))
}
