package transform

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/memoproxy/memoproxy/internal/config"
)

func TestApplyBodyRules(t *testing.T) {
	spec := config.TransformSpec{
		Body: []config.TransformRule{
			{Field: "id", Template: "{{ body['id'] }}__{{ timestamp }}"},
		},
	}
	headers := make(http.Header)

	out := Apply(spec, "response", headers, []byte(`{"id":"abc","model":"gpt-4"}`))

	id := gjson.GetBytes(out, "id").String()
	if matched, _ := regexp.MatchString(`^abc__\d+$`, id); !matched {
		t.Errorf("expected id of the form abc__<digits>, got %q", id)
	}
	if model := gjson.GetBytes(out, "model").String(); model != "gpt-4" {
		t.Errorf("untouched field changed: %q", model)
	}
}

func TestApplyHeaderRulesSeeTransformedBody(t *testing.T) {
	// Header rules run after body rules and render against the already
	// transformed body state.
	spec := config.TransformSpec{
		Body: []config.TransformRule{
			{Field: "stamp", Template: "{{ timestamp }}"},
		},
		Headers: []config.TransformRule{
			{Field: "X-Stamp", Template: "{{ body['stamp'] }}"},
		},
	}
	headers := make(http.Header)

	out := Apply(spec, "response", headers, []byte(`{}`))

	stamp := gjson.GetBytes(out, "stamp").String()
	if stamp == "" {
		t.Fatal("body rule did not set the stamp field")
	}
	if got := headers.Get("X-Stamp"); got != stamp {
		t.Errorf("header rule saw %q, body has %q", got, stamp)
	}
}

func TestApplyNonJSONBodyPassesThrough(t *testing.T) {
	spec := config.TransformSpec{
		Body: []config.TransformRule{
			{Field: "id", Template: "{{ timestamp }}"},
		},
		Headers: []config.TransformRule{
			{Field: "X-Time", Template: "{{ timestamp }}"},
		},
	}
	headers := make(http.Header)
	original := []byte("<html>not json</html>")

	out := Apply(spec, "response", headers, original)

	if string(out) != string(original) {
		t.Errorf("non-JSON body was modified: %q", out)
	}
	// Header rules still run even when body rules are skipped.
	if headers.Get("X-Time") == "" {
		t.Error("header rule was not applied")
	}
}

func TestApplyRuleFailureIsIsolated(t *testing.T) {
	spec := config.TransformSpec{
		Body: []config.TransformRule{
			{Field: "broken", Template: "{{ body['missing'] }}"},
			{Field: "ok", Template: "{{ body['id'] }}"},
		},
	}
	headers := make(http.Header)

	out := Apply(spec, "response", headers, []byte(`{"id":"abc"}`))

	if gjson.GetBytes(out, "broken").Exists() {
		t.Error("failed rule must leave its field untouched")
	}
	if got := gjson.GetBytes(out, "ok").String(); got != "abc" {
		t.Errorf("rule after a failed one did not run: %q", got)
	}
}

func TestApplyEmptySpecIsNoOp(t *testing.T) {
	headers := make(http.Header)
	headers.Set("Content-Type", "application/json")
	original := []byte(`{"id":"abc"}`)

	out := Apply(config.TransformSpec{}, "request", headers, original)

	if string(out) != string(original) {
		t.Errorf("empty spec changed the body: %q", out)
	}
	if len(headers) != 1 {
		t.Errorf("empty spec changed the headers: %v", headers)
	}
}

func TestApplyRenderedValuesAreStrings(t *testing.T) {
	spec := config.TransformSpec{
		Body: []config.TransformRule{
			{Field: "count", Template: "{{ body['count'] }}"},
		},
	}

	out := Apply(spec, "response", make(http.Header), []byte(`{"count":3}`))

	// Numeric coercion is not performed; rendered values are strings.
	if raw := gjson.GetBytes(out, "count").Raw; raw != `"3"` {
		t.Errorf("expected the rendered value to be the string \"3\", got %s", raw)
	}
}
