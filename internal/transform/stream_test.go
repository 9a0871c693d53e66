package transform

import (
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/memoproxy/memoproxy/internal/config"
)

func TestApplyStreamOrderAndCountPreserved(t *testing.T) {
	// Lines 0, 2 and 5 carry JSON payloads; the rest are separators and
	// sentinels that must pass through verbatim.
	input := strings.Join([]string{
		`data: {"id":"a"}`,
		``,
		`data: {"id":"b"}`,
		``,
		`data: [DONE]`,
		`data: {"id":"c"}`,
		``,
	}, "\n")
	spec := config.TransformSpec{
		Body: []config.TransformRule{
			{Field: "line", Template: "{{ index }}"},
		},
	}

	out := string(Apply(spec, "response", make(http.Header), []byte(input)))

	inLines := strings.Split(input, "\n")
	outLines := strings.Split(out, "\n")
	if len(outLines) != len(inLines) {
		t.Fatalf("line count changed: %d in, %d out", len(inLines), len(outLines))
	}

	transformed := map[int]bool{0: true, 2: true, 5: true}
	for i, line := range outLines {
		if !transformed[i] {
			if line != inLines[i] {
				t.Errorf("line %d must pass through verbatim: %q vs %q", i, line, inLines[i])
			}
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			t.Errorf("line %d lost its event prefix: %q", i, line)
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if got := gjson.Get(payload, "line").String(); got != strconv.Itoa(i) {
			t.Errorf("line %d: expected index %d in payload, got %q", i, i, got)
		}
	}
}

func TestApplyStreamPayloadFieldsPreserved(t *testing.T) {
	input := "data: {\"id\":\"a\",\"delta\":\"hello\"}\n\ndata: [DONE]"
	spec := config.TransformSpec{
		Body: []config.TransformRule{
			{Field: "id", Template: "{{ body['id'] }}__{{ index }}"},
		},
	}

	out := string(Apply(spec, "response", make(http.Header), []byte(input)))

	lines := strings.Split(out, "\n")
	payload := strings.TrimPrefix(lines[0], "data: ")
	if got := gjson.Get(payload, "id").String(); got != "a__0" {
		t.Errorf("expected id a__0, got %q", got)
	}
	if got := gjson.Get(payload, "delta").String(); got != "hello" {
		t.Errorf("untouched payload field changed: %q", got)
	}
	if lines[2] != "data: [DONE]" {
		t.Errorf("sentinel line changed: %q", lines[2])
	}
}

func TestIsEventStream(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "sse payload", body: "data: {\"id\":\"a\"}\n\ndata: [DONE]", want: true},
		{name: "plain text", body: "hello world", want: false},
		{name: "empty", body: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isEventStream([]byte(tt.body)); got != tt.want {
				t.Errorf("isEventStream(%q) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}

func TestApplyStreamRuleFailureLeavesLineIntact(t *testing.T) {
	input := `data: {"id":"a"}`
	spec := config.TransformSpec{
		Body: []config.TransformRule{
			{Field: "broken", Template: "{{ body['missing'] }}"},
		},
	}

	out := string(Apply(spec, "response", make(http.Header), []byte(input)))

	if out != input {
		t.Errorf("failed rule modified the line: %q", out)
	}
}
