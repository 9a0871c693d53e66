package transform

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Context carries the variables a template may reference. Body holds
// the raw JSON of the whole body, or of the current line in streaming
// mode. Index is the 0-based line index in streaming mode and -1
// otherwise.
type Context struct {
	Now     time.Time
	Headers http.Header
	Body    []byte
	Index   int
}

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Render substitutes every {{ expr }} placeholder in template with its
// evaluated value. A single unresolvable placeholder fails the whole
// render so the caller can skip the rule and leave the original
// field untouched.
func Render(template string, ctx Context) (string, error) {
	var evalErr error
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-2])
		value, err := eval(expr, ctx)
		if err != nil && evalErr == nil {
			evalErr = err
		}
		return value
	})
	if evalErr != nil {
		return "", evalErr
	}
	return rendered, nil
}

func eval(expr string, ctx Context) (string, error) {
	switch {
	case expr == "timestamp":
		return strconv.FormatInt(ctx.Now.Unix(), 10), nil

	case expr == "index":
		if ctx.Index < 0 {
			return "", fmt.Errorf("index is only available in streaming mode")
		}
		return strconv.Itoa(ctx.Index), nil

	case strings.HasPrefix(expr, "body["):
		path, err := subscriptPath(strings.TrimPrefix(expr, "body"))
		if err != nil {
			return "", err
		}
		result := gjson.GetBytes(ctx.Body, path)
		if !result.Exists() {
			return "", fmt.Errorf("body has no field %q", path)
		}
		return result.String(), nil

	case strings.HasPrefix(expr, "headers["):
		name, err := subscriptPath(strings.TrimPrefix(expr, "headers"))
		if err != nil {
			return "", err
		}
		value := ctx.Headers.Get(name)
		if value == "" {
			return "", fmt.Errorf("header %q is not set", name)
		}
		return value, nil
	}

	return "", fmt.Errorf("unknown template reference %q", expr)
}

// subscriptPath converts a chain of ['a']['b'] subscripts into a
// dot-separated gjson path.
func subscriptPath(s string) (string, error) {
	var segments []string
	for s != "" {
		if !strings.HasPrefix(s, "[") {
			return "", fmt.Errorf("malformed subscript %q", s)
		}
		end := strings.Index(s, "]")
		if end < 0 {
			return "", fmt.Errorf("unterminated subscript %q", s)
		}
		segment := strings.TrimSpace(s[1:end])
		segment = strings.Trim(segment, `'"`)
		if segment == "" {
			return "", fmt.Errorf("empty subscript in %q", s)
		}
		segments = append(segments, segment)
		s = s[end+1:]
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("missing subscript")
	}
	return strings.Join(segments, "."), nil
}
