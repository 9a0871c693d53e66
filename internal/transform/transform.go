// Package transform rewrites headers and JSON body content with the
// template rules configured per target. Failures are isolated per
// rule: a rule that does not render is skipped and logged, the rest of
// the transform proceeds.
package transform

import (
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/memoproxy/memoproxy/internal/config"
	"github.com/memoproxy/memoproxy/internal/logging"
	"github.com/memoproxy/memoproxy/internal/metrics"
)

// Apply runs the body rules and then the header rules of spec for one
// injection point. The header set is modified in place; the
// (possibly) transformed body is returned. Header rules render against
// the already transformed body state. stage names the injection point
// in logs and metrics ("request" or "response").
func Apply(spec config.TransformSpec, stage string, headers http.Header, body []byte) []byte {
	body = applyBody(spec.Body, stage, headers, body)
	applyHeaders(spec.Headers, stage, headers, body)
	return body
}

func applyBody(rules []config.TransformRule, stage string, headers http.Header, body []byte) []byte {
	if len(rules) == 0 || len(body) == 0 {
		return body
	}

	if !gjson.ValidBytes(body) {
		if isEventStream(body) {
			return applyStream(rules, stage, headers, body)
		}
		logging.L.Info("Body is not JSON, skipping body transform rules", zap.String("stage", stage))
		return body
	}

	now := time.Now()
	for _, rule := range rules {
		ctx := Context{Now: now, Headers: headers, Body: body, Index: -1}
		rendered, err := Render(rule.Template, ctx)
		if err != nil {
			ruleFailed(stage, rule.Field, err)
			continue
		}
		next, err := sjson.SetBytes(body, rule.Field, rendered)
		if err != nil {
			ruleFailed(stage, rule.Field, err)
			continue
		}
		body = next
	}
	return body
}

func applyHeaders(rules []config.TransformRule, stage string, headers http.Header, body []byte) {
	if len(rules) == 0 {
		return
	}

	now := time.Now()
	for _, rule := range rules {
		ctx := Context{Now: now, Headers: headers, Body: body, Index: -1}
		rendered, err := Render(rule.Template, ctx)
		if err != nil {
			ruleFailed(stage, rule.Field, err)
			continue
		}
		headers.Set(rule.Field, rendered)
	}
}

func ruleFailed(stage, field string, err error) {
	logging.L.Warn("Transform rule failed, skipping",
		zap.String("stage", stage),
		zap.String("field", field),
		zap.Error(err),
	)
	metrics.TransformFailureCounter.WithLabelValues(stage).Inc()
}
