// Package proxy ties fingerprinting, the cache store, redaction and
// the transform engine together into the per-request hit/miss flow.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/memoproxy/memoproxy/internal/cache"
	"github.com/memoproxy/memoproxy/internal/config"
	"github.com/memoproxy/memoproxy/internal/fingerprint"
	"github.com/memoproxy/memoproxy/internal/logging"
	"github.com/memoproxy/memoproxy/internal/metrics"
	"github.com/memoproxy/memoproxy/internal/redact"
	"github.com/memoproxy/memoproxy/internal/storage"
	"github.com/memoproxy/memoproxy/internal/transform"
)

// hopByHopHeaders are dropped when replaying a response: the server
// stack recomputes framing, and a stored content-encoding no longer
// matches the decoded stored body.
var hopByHopHeaders = map[string]bool{
	"transfer-encoding": true,
	"content-length":    true,
	"content-encoding":  true,
	"connection":        true,
}

// Server handles all requests under /{target}/*.
type Server struct {
	cfg    *config.Config
	store  *cache.Store
	client *http.Client
	group  singleflight.Group
	audit  func(storage.Record)
}

// New creates a proxy server. audit receives one record per handled
// request and must not block; pass a no-op func to disable auditing.
func New(cfg *config.Config, store *cache.Store, audit func(storage.Record)) *Server {
	if audit == nil {
		audit = func(storage.Record) {}
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		client: &http.Client{},
		audit:  audit,
	}
}

// Handle resolves a request either from the cache or from the target's
// upstream. The fingerprint is computed over the original inbound
// request, before any request transform runs.
func (s *Server) Handle(writer http.ResponseWriter, req *http.Request) {
	started := time.Now()

	targetName := chi.URLParam(req, "target")
	target, ok := s.cfg.Targets[targetName]
	if !ok {
		http.Error(writer, "unknown target: "+targetName, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		logging.L.Error("Error in reading the request body",
			zap.String("target", targetName),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		)
		http.Error(writer, "failed to read request body", http.StatusBadRequest)
		return
	}

	key := fingerprint.Compute(req.Method, req.URL.Path, req.Header, s.cfg.IgnoreHeaders, body)

	if entry, ok := s.store.Get(key); ok {
		logging.L.Info("Cache hit",
			zap.String("target", targetName),
			zap.String("path", req.URL.Path),
			zap.String("key", string(key)),
		)
		metrics.CacheHitCounter.WithLabelValues(targetName).Inc()
		s.audit(storage.Record{
			Target:             targetName,
			Method:             req.Method,
			Path:               req.URL.Path,
			CacheStatus:        "hit",
			CacheKey:           string(key),
			UpstreamStatusCode: entry.Response.StatusCode,
			DurationMs:         time.Since(started).Milliseconds(),
		})
		s.respond(writer, target, &entry.Response)
		return
	}

	metrics.CacheMissCounter.WithLabelValues(targetName).Inc()

	// Concurrent identical misses share one upstream call; each caller
	// still applies the response transform to its own copy.
	result, err, _ := s.group.Do(string(key), func() (interface{}, error) {
		return s.fetchAndStore(targetName, target, key, req, body)
	})
	if err != nil {
		metrics.UpstreamErrorCounter.WithLabelValues(targetName).Inc()
		logging.L.Error("Upstream request failed",
			zap.String("target", targetName),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		)
		http.Error(writer, "upstream request failed", http.StatusBadGateway)
		return
	}
	stored := result.(*cache.ResponseRecord)

	s.audit(storage.Record{
		Target:             targetName,
		Method:             req.Method,
		Path:               req.URL.Path,
		CacheStatus:        "miss",
		CacheKey:           string(key),
		CachePath:          s.store.Path(key),
		UpstreamStatusCode: stored.StatusCode,
		DurationMs:         time.Since(started).Milliseconds(),
	})
	s.respond(writer, target, stored)
}

// fetchAndStore forwards the request to the target upstream and
// persists the exchange. The returned record holds the raw upstream
// response; transforms apply only to the copies sent to callers.
func (s *Server) fetchAndStore(targetName string, target config.Target, key fingerprint.Key, req *http.Request, body []byte) (*cache.ResponseRecord, error) {
	outHeaders := req.Header.Clone()
	outBody := transform.Apply(target.Request, "request", outHeaders, body)

	suffix := chi.URLParam(req, "*")
	upstreamURL := strings.TrimRight(target.URL, "/") + "/" + suffix
	if req.URL.RawQuery != "" {
		upstreamURL += "?" + req.URL.RawQuery
	}

	// The upstream call is detached from the client context: a client
	// that disconnects mid-forward still populates the cache for
	// future callers.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.UpstreamTimeout())
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL, bytes.NewReader(outBody))
	if err != nil {
		return nil, err
	}
	upstreamReq.Header = outHeaders

	t := prometheus.NewTimer(metrics.UpstreamReqDuration.WithLabelValues(targetName, req.Method))
	upstreamRes, err := s.client.Do(upstreamReq)
	t.ObserveDuration()
	if err != nil {
		return nil, err
	}
	defer func() { _ = upstreamRes.Body.Close() }()

	resBody, err := io.ReadAll(upstreamRes.Body)
	if err != nil {
		return nil, err
	}

	entry := &cache.Entry{
		Request: cache.RequestRecord{
			Method:  req.Method,
			Path:    req.URL.Path,
			Headers: redact.Headers(flattenHeaders(req.Header), s.cfg.MaskHeaders),
			Body:    string(body),
		},
		Response: cache.ResponseRecord{
			StatusCode: upstreamRes.StatusCode,
			Headers:    flattenHeaders(upstreamRes.Header),
			Content:    string(resBody),
		},
	}

	if err := s.store.Put(key, entry); err != nil {
		logging.L.Error("Error in persisting the cache entry",
			zap.String("target", targetName),
			zap.String("path", s.store.Path(key)),
			zap.Error(err),
		)
	} else {
		logging.L.Info("Cache miss, entry saved",
			zap.String("target", targetName),
			zap.String("key", string(key)),
			zap.String("path", s.store.Path(key)),
		)
	}

	return &entry.Response, nil
}

// respond replays a stored response: copies its headers minus the
// hop-by-hop set, applies the target's response transform to a fresh
// copy and writes the result. The stored record is never modified, so
// changing the transform spec changes future hits without
// invalidating the cache.
func (s *Server) respond(writer http.ResponseWriter, target config.Target, stored *cache.ResponseRecord) {
	headers := make(http.Header, len(stored.Headers))
	for name, value := range stored.Headers {
		if hopByHopHeaders[strings.ToLower(name)] {
			continue
		}
		headers.Set(name, value)
	}

	outBody := transform.Apply(target.Response, "response", headers, []byte(stored.Content))

	for name, values := range headers {
		for _, value := range values {
			writer.Header().Add(name, value)
		}
	}
	writer.WriteHeader(stored.StatusCode)
	if _, err := writer.Write(outBody); err != nil {
		logging.L.Warn("Error in writing the response to the client", zap.Error(err))
	}
}

// flattenHeaders lowercases names and joins multi-valued headers so
// the stored copy stays a flat, hand-editable JSON object.
func flattenHeaders(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for name, values := range h {
		m[strings.ToLower(name)] = strings.Join(values, ",")
	}
	return m
}
