package storage

// Record defines the structure of audit records describing how each
// proxied request was resolved
type Record struct {
	Target             string `json:"target"`
	Method             string `json:"method"`
	Path               string `json:"path"`                 // Full inbound path including the target prefix
	CacheStatus        string `json:"cache_status"`         // "hit" or "miss"
	CacheKey           string `json:"cache_key"`
	CachePath          string `json:"cache_path,omitempty"` // Resolved cache entry file, set on save
	UpstreamStatusCode int    `json:"upstream_status_code"`
	DurationMs         int64  `json:"duration_ms"`
}
