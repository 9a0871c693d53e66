package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/zap"

	"github.com/memoproxy/memoproxy/internal/logging"
)

var defaultConfig = Config{
	Bind:                   "0.0.0.0:9999",
	LogLevel:               "info",
	CacheDir:               "~/.cache/memoproxy",
	MaskHeaders:            []string{"authorization"},
	IgnoreHeaders:          []string{"x-stainless-retry-count"},
	UpstreamTimeoutSeconds: 90,
	Metrics: metric{
		Enabled: true,
		Bind:    "0.0.0.0:9001",
	},
	StorageType: "stdout",
	Elasticsearch: Elasticsearch{
		Addresses:              []string{"::9200"},
		Username:               "",
		Password:               "",
		CloudID:                "",
		APIKey:                 "",
		ServiceToken:           "",
		CertificateFingerprint: "",
	},
	Worker: worker{
		Count:     10,
		QueueSize: 1024,
	},
	Targets: make(map[string]Target),
}

// Config represents the full memoproxy configuration.
type Config struct {
	Bind          string   `koanf:"bind"`
	LogLevel      string   `koanf:"log_level"` // Log level: "debug", "info", "warn", "error", "fatal"
	CacheDir      string   `koanf:"cache_dir"`
	MaskHeaders   []string `koanf:"mask_headers"`   // Header names masked in the stored request copy
	IgnoreHeaders []string `koanf:"ignore_headers"` // Header names excluded from the cache key

	UpstreamTimeoutSeconds uint `koanf:"upstream_timeout_seconds"`

	Metrics       metric        `koanf:"metrics"`
	StorageType   string        `koanf:"storage_type"` // Audit storage backend: "elasticsearch" or "stdout"
	Elasticsearch Elasticsearch `koanf:"elasticsearch"`
	Worker        worker        `koanf:"worker"`

	Targets map[string]Target `koanf:"targets"`
}

// Target is a named upstream reachable under the path prefix /<name>/.
type Target struct {
	URL      string        `koanf:"url"`
	Request  TransformSpec `koanf:"request"`
	Response TransformSpec `koanf:"response"`
}

// TransformSpec holds the ordered rewrite rules for one direction
// (outbound request or inbound response). Body rules run before
// header rules.
type TransformSpec struct {
	Headers []TransformRule `koanf:"transform_headers"`
	Body    []TransformRule `koanf:"transform_body"`
}

// TransformRule sets one header or one top-level JSON body field from
// a rendered template.
type TransformRule struct {
	Field    string `koanf:"field"`
	Template string `koanf:"template"`
}

type metric struct {
	Enabled bool   `koanf:"enabled"`
	Bind    string `koanf:"bind"`
}

type worker struct {
	Count     uint `koanf:"count"`
	QueueSize uint `koanf:"queue_size"`
}

// Elasticsearch represents the configuration of the Elasticsearch audit backend.
type Elasticsearch struct {
	Addresses              []string `koanf:"addresses"`
	Username               string   `koanf:"username"`
	Password               string   `koanf:"password"`
	CloudID                string   `koanf:"cloud_id"`
	APIKey                 string   `koanf:"api_key"`
	ServiceToken           string   `koanf:"service_token"`
	CertificateFingerprint string   `koanf:"certificate_fingerprint"`
}

// UpstreamTimeout returns the configured upstream timeout as a duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// Load reads and validates the config file located at path. This function
// will panic on errors.
func Load(path string) *Config {
	c, err := Parse(path)
	if err != nil {
		logging.L.Fatal("error in loading the config file", zap.String("path", path), zap.Error(err))
	}
	return c
}

// Parse reads the config file located at path, merges it over the
// defaults and validates the result.
func Parse(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading the default config: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading the config file: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshalling the config file: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	dir, err := expandHome(c.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("resolving cache_dir: %w", err)
	}
	c.CacheDir = dir

	return &c, nil
}

func (c *Config) validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target must be configured")
	}

	for name, target := range c.Targets {
		if target.URL == "" {
			return fmt.Errorf("target %q has no url", name)
		}
		u, err := url.Parse(target.URL)
		if err != nil {
			return fmt.Errorf("target %q has an invalid url: %w", name, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("target %q url must be absolute: %s", name, target.URL)
		}
		if err := validateRules(name, "request", target.Request); err != nil {
			return err
		}
		if err := validateRules(name, "response", target.Response); err != nil {
			return err
		}
	}

	switch c.StorageType {
	case "stdout", "elasticsearch":
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}

	return nil
}

func validateRules(target, direction string, spec TransformSpec) error {
	for _, rule := range append(append([]TransformRule{}, spec.Headers...), spec.Body...) {
		if rule.Field == "" {
			return fmt.Errorf("target %q: %s transform rule with empty field", target, direction)
		}
		if rule.Template == "" {
			return fmt.Errorf("target %q: %s transform rule %q with empty template", target, direction, rule.Field)
		}
	}
	return nil
}

func expandHome(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
}
