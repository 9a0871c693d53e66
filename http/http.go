package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/memoproxy/memoproxy/internal/cache"
	"github.com/memoproxy/memoproxy/internal/config"
	"github.com/memoproxy/memoproxy/internal/logging"
	"github.com/memoproxy/memoproxy/internal/metrics"
	"github.com/memoproxy/memoproxy/internal/proxy"
	"github.com/memoproxy/memoproxy/internal/storage"
)

var (
	help       bool   // Indicates whether to show the help or not
	configPath string // Path of config file
)

func init() {
	flag.BoolVar(&help, "help", false, "Show help")
	flag.StringVar(&configPath, "config", "", "The path of config file")

	// Parse the terminal flags
	flag.Parse()
}

func main() {
	// Usage Demo
	if help {
		flag.Usage()
		return
	}

	c := config.Load(configPath)

	// Initialize logging with configured level
	if err := logging.InitializeLogger(c.LogLevel); err != nil {
		logging.L.Fatal("Failed to initialize logger", zap.Error(err))
	}

	logging.L.Info("Logger initialized", zap.String("log_level", c.LogLevel))

	// Initialize the audit storage backend based on configuration
	var strg storage.Storage
	switch c.StorageType {
	case "stdout":
		strg = &storage.StdoutStorage{}
		logging.L.Info("Using stdout audit backend")
	case "elasticsearch":
		elasticConfig := elasticsearch.Config{
			Addresses:              c.Elasticsearch.Addresses,
			Username:               c.Elasticsearch.Username,
			Password:               c.Elasticsearch.Password,
			CloudID:                c.Elasticsearch.CloudID,
			APIKey:                 c.Elasticsearch.APIKey,
			ServiceToken:           c.Elasticsearch.ServiceToken,
			CertificateFingerprint: c.Elasticsearch.CertificateFingerprint,
		}
		es, err := elasticsearch.NewClient(elasticConfig)
		if err != nil {
			logging.L.Fatal("Error in connecting to Elasticsearch", zap.Error(err))
		}

		esInfo, err := es.Info()
		if err != nil {
			logging.L.Fatal("Error in getting info from Elasticsearch", zap.Error(err))
		}

		logging.L.Info("Connected to Elasticsearch", zap.String("info", esInfo.String()))
		strg = &storage.ElasticStorage{ES: es}
	default:
		logging.L.Fatal("Unknown storage type", zap.String("storage_type", c.StorageType))
	}

	jobs := make(chan Job, c.Worker.QueueSize)

	for i := uint(0); i < c.Worker.Count; i++ {
		go func() {
			for job := range jobs {
				job.Do()
			}
		}()
	}

	store := cache.NewStore(c.CacheDir)
	p := proxy.New(c, store, func(record storage.Record) {
		select {
		case jobs <- &auditJob{strg: strg, record: record}:
		default:
			logging.L.Warn("Audit queue is full, dropping record",
				zap.String("target", record.Target),
				zap.String("cache_key", record.CacheKey),
			)
		}
	})

	router := chi.NewRouter()
	router.HandleFunc("/{target}", p.Handle)
	router.HandleFunc("/{target}/*", p.Handle)

	srv := &http.Server{
		Addr:    c.Bind,
		Handler: router,
	}

	go func() {
		logging.L.Info("Starting HTTP server",
			zap.String("address", c.Bind),
			zap.String("cache_dir", c.CacheDir),
			zap.Int("targets", len(c.Targets)),
		)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server ListenAndServe Error: %v", err)
		}
	}()

	if c.Metrics.Enabled {
		go metrics.InitializeHTTP(c.Metrics.Bind)
	}

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt)
	<-sigint

	logging.L.Debug("Closing HTTP connections")
	if err := srv.Shutdown(context.Background()); err != nil {
		logging.L.Error("Error in shutting down the HTTP server", zap.Error(err))
	}

	logging.L.Info("HTTP server is shut down")
}

// Job is a unit of background work drained by the worker pool.
type Job interface {
	Do()
}

type auditJob struct {
	strg   storage.Storage
	record storage.Record
}

func (j *auditJob) Do() {
	if err := j.strg.Store(j.record); err != nil {
		logging.L.Error("Error in storing the audit record", zap.Error(err))
	}
}
