package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/always-cache/cacheproxy"
	"github.com/always-cache/cacheproxy/cache"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	providerFlag       string
	dbFilenameFlag     string
	blobsFlag          string
	timeoutFlag        time.Duration
	logFilenameFlag    string
	verbosityTraceFlag bool

	// this is set by goreleaser
	version string
)

func init() {
	defaults := cacheproxy.DefaultConfig()
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 3000, "Port to listen on (overrides config)")
	flag.StringVar(&providerFlag, "provider", defaults.Storage.Provider, "Storage provider to use: sqlite or memory")
	flag.StringVar(&dbFilenameFlag, "db", defaults.Storage.DB, "Index DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&blobsFlag, "blobs", defaults.Storage.Blobs, "Directory for response bodies")
	flag.DurationVar(&timeoutFlag, "timeout", defaults.Origin.Timeout, "Origin request timeout")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	config := cacheproxy.DefaultConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = cacheproxy.LoadConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Cannot load config")
		}
	}
	applyFlags(&config)

	setupLogging(config.Log)

	c, err := openCache(config.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open cache")
	}

	proxy := cacheproxy.New(cacheproxy.Config{
		Cache:         c,
		OriginTimeout: config.Origin.Timeout,
		Param:         config.Param,
	})
	srv := &http.Server{
		Addr:    config.Listen,
		Handler: cacheproxy.NewRouter(proxy, log.Logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Msgf("Proxying requests on %s (provider %s)", srv.Addr, config.Storage.Provider)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if cerr := c.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("Could not close cache")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}

// applyFlags overrides the config with the flags given on the command line.
func applyFlags(config *cacheproxy.FileConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Listen = fmt.Sprintf(":%d", portFlag)
		case "provider":
			config.Storage.Provider = providerFlag
		case "db":
			config.Storage.DB = dbFilenameFlag
		case "blobs":
			config.Storage.Blobs = blobsFlag
		case "timeout":
			config.Origin.Timeout = timeoutFlag
		case "log-file":
			config.Log.File = logFilenameFlag
		case "vv":
			config.Log.Trace = verbosityTraceFlag
		}
	})
}

func setupLogging(config cacheproxy.LogConfig) {
	// set log level
	logLevel := zerolog.DebugLevel
	if config.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.File != "" {
		if logFileOutput, err := os.OpenFile(config.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

// openCache sets up the configured storage provider.
// The memory provider keeps entries in the index only, with bodies inline.
func openCache(config cacheproxy.StorageConfig) (*cache.Cache, error) {
	switch config.Provider {
	case "memory":
		return cache.New(cache.Config{})
	case "sqlite":
		if config.DB != "memory" {
			if err := os.MkdirAll(filepath.Dir(config.DB), 0755); err != nil {
				return nil, errors.Wrap(err, "create index directory")
			}
		}
		store, err := cache.NewSQLiteStore(config.DB)
		if err != nil {
			return nil, err
		}
		c, err := cache.New(cache.Config{Store: store, BlobRoot: config.Blobs})
		if err != nil {
			store.Close()
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Errorf("unsupported storage provider: %s", config.Provider)
	}
}
