// Package profiling starts optional pprof and Pyroscope profilers.
package profiling

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
)

const pprofReadHeaderTimeout = 5 * time.Second

// Config selects which profilers run.
type Config struct {
	// PprofAddr enables the pprof server when set, e.g. "localhost:6060".
	PprofAddr string `env:"PPROF_ADDR" yaml:"pprof_addr"`
	// PyroscopeURL enables continuous profiling when set.
	PyroscopeURL string `env:"PYROSCOPE_SERVER_URL" yaml:"pyroscope_url"`
	// Environment tags the Pyroscope profiles.
	Environment string `env:"PYROSCOPE_ENVIRONMENT" yaml:"environment"`
}

// Profilers holds the running profilers.
type Profilers struct {
	pprofServer *http.Server
	pyroscope   *pyroscope.Profiler
}

// Start launches the profilers enabled in cfg. A zero Config starts nothing.
func Start(cfg Config, serviceName, version string, log logger.Logger) (*Profilers, error) {
	p := &Profilers{}

	if cfg.PprofAddr != "" {
		p.pprofServer = startPprof(cfg.PprofAddr, log)
	}

	if cfg.PyroscopeURL != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "north-cloud." + serviceName,
			ServerAddress:   cfg.PyroscopeURL,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
			Tags: map[string]string{
				"environment": cfg.Environment,
				"version":     version,
				"hostname":    hostname(),
				"go_version":  runtime.Version(),
			},
		})
		if err != nil {
			return p, fmt.Errorf("start pyroscope: %w", err)
		}
		p.pyroscope = profiler
		log.Info("Pyroscope continuous profiling started",
			logger.String("server", cfg.PyroscopeURL),
			logger.String("environment", cfg.Environment),
		)
	}

	return p, nil
}

func startPprof(addr string, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: pprofReadHeaderTimeout}
	go func() {
		log.Info("Starting pprof server", logger.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("pprof server failed", logger.Error(err))
		}
	}()
	return srv
}

// Stop shuts the profilers down.
func (p *Profilers) Stop() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.pprofServer != nil {
		errs = append(errs, p.pprofServer.Close())
	}
	if p.pyroscope != nil {
		errs = append(errs, p.pyroscope.Stop())
	}
	return errors.Join(errs...)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
