package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Telemetry bundles the logger, tracer and metrics of one invocation.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config

	logCloser io.Closer
}

// New builds every telemetry component from cfg and installs the logger
// as the global zerolog logger.
func New(cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, closer, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetGlobal()

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &Telemetry{
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   metrics,
		Config:    cfg,
		logCloser: closer,
	}, nil
}

// Shutdown writes the metrics textfile when configured, flushes traces and
// closes the log output.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if path := t.Config.Metrics.TextfilePath; path != "" {
		if err := t.Metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.logCloser != nil {
		if err := t.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
