package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/pcfusion/aggregator"
	"go.viam.com/pcfusion/config"
	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/metrics"
	"go.viam.com/pcfusion/pubsub"
	"go.viam.com/pcfusion/recordio"
	"go.viam.com/pcfusion/referenceframe"
)

const loggerName = "pcaggregate"

// loadConfig reads the --config file, or returns the defaults when none is given.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.Path(generalFlagConfig)
	if path == "" {
		cfg := config.Default()
		if err := cfg.Ensure(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	cfg, err := config.Read(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	return cfg, nil
}

func newLogger(c *cli.Context, cfg *config.Config) logging.Logger {
	if cfg.Debug || c.Bool(generalFlagDebug) {
		return logging.NewDebugLogger(loggerName)
	}
	return logging.NewLogger(loggerName)
}

// newFrameBuffer returns a buffer holding the configured static frames.
func newFrameBuffer(cfg *config.Config, history time.Duration) (*referenceframe.Buffer, error) {
	buf := referenceframe.NewBuffer(history)
	for _, frame := range cfg.Frames {
		if err := buf.SetStatic(frame.Name, frame.Parent, frame.Transform()); err != nil {
			return nil, errors.Wrapf(err, "cannot add frame %q", frame.Name)
		}
	}
	return buf, nil
}

// RunAction runs the aggregator until the context is cancelled.
func RunAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(c, cfg)
	return runAggregator(c.Context, cfg, logger)
}

func runAggregator(ctx context.Context, cfg *config.Config, logger logging.Logger) (err error) {
	registry := logging.NewRegistry(logger.GetLevel())
	registry.Register(loggerName, logger)
	registry.UpdateConfig(cfg.Log, logger)
	sublogger := func(name string) logging.Logger {
		return registry.Register(loggerName+"."+name, logger.Sublogger(name))
	}

	poses, err := newFrameBuffer(cfg, 0)
	if err != nil {
		return err
	}

	var pipeline *metrics.Pipeline
	if cfg.Metrics != nil {
		var exporter *metrics.Exporter
		if exporter, err = metrics.NewPrometheusExporter(); err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, exporter.Shutdown(context.Background()))
		}()
		if pipeline, err = metrics.NewPipeline(exporter.MeterProvider()); err != nil {
			return err
		}
		stop := serveMetrics(cfg.Metrics.Address, exporter.Handler(), sublogger("metrics"))
		defer stop()
	}

	bus := pubsub.NewBus()
	defer func() {
		err = multierr.Combine(err, bus.Close())
	}()

	if cfg.Output != nil {
		var sink *recordio.FileSink
		if sink, err = recordio.NewFileSink(*cfg.Output, bus, cfg.OutputTopic, cfg.QueueSize, sublogger("sink")); err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, sink.Close())
		}()
	}

	agg, err := aggregator.New(*cfg, bus, poses, sublogger("aggregator"), aggregator.WithMetrics(pipeline))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, agg.Close())
	}()

	for _, input := range cfg.Inputs {
		var source *recordio.DirSource
		if source, err = recordio.NewDirSource(input, bus, sublogger("source")); err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, source.Close())
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// serveMetrics serves handler on address until the returned function is called.
func serveMetrics(address string, handler http.Handler, logger logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	goutils.PanicCapturingGo(func() {
		logger.Infow("serving metrics", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server failed", "error", err)
		}
	})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warnw("cannot stop metrics server", "error", err)
		}
	}
}
