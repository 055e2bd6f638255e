package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/roaming-simulator/internal/config"
	"github.com/signalsfoundry/roaming-simulator/internal/logging"
	"github.com/signalsfoundry/roaming-simulator/internal/observability"
	"github.com/signalsfoundry/roaming-simulator/internal/sim/runner"
)

// configFlags are the flags shared by run and config.
type configFlags struct {
	v    *viper.Viper
	file string
}

func addConfigFlags(cmd *cobra.Command) (*configFlags, error) {
	cf := &configFlags{v: config.New()}
	cmd.Flags().StringVarP(&cf.file, "config", "c", "", "YAML or JSON scenario file")
	if err := config.AddFlags(cf.v, cmd.Flags()); err != nil {
		return nil, err
	}
	return cf, nil
}

func (cf *configFlags) load() (config.Config, error) {
	cfg, err := config.Load(cf.v, cf.file)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	var realTime time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and print its summary",
		Args:  cobra.NoArgs,
	}
	cf, err := addConfigFlags(cmd)
	if err != nil {
		panic(err)
	}
	cmd.Flags().DurationVar(&realTime, "real-time", 0,
		"Pace the simulation against the wall clock with this tick (0 runs as fast as possible)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		// Do not output help message if we get this far.
		cmd.SilenceUsage = true

		cfg, err := cf.load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runSimulation(ctx, cfg, realTime, cmd.OutOrStdout(), cmd.ErrOrStderr())
	}
	return cmd
}

func runSimulation(ctx context.Context, cfg config.Config, realTime time.Duration, stdout, stderr io.Writer) error {
	log := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: stderr,
	})

	cfg.Tracing.Output = stderr
	shutdown, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	opts := []runner.Option{runner.WithLogger(log)}
	if realTime > 0 {
		opts = append(opts, runner.WithRealTime(realTime))
	}
	r, err := runner.New(cfg, opts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, r.MetricsHandler(), log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	res, err := r.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(stdout, res)
	return nil
}

func printSummary(w io.Writer, res runner.Result) {
	fmt.Fprintf(w, "run %s: %d trigger(s), %d roam(s), serving %s\n",
		res.RunID, len(res.Triggers), res.RoamCount(), res.Serving)
	for _, ev := range res.Roams {
		fmt.Fprintf(w, "  %8.3fs %-4s %s\n", ev.Time.Sub(res.Epoch).Seconds(), ev.Kind, ev.To)
	}
	if res.FirstRoam >= 0 {
		fmt.Fprintf(w, "first roam at %.3fs\n", res.FirstRoam.Seconds())
	}
	if res.DownlinkErr != nil {
		fmt.Fprintf(w, "downlink: %v\n", res.DownlinkErr)
	}
}

func serveMetrics(addr string, handler http.Handler, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
