package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/waftester/vulnassess/pkg/api"
	"github.com/waftester/vulnassess/pkg/cve"
	"github.com/waftester/vulnassess/pkg/hooks"
	"github.com/waftester/vulnassess/pkg/ui"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the assessment API",
		Long: "serve exposes the engine over HTTP: start, poll, stream, cancel and fetch\n" +
			"reports for assessments, plus /metrics and /healthz.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "Listen address")
	f.Bool("metrics", true, "Expose Prometheus metrics at /metrics")
	f.String("otlp-endpoint", "", "OTLP/gRPC collector for traces, e.g. localhost:4317")
	a.bind(f, "addr", "server.addr")
	a.bind(f, "metrics", "telemetry.metrics")
	a.bind(f, "otlp-endpoint", "telemetry.otlp_endpoint")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	d := hooks.NewDispatcher(hooks.Config{Logger: a.logger})
	defer d.Close()
	d.Register(hooks.NewLoggerHook(a.logger))

	var metrics http.Handler
	if a.cfg.Telemetry.Metrics {
		prom, err := hooks.NewPrometheusHook()
		if err != nil {
			return err
		}
		d.Register(prom)
		metrics = prom.Handler()
	}
	if t := a.cfg.Telemetry; t.OTLPEndpoint != "" {
		otel, err := hooks.NewOTelHook(hooks.OTelOptions{
			Endpoint:    t.OTLPEndpoint,
			ServiceName: t.ServiceName,
			Insecure:    t.Insecure,
		})
		if err != nil {
			return err
		}
		d.Register(otel)
	}

	runs, err := a.openHistory()
	if err != nil {
		return err
	}
	store := a.openCVEStore(ctx, d)
	eng, err := a.newEngine(store, runs, d)
	if err != nil {
		return err
	}
	profile, err := a.cfg.ScanProfile()
	if err != nil {
		return err
	}
	if a.cfg.CVE.FeedURL != "" {
		go a.refreshCVE(ctx, store, d)
	}

	srv := api.New(api.Options{
		Engine:          eng,
		Metrics:         metrics,
		StatusInterval:  a.cfg.Server.StatusInterval,
		DefaultProfile:  profile,
		ReadTimeout:     a.cfg.Server.ReadTimeout,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		Logger:          a.logger,
	})
	ui.PrintBanner(a.stderr)
	ui.PrintSuccess(a.stderr, "Listening on http://"+a.cfg.Server.Addr)

	serveErr := srv.ListenAndServe(ctx, a.cfg.Server.Addr)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("engine shutdown incomplete", slog.String("error", err.Error()))
	}
	return serveErr
}

// refreshCVE re-syncs the knowledge store whenever it has outlived its TTL.
// Failures leave the cache in place; the next tick retries.
func (a *app) refreshCVE(ctx context.Context, store *cve.Store, d *hooks.Dispatcher) {
	every := max(a.cfg.CVE.TTL/24, time.Minute)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if store.Expired() {
				_, _ = a.syncCVE(ctx, store, d)
			}
		}
	}
}
