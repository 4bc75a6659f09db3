package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/fieldsync/internal/connectivity"
	"github.com/angelmondragon/fieldsync/internal/scheduler"
	"github.com/angelmondragon/fieldsync/internal/syncengine"
	"github.com/angelmondragon/fieldsync/pkg/metrics"
)

type agentOptions struct {
	MetricsAddr string
}

func NewAgentCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Long-running device sync agent",
	}
	cmd.AddCommand(newAgentRunCommand(root))
	cmd.AddCommand(newAgentJobCommand(root))
	return cmd
}

func newAgentJobCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job <name>",
		Short: "Run one maintenance job now",
		Long:  "Run one maintenance job now (" + scheduler.JobSyncRetry + " or " + scheduler.JobConnectivityProbe + ").",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, root)
			if err != nil {
				return err
			}
			defer a.close()
			monitor, engine, err := newAgentParts(a)
			if err != nil {
				return err
			}
			jobs, err := newDeviceJobs(a, engine, monitor)
			if err != nil {
				return err
			}
			if err := jobs.RunJob(ctx, args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"job": args[0], "ok": true})
		},
	}
}

func newAgentRunCommand(root *RootOptions) *cobra.Command {
	opts := &agentOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch connectivity and flush queued work until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. 127.0.0.1:9108)")
	return cmd
}

func runAgent(ctx context.Context, root *RootOptions, opts *agentOptions) error {
	a, err := bootstrap(ctx, root)
	if err != nil {
		return err
	}
	defer a.close()
	ctx = a.logg.WithFields(ctx, map[string]any{
		"env":       a.cfg.App.Env,
		"device_id": a.cfg.Device.DeviceID,
		"remote":    a.cfg.Remote.BaseURL,
	})

	monitor, engine, err := newAgentParts(a)
	if err != nil {
		return err
	}
	engine.OnPause(func(cause error) {
		a.logg.Error(ctx, "sync paused after local storage failure", cause)
	})

	jobs, err := newDeviceJobs(a, engine, monitor)
	if err != nil {
		return err
	}

	a.logg.Info(ctx, "starting sync agent")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return jobs.Run(gctx) })
	if opts.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, a, opts.MetricsAddr) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logg.Error(ctx, "sync agent stopped unexpectedly", err)
		return err
	}
	a.logg.Info(ctx, "sync agent shutting down gracefully")
	return nil
}

func newAgentParts(a *app) (*connectivity.Monitor, *syncengine.Engine, error) {
	probe, err := connectivity.NewHTTPProbe(a.remote, a.cfg.Connectivity.ProbeInterval, a.cfg.Connectivity.ProbeTimeout)
	if err != nil {
		return nil, nil, err
	}
	monitor, err := connectivity.NewMonitor(connectivity.Options{
		Probe:               probe,
		Clock:               a.clock,
		Logger:              a.logg,
		Metrics:             a.metrics,
		StabilizationWindow: a.cfg.Connectivity.StabilizationWindow,
	})
	if err != nil {
		return nil, nil, err
	}
	engine, err := a.newEngine(syncengine.ServiceParams{
		Connectivity: monitor,
		Writes:       a.cache,
	})
	if err != nil {
		return nil, nil, err
	}
	return monitor, engine, nil
}

func newDeviceJobs(a *app, engine *syncengine.Engine, monitor *connectivity.Monitor) (*scheduler.Service, error) {
	retryJob, err := scheduler.NewSyncRetryJob(scheduler.SyncRetryJobParams{
		Logger:       a.logg,
		Engine:       engine,
		Connectivity: monitor,
		Queue:        a.queue,
		Media:        a.media,
		Clock:        a.clock,
	})
	if err != nil {
		return nil, err
	}
	probeJob, err := scheduler.NewProbeJob(monitor)
	if err != nil {
		return nil, err
	}
	return scheduler.NewService(scheduler.ServiceParams{
		Logger:   a.logg,
		Registry: scheduler.NewRegistry(retryJob, probeJob),
		Lock:     &scheduler.LocalLock{},
		Metrics:  metrics.NewJobMetrics(a.registry),
		Interval: a.cfg.Scheduler.Interval,
	})
}

func serveMetrics(ctx context.Context, a *app, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.logg.Info(a.logg.WithField(ctx, "addr", ln.Addr().String()), "serving agent metrics")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
