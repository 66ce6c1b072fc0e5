package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/ultrakipen/netcore"
)

func newWatchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Replay queued writes whenever connectivity returns",
		Long: `Run until interrupted. The queue is synced once at start and again on
every offline to online transition reported by the connectivity probe
(transport.probe_url). With metrics.enabled the Prometheus endpoint is
served on metrics.listen_addr at /metrics.`,
		Args:    cobra.NoArgs,
		PreRunE: c.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.watch(cmd.Context())
		},
	}
}

func (c *cli) watch(ctx context.Context) error {
	if _, err := c.queue(); err != nil {
		return err
	}
	unsubscribe := c.pipeline.Queue().OnSyncComplete(func(success bool, failed int) {
		c.logger.Info("offline queue synced", "success", success, "failed", failed)
	})
	defer unsubscribe()

	var wg conc.WaitGroup
	var srv *http.Server
	if c.cfg.Metrics.Enabled && c.pipeline.Metrics() != nil {
		srv = &http.Server{
			Addr:              c.cfg.Metrics.ListenAddr,
			Handler:           metricsHandler(c.pipeline.Metrics()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Go(func() {
			c.logger.Info("metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("metrics server stopped", "error", err)
			}
		})
	}

	if res, err := c.pipeline.SyncOfflineQueue(ctx); err != nil {
		c.logger.Warn("initial offline queue sync failed", "error", err)
	} else if res.Skipped {
		c.logger.Info("initial offline queue sync skipped")
	}

	<-ctx.Done()
	c.logger.Info("watch stopping")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("metrics server shutdown", "error", err)
		}
	}
	wg.Wait()
	return nil
}

// metricsHandler serves the collector's registry, or the default gatherer
// when the collector was built on a plain Registerer.
func metricsHandler(mc *netcore.MetricsCollector) http.Handler {
	mux := http.NewServeMux()
	if reg := mc.GetRegistry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}
