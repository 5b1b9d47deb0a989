package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/memcompact/internal/compactor"
	"github.com/rcliao/memcompact/internal/logging"
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run compaction on an interval until interrupted",
		Run:   runWatch,
	}

	cmd.Flags().Duration("interval", 0, "Time between compaction checks (default from config)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9108")

	RootCmd.AddCommand(cmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	interval, _ := cmd.Flags().GetDuration("interval")
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if interval <= 0 {
		interval = cfg.Compaction.Interval
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	err := watch(ctx, interval, addr)
	stop()
	if err != nil {
		exitErr("watch", err)
	}
}

// watch opens the backends, then compacts every interval until ctx is done
// or the metrics server fails. The backends are closed before it returns.
func watch(ctx context.Context, interval time.Duration, addr string) error {
	s, err := openStore(ctx)
	if err != nil {
		return goerr.Wrap(err, "open store")
	}
	defer s.Close()
	c, closeCache := openCache()
	defer closeCache()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cp := newCompactor(c, s, compactor.WithMetrics(compactor.NewMetrics(reg)))

	return serveAndCompact(ctx, cp, reg, interval, addr)
}

func serveAndCompact(ctx context.Context, cp *compactor.Compactor, reg *prometheus.Registry, interval time.Duration, addr string) error {
	logger := logging.From(ctx)
	g, gctx := errgroup.WithContext(ctx)

	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return goerr.Wrap(err, "serve metrics", goerr.V("addr", addr))
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			tick(gctx, cp)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	logger.Info("watching cache pressure", "interval", interval)
	return g.Wait()
}

func tick(ctx context.Context, cp *compactor.Compactor) {
	logger := logging.From(ctx)
	rep, err := cp.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("compaction failed", "error", err)
		}
		return
	}
	if rep.Skipped != "" {
		logger.Debug("compaction skipped", "reason", rep.Skipped)
	}
}
