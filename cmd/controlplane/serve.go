package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

type ServeCmd struct {
	MetricsAddr string `help:"Prometheus listen address; overrides the configured one."`
	NoSchedule  bool   `help:"Do not start the schedule trigger."`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, g.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	resumed, err := a.engine.Resume(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("control plane started: %d instances resumed", resumed)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return a.dispatcher.Run(gctx, a.consumer) })
	grp.Go(func() error { return a.purge(gctx, g.Config.Store.PurgeInterval) })

	if g.Config.Schedule.Enabled && !c.NoSchedule {
		if err := a.trigger.Start(gctx); err != nil {
			return err
		}
		grp.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.trigger.Stop(sctx)
		})
	}

	addr := g.Config.Metrics.Addr
	if c.MetricsAddr != "" {
		addr = c.MetricsAddr
	}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		grp.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		grp.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = grp.Wait()
	if stderrors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info("control plane stopped")
	return err
}
