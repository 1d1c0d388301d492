package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/j3t/pipeline-cache/internal/config"
	httpx "github.com/j3t/pipeline-cache/internal/http"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cache over HTTP and run scheduled eviction",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default :8080)")
	viper.BindPFlag(config.KeyListenAddr, serveCmd.Flags().Lookup("listen"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	c, err := current.cache()
	if err != nil {
		return err
	}
	sched, err := current.scheduler()
	if err != nil {
		return err
	}

	mux := httpx.NewMux(httpx.Routes{
		Cache:    httpx.NewHandler(c, current.metrics, current.logger),
		Evict:    &httpx.EvictHandler{Evictor: sched, Logger: current.logger},
		Gatherer: current.registry,
	})
	server := httpx.NewServer(current.cfg.ListenAddr, mux)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		current.logger.Info().Str("addr", server.Addr).Str("bucket", current.cfg.S3Bucket).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if current.cfg.SizeThreshold > 0 {
		g.Go(func() error {
			return sched.Start(ctx)
		})
	} else {
		current.logger.Info().Msg("no size threshold, scheduled eviction disabled")
	}
	return g.Wait()
}
