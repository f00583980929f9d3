package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/chainstore/internal/app"
	"github.com/zzenonn/chainstore/internal/config"
	"github.com/zzenonn/chainstore/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chainstore-server",
	Short: "HTTP API and job driver for chainstore",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath, cmd)
		if err != nil {
			return fmt.Errorf("error loading configuration: %w", err)
		}
		logging.InitLogger(cfg)
		return serve(cfg)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to config.yaml")
	flags.String("log-level", "", "trace, debug, info, warn or error")
	flags.String("chain", "", "Chain backend: bitails or memory")
	flags.String("store", "", "Job store: dynamodb, postgres or memory")
	flags.String("network", "", "mainnet or testnet")
	flags.String("listen", "", "HTTP listen address")
}

func serve(cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.Build(cfg, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      NewRouter(a, reg),
		WriteTimeout: time.Second * 60,
		ReadTimeout:  time.Second * 60,
		IdleTimeout:  time.Second * 60,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Driver.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Infof("Listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
