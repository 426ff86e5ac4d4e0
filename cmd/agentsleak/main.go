// Command agentsleak runs the AgentsLeak monitor: the collector that agent
// hooks report to, the detection engine, and the dashboard API.
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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/IngaCherny/AgentsLeak/internal/api"
	"github.com/IngaCherny/AgentsLeak/internal/config"
	"github.com/IngaCherny/AgentsLeak/internal/engine"
	"github.com/IngaCherny/AgentsLeak/internal/logging"
	"github.com/IngaCherny/AgentsLeak/internal/store"
	"github.com/IngaCherny/AgentsLeak/internal/websocket"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "agentsleak",
		Short:         "Runtime security monitor for AI coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("agentsleak exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
	})
	log.Info().Str("version", Version).Msg("Starting AgentsLeak")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	engine.SeedDefaultPolicies(st)
	if _, err := engine.SeedCustomRules(st, cfg.RulesPath); err != nil {
		return err
	}

	hub := websocket.NewHub()
	eng := engine.New(st, hub)
	eng.Start(ctx)
	defer eng.Stop()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewServer(cfg, st, eng, hub).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// A missing or unwatchable rules file disables hot reload, nothing more.
		if err := engine.WatchRules(ctx, st, eng, cfg.RulesPath); err != nil {
			log.Warn().Err(err).Msg("Rules file watching disabled")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
