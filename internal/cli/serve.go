package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/testforge/internal/engine"
	"github.com/lucasnoah/testforge/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored runs over a read-only HTTP API",
	Long: `Start an HTTP server on localhost exposing stored runs, their reports and
live progress as JSON and server-sent events.

Event and stage statistics endpoints need database.url; without it they
answer 503.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, store, err := localStore()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Close()

		database, err := openDB(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		var events web.EventLog
		if database != nil {
			defer database.Close()
			events = database
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		engine.NewMetrics(reg)

		log.Info("serving runs", "port", port, "store", store.BaseDir(), "database", database != nil)
		return web.NewServer(store, events, reg, port, log).Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
}
