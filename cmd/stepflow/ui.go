package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/metalagman/stepflow/internal/metrics"
	"github.com/metalagman/stepflow/internal/web"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func uiCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Serve the run history and process metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			l, closeFn, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			server, err := web.NewServer(l, metrics.New().Handler())
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			addr := fmt.Sprintf(":%d", port)
			log.Info().Msgf("Starting UI on http://localhost%s", addr)
			srv := &http.Server{Addr: addr, Handler: server.Routes(), ReadHeaderTimeout: 5 * time.Second}
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	return cmd
}
