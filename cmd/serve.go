package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/echochat/echochat/internal/serve"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and websocket API",
	Long: `Expose conversations over HTTP for other front ends. Progress events
stream on /api/events as websocket messages. Set serve.token (or
ECHOCHAT_SERVE_TOKEN) to require a Bearer token.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Serve.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	if a.cfg.Serve.Token == "" {
		slog.Warn("serving without authentication", "addr", addr)
	}

	srv := serve.New(a.store, a.chat, a.bus, serve.Options{Token: a.cfg.Serve.Token, Logger: slog.Default()})
	fmt.Fprintf(os.Stderr, "Listening on http://%s\n", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
