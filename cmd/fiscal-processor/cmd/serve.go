package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rezonia/fiscal-processor/internal/server"
)

var (
	serverAddr     string
	serverDebug    bool
	requestTimeout time.Duration
	maxUploadBytes int64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP API server for ingesting fiscal documents.

The API provides endpoints for:
  - POST /api/v1/documents/upload   - Ingest one document (multipart "file" or raw XML)
  - POST /api/v1/documents/batch    - Ingest several documents (multipart "files")
  - GET  /api/v1/documents          - List ingested documents
  - GET  /api/v1/documents/:chave   - Fetch a document by access key
  - GET  /api/v1/stats              - Ledger statistics
  - POST /api/v1/validate           - Validate without storing
  - POST /api/v1/verify             - Verify the XMLDSig signature
  - POST /api/v1/info               - Detect format and document type
  - GET  /api/v1/keys/:chave        - Decode an access key
  - GET  /api/v1/rates              - Active rate table
  - POST /api/v1/rates/reload       - Reload the rate table
  - GET  /metrics                   - Prometheus metrics
  - GET  /health                    - Health check

SIGHUP reloads the rate table; SIGINT and SIGTERM shut down gracefully.

Examples:
  # Start server with settings from .env
  fiscal-processor serve

  # Start on a custom port in debug mode
  fiscal-processor serve --address :9090 --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", "", "Server listen address (env: SERVER_ADDRESS)")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
	serveCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "Per-request processing timeout")
	serveCmd.Flags().Int64Var(&maxUploadBytes, "max-upload", server.DefaultMaxUploadBytes, "Maximum upload size in bytes")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	address := a.config.Server.Address
	if serverAddr != "" {
		address = serverAddr
	}

	config := &server.Config{
		Address:        address,
		ReadTimeout:    a.config.Server.ReadTimeout,
		WriteTimeout:   a.config.Server.WriteTimeout,
		RequestTimeout: requestTimeout,
		MaxUploadBytes: maxUploadBytes,
		Debug:          serverDebug,
		Logger:         a.logger,
	}
	srv := server.NewServer(config, a.pipeline)

	go a.reloadOnHangup(ctx)

	a.logger.Info("Starting server",
		zap.String("address", address),
		zap.String("storage", a.pipeline.Store().Backend()),
		zap.String("rates", a.pipeline.Rates().Version),
		zap.Bool("signature_verify", a.config.Pipeline.VerifySignature),
	)
	return srv.Run(ctx)
}

// reloadOnHangup reloads the rate table on every SIGHUP until ctx is done.
// A failed reload keeps the current table.
func (a *app) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			_, _ = a.pipeline.ReloadRates(ctx)
		}
	}
}
