package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/replicant-sync/replicant/internal/config"
	"github.com/replicant-sync/replicant/internal/conflict"
	"github.com/replicant-sync/replicant/internal/logging"
	"github.com/replicant-sync/replicant/internal/serverstore"
	"github.com/replicant-sync/replicant/internal/serversync"
	"github.com/replicant-sync/replicant/internal/session"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "replicant-server",
	Short: "Replicant sync server",
	Long:  "replicant-server runs the WebSocket sync endpoint and issues client credentials.",
}

func init() {
	rootCmd.AddCommand(serveCmd, generateCredentialsCmd)
}

var conflictStrategyFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server, listening for authenticated WebSocket connections",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&conflictStrategyFlag, "conflict-strategy", "",
		"conflict resolution strategy: Manual (default), LastWriteWins, FirstWriteWins, or MergeJson; overrides CONFLICT_STRATEGY")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.FromEnv()
	if conflictStrategyFlag != "" {
		cfg.ConflictStrategy = conflictStrategyFlag
	}

	logger, err := logging.New(logging.Config{Monitoring: cfg.Monitoring})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := serverstore.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open server store: %w", err)
	}
	defer store.Close()

	handler := &serversync.Handler{
		Store:            store,
		Registry:         session.NewRegistry(),
		Logger:           logger,
		ConflictStrategy: conflict.Strategy(cfg.ConflictStrategy),
	}
	syncServer := &serversync.Server{Handler: handler, Logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/ws", syncServer)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	if cfg.RunIntegrationTests {
		mux.HandleFunc("/test/reset", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Reset(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}

	httpServer := &http.Server{Addr: cfg.BindAddress, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("replicant-server listening", zap.String("bind_address", cfg.BindAddress))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

var generateCredentialsName string

var generateCredentialsCmd = &cobra.Command{
	Use:   "generate-credentials",
	Short: "Issue a new api_key/secret pair and store it in the server database",
	RunE:  runGenerateCredentials,
}

func init() {
	generateCredentialsCmd.Flags().StringVar(&generateCredentialsName, "name", "default", "label for the issued credential")
}

func runGenerateCredentials(cmd *cobra.Command, args []string) error {
	cfg := config.FromEnv()
	logger := logging.NewNop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := serverstore.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open server store: %w", err)
	}
	defer store.Close()

	apiKey := session.APIKeyPrefix + randomHex(16)
	secret := session.SecretPrefix + randomHex(32)

	if err := store.InsertCredential(ctx, apiKey, secret, generateCredentialsName); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	fmt.Printf("api_key: %s\napi_secret: %s\n", apiKey, secret)
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("replicant-server: read random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
