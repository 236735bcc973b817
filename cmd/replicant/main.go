package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/replicant-sync/replicant/internal/clientstore"
	"github.com/replicant-sync/replicant/internal/clientsync"
	"github.com/replicant-sync/replicant/internal/config"
	"github.com/replicant-sync/replicant/internal/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "replicant",
	Short: "Replicant offline-first document sync client",
	Long:  "replicant drives the client-side sync engine against a local embedded store and a replicant-server endpoint.",
}

func init() {
	rootCmd.AddCommand(runCmd, createCmd, updateCmd, deleteCmd, searchCmd)
}

func openStore(cfg config.ClientConfig) (*clientstore.Store, error) {
	logger, err := logging.New(logging.Config{Monitoring: cfg.Monitoring})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	store, err := clientstore.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open client store: %w", err)
	}
	return store, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine until interrupted, keeping the local store caught up with the server",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.ClientFromEnv()

	logger, err := logging.New(logging.Config{Monitoring: cfg.Monitoring})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	store, err := clientstore.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open client store: %w", err)
	}
	defer store.Close()

	engine := clientsync.New(store, clientsync.Config{
		ServerURL: cfg.ServerURL,
		Email:     cfg.Email,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go logLifecycleEvents(engine, logger)

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sync engine stopped: %w", err)
	}
	return nil
}

func logLifecycleEvents(engine *clientsync.Engine, logger *zap.Logger) {
	for ev := range engine.Events() {
		fields := []zap.Field{zap.String("kind", string(ev.Kind))}
		if ev.DocumentID != uuid.Nil {
			fields = append(fields, zap.String("document_id", ev.DocumentID.String()))
		}
		if ev.Err != nil {
			fields = append(fields, zap.Error(ev.Err))
		}
		logger.Info("sync event", fields...)
	}
}

var createCmd = &cobra.Command{
	Use:   "create <content.json>",
	Short: "Create a new document from a JSON file and queue it for sync",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg := config.ClientFromEnv()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.EnsureUserConfig(cmd.Context(), cfg.ServerURL); err != nil {
		return fmt.Errorf("ensure user config: %w", err)
	}

	content, err := readJSONFile(args[0])
	if err != nil {
		return err
	}

	engine := clientsync.New(store, clientsync.Config{ServerURL: cfg.ServerURL}, nil)
	doc, err := engine.CreateDocument(cmd.Context(), content)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	fmt.Println(doc.ID)
	return nil
}

var updateCmd = &cobra.Command{
	Use:   "update <document-id> <content.json>",
	Short: "Replace a document's content from a JSON file and queue the diff for sync",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpdate,
}

func runUpdate(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse document id: %w", err)
	}
	content, err := readJSONFile(args[1])
	if err != nil {
		return err
	}

	cfg := config.ClientFromEnv()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := clientsync.New(store, clientsync.Config{ServerURL: cfg.ServerURL}, nil)
	if err := engine.UpdateDocument(cmd.Context(), id, content); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Tombstone a document locally and queue the deletion for sync",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse document id: %w", err)
	}

	cfg := config.ClientFromEnv()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := clientsync.New(store, clientsync.Config{ServerURL: cfg.ServerURL}, nil)
	if err := engine.DeleteDocument(cmd.Context(), id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search locally cached documents via the full-text index",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg := config.ClientFromEnv()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	userCfg, err := store.GetUserConfig(cmd.Context())
	if err != nil {
		return fmt.Errorf("get user config: %w", err)
	}

	ids, err := store.Search(cmd.Context(), userCfg.UserID, args[0], searchLimit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func readJSONFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var content any
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("parse %s as json: %w", path, err)
	}
	return content, nil
}
