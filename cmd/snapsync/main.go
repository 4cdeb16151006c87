package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/snapsync/snapsync/internal/audit"
	"github.com/snapsync/snapsync/internal/auth"
	"github.com/snapsync/snapsync/internal/config"
	"github.com/snapsync/snapsync/internal/export"
	"github.com/snapsync/snapsync/internal/reconcile"
	"github.com/snapsync/snapsync/internal/record"
	"github.com/snapsync/snapsync/internal/server"
	"github.com/snapsync/snapsync/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// sourceCLI tags reconciliations started by the sync command.
const sourceCLI = "cli"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "snapsync",
		Short: "SnapSync - snapshot reconciliation service",
		Long: `SnapSync converges stored collections to caller-supplied snapshots:
every record in a batch is upserted and everything outside the batch is deleted.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE:         runServer,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8080", "Listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("enable-tls", "", false, "Enable TLS")
	rootCmd.PersistentFlags().StringP("cert-file", "", "", "TLS certificate file")
	rootCmd.PersistentFlags().StringP("key-file", "", "", "TLS key file")
	rootCmd.PersistentFlags().StringP("storage-backend", "", "pebble", "Storage backend (memory, pebble, badger, sqlite, postgres, mongo)")

	rootCmd.AddCommand(newSyncCmd(), newExportCmd())
	return rootCmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting SnapSync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("SnapSync stopped")
	return nil
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile a collection against a JSON snapshot file",
		Long: `Reads a batch (a JSON array of records, or {"records": [...], "keep": [...], "keyField": "..."})
from --file ("-" for stdin) and reconciles it against the configured store.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().String("dataset", "", "Dataset name")
	cmd.Flags().String("collection", "", "Collection name")
	cmd.Flags().StringP("file", "f", "-", "Snapshot file, - for stdin")
	cmd.Flags().StringSlice("keep", nil, "Additional keys to retain (comma separated)")
	cmd.Flags().String("key-field", "", "Field holding the record key")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("collection")

	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel)

	dataset, _ := cmd.Flags().GetString("dataset")
	collection, _ := cmd.Flags().GetString("collection")
	file, _ := cmd.Flags().GetString("file")
	keep, _ := cmd.Flags().GetStringSlice("keep")
	keyField, _ := cmd.Flags().GetString("key-field")

	allowlist, err := auth.NewAllowlist(cfg.Auth.AllowedDatasets)
	if err != nil {
		return err
	}
	scope, err := allowlist.Check(dataset, collection)
	if err != nil {
		return err
	}

	batch, err := readBatchFile(cmd.InOrStdin(), file)
	if err != nil {
		return err
	}
	if keyField != "" {
		batch.KeyField = keyField
	}
	if cmd.Flags().Changed("keep") {
		if batch.Keep == nil {
			batch.Keep = []any{}
		}
		for _, k := range keep {
			batch.Keep = append(batch.Keep, k)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger := logrus.StandardLogger()
	driver, err := storage.Open(ctx, server.StorageOptions(cfg, logger))
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer driver.Close()

	var observers []reconcile.Observer
	if cfg.Audit.Enable {
		auditMgr, err := openAudit(cfg, logger)
		if err != nil {
			return err
		}
		defer auditMgr.Close()
		observers = append(observers, auditMgr)
	}

	engine := server.NewEngine(cfg, driver, logger, observers...)
	resolvedKey := record.ResolveKeyField(batch.KeyField, engine.DefaultKeyField())

	summary, err := engine.Reconcile(ctx, reconcile.Request{
		Scope:         scope,
		Records:       batch.Records,
		RetentionKeys: batch.Keep,
		KeyField:      batch.KeyField,
		RequestID:     uuid.NewString(),
		Source:        sourceCLI,
	})
	if summary != nil {
		if writeErr := writeJSON(cmd.OutOrStdout(), syncOutput{
			Dataset:    scope.Dataset,
			Collection: scope.Collection,
			KeyField:   resolvedKey,
			Summary:    *summary,
		}); writeErr != nil {
			return writeErr
		}
	}
	return err
}

type syncOutput struct {
	Dataset    string `json:"dataset"`
	Collection string `json:"collection"`
	KeyField   string `json:"keyField"`
	reconcile.Summary
}

func readBatchFile(stdin io.Reader, file string) (*reconcile.Batch, error) {
	if file == "-" {
		return reconcile.ReadBatch(stdin)
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()
	return reconcile.ReadBatch(f)
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Upload a collection snapshot to the configured S3 bucket",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}

	cmd.Flags().String("dataset", "", "Dataset name")
	cmd.Flags().String("collection", "", "Collection name")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("collection")

	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel)

	dataset, _ := cmd.Flags().GetString("dataset")
	collection, _ := cmd.Flags().GetString("collection")

	allowlist, err := auth.NewAllowlist(cfg.Auth.AllowedDatasets)
	if err != nil {
		return err
	}
	scope, err := allowlist.Check(dataset, collection)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger := logrus.StandardLogger()
	driver, err := storage.Open(ctx, server.StorageOptions(cfg, logger))
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer driver.Close()

	opts := export.Options{
		Driver:   driver,
		Uploader: export.NewS3Uploader(cfg.Export, logger),
		Bucket:   cfg.Export.Bucket,
		Prefix:   cfg.Export.Prefix,
		Logger:   logger,
	}
	if cfg.Audit.Enable {
		auditMgr, err := openAudit(cfg, logger)
		if err != nil {
			return err
		}
		defer auditMgr.Close()
		opts.Audit = auditMgr
	}

	exporter, err := export.New(opts)
	if err != nil {
		return err
	}
	result, err := exporter.Export(ctx, scope)
	if err != nil {
		return err
	}

	return writeJSON(cmd.OutOrStdout(), map[string]any{
		"bucket":  result.Bucket,
		"key":     result.Key,
		"records": result.Records,
		"bytes":   result.Bytes,
	})
}

func openAudit(cfg *config.Config, logger *logrus.Logger) (*audit.Manager, error) {
	store, err := audit.NewSQLiteStore(cfg.Audit.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return audit.NewManager(store, logger), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
