package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"attestation-ledger/config"
	"attestation-ledger/service"
	"attestation-ledger/storage"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
	cfg, err := config.Load()

	root := &cobra.Command{
		Use:           "attestation-ledger",
		Short:         "Offline attestation ledger with visual sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err != nil {
				return err
			}
			return cfg.Validate()
		},
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(
		serveCommand(&cfg),
		exportCommand(&cfg),
		importCommand(&cfg),
	)
	return root
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type kvStore interface {
	storage.KV
	Close() error
}

type fileStore struct{ *storage.FileStore }

func (fileStore) Close() error { return nil }

// openKV picks the postgres store when a DSN is configured and the file
// store otherwise.
func openKV(cfg *config.Config, log *zap.Logger) (kvStore, error) {
	if cfg.DBDsn != "" {
		store, err := storage.OpenPostgres(cfg.DBDsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		log.Info("using postgres store")
		return store, nil
	}
	store, err := storage.New(cfg.StorageDir, 3, log.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	log.Info("using file store", zap.String("dir", store.Dir()))
	return fileStore{store}, nil
}

// openService builds and loads the service. The returned cleanup saves and
// closes everything.
func openService(cfg *config.Config, log *zap.Logger, metrics *service.Metrics) (*service.AttestationService, func(), error) {
	kv, err := openKV(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	svc, err := service.New(service.Options{
		KV:               kv,
		Logger:           log,
		Metrics:          metrics,
		DeviceID:         cfg.DeviceID,
		SessionCacheSize: cfg.SessionCacheSize,
		ChunkInterval:    cfg.ChunkInterval,
	})
	if err != nil {
		kv.Close()
		return nil, nil, err
	}
	if err := svc.Load(); err != nil {
		kv.Close()
		return nil, nil, fmt.Errorf("failed to load state: %w", err)
	}

	cleanup := func() {
		if err := svc.Close(); err != nil {
			log.Error("failed to save state", zap.Error(err))
		}
		if err := kv.Close(); err != nil {
			log.Error("failed to close store", zap.Error(err))
		}
	}
	return svc, cleanup, nil
}
