package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/api"
	"github.com/velotrace/collector/pkg/api/handlers"
	"github.com/velotrace/collector/pkg/config"
	"github.com/velotrace/collector/pkg/metrics"
	"github.com/velotrace/collector/pkg/storage"
	"github.com/velotrace/collector/pkg/storage/gridfs"
	"github.com/velotrace/collector/pkg/storage/local"
	"github.com/velotrace/collector/pkg/storage/metastore"
	s3backend "github.com/velotrace/collector/pkg/storage/s3"
	"github.com/velotrace/collector/pkg/upload"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the collector server",
	Long: `Start the collector with the specified configuration.

Examples:
  # Start with the default config location
  collector start

  # Start with a custom config file
  collector start --config /etc/collector/collector.yaml

  # Start with environment variable overrides
  COLLECTOR_LOGGING_LEVEL=DEBUG collector start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting collector", "version", Version, "storage", cfg.Storage.Type)

	client, err := connectMongo(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			logger.Warn("mongo disconnect failed", "error", err)
		}
	}()
	db := client.Database(cfg.Mongo.Database)

	backend, err := buildBackend(ctx, cfg, db)
	if err != nil {
		return err
	}

	stage, err := storage.NewStage(cfg.Upload.Folder)
	if err != nil {
		return err
	}
	svc := storage.NewService(stage, backend, cfg.Upload.PayloadLimit.Int64())

	sessions := upload.NewStore()
	loaded, err := upload.LoadSessions(cfg.Upload.Folder, sessions)
	if err != nil {
		return err
	}
	if loaded > 0 {
		logger.Info("restored pending upload sessions", "count", loaded)
	}

	var rec *metrics.Recorder
	if cfg.Metrics.Enabled {
		rec = metrics.NewRecorder()
		rec.SetActiveSessions(sessions.Len())
		metricsSrv := rec.NewServer(cfg.Metrics.Port)
		metricsSrv.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Stop(stopCtx); err != nil {
				logger.Warn("metrics server shutdown failed", "error", err)
			}
		}()
	}

	startJanitor(ctx, cfg, svc, sessions, rec)

	uploadHandler := handlers.NewUploadHandler(sessions, svc, rec, cfg.Upload.Folder, cfg.Server.Endpoint)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"mongo": func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		},
		"upload-folder": func(context.Context) error {
			_, err := os.Stat(cfg.Upload.Folder)
			return err
		},
	})

	router := api.NewRouter(cfg.Server.Endpoint, cfg.Server.RequestTimeout, uploadHandler, healthHandler)
	server := api.NewServer(cfg.Server, router)

	return server.Start(ctx)
}

func connectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}
	logger.Info("connected to mongodb", "database", cfg.Database)
	return client, nil
}

// buildBackend constructs the configured finalized-upload backend. The
// GridFS backend keeps metadata inside fs.files; the others share the
// metadata collection.
func buildBackend(ctx context.Context, cfg *config.Config, db *mongo.Database) (storage.Backend, error) {
	switch cfg.Storage.Type {
	case "gridfs":
		return gridfs.New(ctx, db)

	case "s3":
		s3cfg := s3backend.Config{
			Endpoint:        cfg.Storage.S3.Endpoint,
			Region:          cfg.Storage.S3.Region,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			Bucket:          cfg.Storage.S3.Bucket,
			KeyPrefix:       cfg.Storage.S3.KeyPrefix,
			PartSize:        cfg.Storage.S3.PartSize.Int64(),
			ForcePathStyle:  cfg.Storage.S3.ForcePathStyle,
		}
		client, err := s3backend.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return s3backend.New(ctx, client, metastore.New(db, cfg.Mongo.Collection), s3cfg)

	case "local":
		return local.New(ctx, cfg.Storage.Local.Folder, metastore.New(db, cfg.Mongo.Collection))

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// startJanitor wires the two expiry sweeps: temp files by modification
// age, and sessions by last touch. Both remove the session record and
// its on-disk file so a later chunk on the stale URL gets a 404.
func startJanitor(ctx context.Context, cfg *config.Config, svc *storage.Service, sessions *upload.Store, rec *metrics.Recorder) {
	dropSession := func(id string) {
		sessions.Remove(id)
		if err := upload.RemoveSessionFile(cfg.Upload.Folder, id); err != nil {
			logger.Warn("removing session file failed", "upload", id, "error", err)
		}
		rec.JanitorRemoval()
		rec.SetActiveSessions(sessions.Len())
	}

	svc.StartPeriodicCleaning(ctx, cfg.Upload.Expiration, dropSession)

	// Sessions that never received a byte have no temp file for the
	// sweep to age out; expire them off the in-memory store.
	go func() {
		ticker := time.NewTicker(cfg.Upload.Expiration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.Upload.Expiration)
				for _, s := range sessions.ExpiredBefore(cutoff) {
					if err := svc.Clean(ctx, s.ID); err != nil {
						logger.Warn("cleaning expired upload failed", "upload", s.ID, "error", err)
					}
					dropSession(s.ID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
