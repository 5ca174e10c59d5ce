package stores

import (
	"context"
	"fmt"

	"collab-server/config"
	"collab-server/core"
	"collab-server/stores/aws"
	"collab-server/stores/filesystem"
	"collab-server/stores/git"
	"collab-server/stores/memory"
	"collab-server/stores/postgres"
	"collab-server/stores/redis"
	"collab-server/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore opens the snapshot backend selected by cfg.Type. Unknown types
// fall back to the in-memory store.
func GetStore(ctx context.Context, cfg config.Storage) (core.SnapshotStore, error) {
	storageField := logrus.Fields{
		"storage_type": cfg.Type,
	}

	var (
		store core.SnapshotStore
		err   error
	)
	switch cfg.Type {
	case "filesystem":
		storageField["base_path"] = cfg.LocalPath
		store, err = filesystem.NewDocumentStore(cfg.LocalPath)
	case "sqlite":
		storageField["data_source_name"] = cfg.DataSourceName
		storageField["cgo"] = sqlite.CGOEnabled
		store, err = sqlite.NewDocumentStore(cfg.DataSourceName)
	case "aws":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("storage type aws requires S3_BUCKET_NAME")
		}
		storageField["bucket"] = cfg.S3Bucket
		store, err = aws.NewDocumentStore(ctx, cfg.S3Bucket, cfg.S3Prefix)
	case "redis":
		store, err = redis.NewDocumentStore(cfg.RedisURL, cfg.RedisPrefix)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("storage type postgres requires DATABASE_URL")
		}
		store, err = postgres.NewDocumentStore(ctx, cfg.DatabaseURL)
	case "git":
		storageField["repos_dir"] = cfg.GitReposDir
		store, err = git.NewDocumentStore(cfg.GitReposDir)
	default:
		store = memory.NewDocumentStore()
		storageField["storage_type"] = "in-memory"
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Type, err)
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
