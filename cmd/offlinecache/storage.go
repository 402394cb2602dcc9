package main

import (
	"context"
	"database/sql"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/dynamodb"
	"github.com/dgduncan/go-offline-cache/caches/leveldb"
	"github.com/dgduncan/go-offline-cache/caches/local"
	"github.com/dgduncan/go-offline-cache/caches/postgres"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStorage builds the storage selected by the config. The closer releases
// whatever the storage holds open.
func openStorage(ctx context.Context, cfg Config) (offlinecache.Storage, io.Closer, error) {
	switch cfg.Storage.Driver {
	case driverLevelDB:
		c, err := leveldb.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil

	case driverPostgres:
		db, err := sql.Open("postgres", cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		c, err := postgres.New(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return c, db, nil

	case driverDynamoDB:
		var opts []func(*config.LoadOptions) error
		if cfg.Storage.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Storage.Region))
		}
		awsconfig, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		c, err := dynamodb.New(ctx, awsdynamodb.NewFromConfig(awsconfig), &dynamodb.Config{
			Table: cfg.Storage.Table,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, nopCloser{}, nil

	default:
		return local.NewBasicCache(), nopCloser{}, nil
	}
}
