package runcmd

import (
	"context"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"calcrunner/internal/config"
	"calcrunner/internal/database"
	"calcrunner/internal/queue"
	"calcrunner/internal/store"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(serverCmd)
	Command.AddCommand(workerCmd)
	Command.AddCommand(janitorCmd)
}

func mustDatabase(conf *config.CRConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatalf("Could not migrate database: %v", err)
	}

	return db
}

func mustStore(conf *config.CRConfig) (store.Store, *sqlx.DB) {
	db := mustDatabase(conf)
	return store.NewPostgresStore(db), db
}

func mustQueue(conf *config.CRConfig) *queue.RedisClient {
	redis, err := queue.NewRedisClient(
		conf.Queue.Host,
		conf.Queue.Password,
		conf.Queue.DB,
		conf.Queue.HeartbeatIntervalSec,
		conf.Queue.PublishRetries,
	)
	if err != nil {
		log.Fatalf("Could not connect to redis queue: %v", err)
	}
	return redis
}
