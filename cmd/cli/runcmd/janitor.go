package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"calcrunner/internal/config"
	"calcrunner/internal/janitor"
)

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Runs the maintenance process (history trimming, stale task recovery)",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running janitor process")
		conf := config.FromCobraCmd(cmd)
		zerolog.SetGlobalLevel(conf.ZerologLevel())

		st, db := mustStore(conf)
		rq := mustQueue(conf)

		ctx, cancel := context.WithCancel(context.Background())
		jan := janitor.New(st, rq)
		jan.Retention = time.Duration(conf.Janitor.RetentionHours) * time.Hour
		jan.StaleAfter = time.Duration(conf.Worker.TimeoutSec+3*conf.Queue.HeartbeatIntervalSec) * time.Second
		jan.MaxRetries = conf.Worker.MaxRetries
		jan.TimeoutSec = conf.Worker.TimeoutSec

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := rq.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
			}

			cancel()
			jan.Stop()
		}()

		if err := jan.Start(ctx, conf.Janitor.TrimCron); err != nil {
			log.Fatal().Err(err).Msg("Failed to start janitor")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
