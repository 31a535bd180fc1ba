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
	"calcrunner/internal/queue"
	"calcrunner/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a pool of worker processes",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")
		conf := config.FromCobraCmd(cmd)
		zerolog.SetGlobalLevel(conf.ZerologLevel())

		st, db := mustStore(conf)

		ctx, cancel := context.WithCancel(context.Background())

		// Each worker gets its own queue client: a client is a single
		// consumer with its own processing hash and heartbeat
		clients := make([]*queue.RedisClient, 0, conf.Worker.Count)
		errCh := make(chan error, conf.Worker.Count)
		for i := 0; i < conf.Worker.Count; i++ {
			rq := mustQueue(conf)
			clients = append(clients, rq)

			wrk := worker.New(st, rq)
			wrk.Timeout = time.Duration(conf.Worker.TimeoutSec) * time.Second
			wrk.BackoffBase = time.Duration(conf.Worker.BackoffBaseSec) * time.Second
			wrk.OpDelay = time.Duration(conf.Worker.OpDelaySec) * time.Second

			go func() {
				errCh <- wrk.Start(ctx)
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		defer func() {
			cancel()

			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			for _, rq := range clients {
				if err := rq.Close(); err != nil {
					log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
				}
			}
		}()

		select {
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				log.Fatal().Err(err).Msg("Worker ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}
