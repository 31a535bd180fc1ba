package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"calcrunner/internal/api"
	"calcrunner/internal/config"
	"calcrunner/internal/revoker"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Runs the API webserver",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running API server process")
		conf := config.FromCobraCmd(cmd)
		zerolog.SetGlobalLevel(conf.ZerologLevel())

		st, db := mustStore(conf)
		rq := mustQueue(conf)

		ctx, cancel := context.WithCancel(context.Background())
		server := api.New(ctx, st, rq, revoker.New(st, rq), &api.Config{
			Host:       conf.Server.Host,
			Port:       conf.Server.Port,
			MaxRetries: conf.Worker.MaxRetries,
			TimeoutSec: conf.Worker.TimeoutSec,
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Run()
		}()

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := rq.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
			}
		}()

		select {
		case err := <-errCh:
			cancel()
			if err != nil {
				log.Fatal().Err(err).Msg("Server ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			cancel()
			<-errCh
		}
	},
}
