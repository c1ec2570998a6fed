package cli

import (
	"context"

	"github.com/appleboy/graceful"
	"github.com/spf13/cobra"

	"syncbox/internal/api"
	"syncbox/internal/logger"
	"syncbox/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage server",
	Long:  `Start the HTTP server and the background maintenance scheduler.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	server := api.NewServer(cfg, store)
	sched := scheduler.New(store)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	if err := sched.Start(mainCtx); err != nil {
		return err
	}

	m := graceful.NewManager(graceful.WithContext(mainCtx))
	m.AddRunningJob(func(ctx context.Context) error {
		defer mainCancel()
		if err := server.Run(ctx); err != nil {
			logger.Error("server: %v", err)
			return err
		}
		return nil
	})
	m.AddShutdownJob(func() error {
		sched.Stop()
		return nil
	})

	<-m.Done()
	return nil
}
