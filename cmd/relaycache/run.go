package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaycache/internal/httpapi"
)

func newRunCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon and the local API",
		Long: `run watches connectivity, drains the operation log whenever the remote
is reachable and serves the local API, dashboard and event stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.runDaemon(ctx)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "", "listen address for the local API")
	flags.String("api-token", "", "bearer token required by the local API")
	flags.Int("max-attempts", 0, "transient failures before an operation is given up (0: never)")
	flags.Int("concurrency", 0, "entities replayed in parallel during a drain")
	flags.Duration("sync-interval", 0, "periodic drain interval")
	flags.Duration("poll-interval", 0, "connectivity poll interval")
	flags.Bool("netlink", false, "also probe on kernel link and address changes")
	return cmd
}

func (a *cliApp) runDaemon(ctx context.Context) error {
	client := a.remoteClient()
	monitor := a.newMonitor(client, true)
	engine, err := a.openEngine(client, monitor)
	if err != nil {
		return err
	}
	monitor.SetDrainer(engine)

	api := httpapi.NewServerWithConfig(engine, monitor, httpapi.ServerConfig{
		Token:  a.cfg.APIToken,
		Logger: a.logger,
	})
	defer api.Close()
	server := &http.Server{
		Addr:              a.cfg.APIAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return monitor.Run(groupCtx) })
	group.Go(func() error { return engine.Run(groupCtx) })
	group.Go(func() error {
		a.logger.Printf("relaycache listening on %s, remote %s", a.cfg.APIAddr, a.cfg.RemoteURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		api.Close()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	a.logger.Printf("relaycache stopping: %v", ctx.Err())
	return err
}
