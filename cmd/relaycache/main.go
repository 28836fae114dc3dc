package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaycache/internal/connectivity"
	"github.com/agentworkforce/relaycache/internal/offlinesync"
	"github.com/agentworkforce/relaycache/internal/remote"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliApp carries the loaded configuration and logger between the root
// command hooks and the subcommands.
type cliApp struct {
	configFile string
	cfg        config
	logger     *log.Logger
	logCloser  io.Closer
	closers    []io.Closer
}

func newRootCmd() *cobra.Command {
	app := &cliApp{}
	root := &cobra.Command{
		Use:   "relaycache",
		Short: "Offline-first local cache with a durable sync queue",
		Long: `relaycache keeps a local copy of remote entities, queues mutations while
the remote is unreachable and replays them in order once it is back.`,
		SilenceUsage:       true,
		PersistentPreRunE:  app.load,
		PersistentPostRunE: app.close,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "config file (default: ./relaycache.yaml or ~/.config/relaycache/relaycache.yaml)")
	flags.String("data-dir", "", "directory for the default local stores")
	flags.String("remote-url", "", "remote API base URL")
	flags.String("remote-token", "", "bearer token for the remote API")
	flags.Duration("timeout", 0, "per-request timeout against the remote")
	flags.String("cache-dsn", "", "cache store DSN (memory://, file:, sqlite:, postgres://)")
	flags.String("oplog-dsn", "", "operation log DSN (memory://, file:, sqlite:, postgres://)")
	flags.String("log-file", "", "write logs to a rotating file instead of stderr")
	flags.String("schemas-dir", "", "directory of JSON schemas for mutation payloads")

	root.AddCommand(
		newRunCmd(app),
		newPutCmd(app),
		newGetCmd(app),
		newStatusCmd(app),
		newDrainCmd(app),
		newOpsCmd(app),
	)
	return root
}

func (a *cliApp) load(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger, a.logCloser = newLogger(cfg.LogFile)
	return nil
}

func (a *cliApp) close(*cobra.Command, []string) error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
	return firstErr
}

func (a *cliApp) remoteClient() *remote.HTTPClient {
	return remote.NewHTTPClient(a.cfg.RemoteURL, a.cfg.RemoteToken, &http.Client{Timeout: a.cfg.RemoteTimeout})
}

// newMonitor builds the connectivity monitor. Commands other than run probe
// once themselves; run also listens for link changes.
func (a *cliApp) newMonitor(client *remote.HTTPClient, withSignal bool) *connectivity.Monitor {
	opts := connectivity.Options{
		Prober:       client,
		PollInterval: a.cfg.PollInterval,
		ProbeTimeout: a.cfg.ProbeTimeout,
		Logger:       a.logger,
	}
	if withSignal && a.cfg.Netlink {
		signal, err := connectivity.NewNetlinkSignal()
		if err != nil {
			a.logger.Printf("netlink signal disabled: %v", err)
		} else {
			opts.Signal = signal
		}
	}
	return connectivity.NewMonitor(opts)
}

func (a *cliApp) openEngine(client *remote.HTTPClient, monitor *connectivity.Monitor) (*offlinesync.Engine, error) {
	cacheDSN, oplogDSN, err := a.cfg.storageDSNs()
	if err != nil {
		return nil, err
	}
	cache, err := offlinesync.BuildCacheStoreFromDSN(cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	a.closers = append(a.closers, cache)
	oplog, err := offlinesync.BuildOperationLogFromDSN(oplogDSN, a.cfg.OplogCapacity)
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	a.closers = append(a.closers, oplog)

	var schemas *offlinesync.PayloadSchemas
	if a.cfg.SchemasDir != "" {
		schemas, err = offlinesync.LoadPayloadSchemaDir(a.cfg.SchemasDir)
		if err != nil {
			return nil, fmt.Errorf("load payload schemas: %w", err)
		}
	}

	opts := offlinesync.Options{
		Cache:         cache,
		Log:           oplog,
		Remote:        client,
		Schemas:       schemas,
		Logger:        a.logger,
		MaxAttempts:   a.cfg.MaxAttempts,
		Concurrency:   a.cfg.Concurrency,
		DrainInterval: a.cfg.SyncInterval,
	}
	if monitor != nil {
		opts.Connectivity = monitor
	}
	return offlinesync.NewEngine(opts)
}

// openLocal opens the stores without a connectivity monitor, for commands
// that only read or queue.
func (a *cliApp) openLocal() (*offlinesync.Engine, error) {
	return a.openEngine(a.remoteClient(), nil)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
