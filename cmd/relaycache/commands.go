package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaycache/internal/offlinesync"
)

func newPutCmd(app *cliApp) *cobra.Command {
	var (
		data     string
		payload  string
		method   string
		endpoint string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Update the local copy of an entity and queue the mutation",
		Long: `put stores the snapshot given by --data as the local view of <id> and
queues the mutation for the remote. The payload defaults to the snapshot.
Use --data - to read the snapshot from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(endpoint) == "" {
				return errors.New("--endpoint is required")
			}
			snapshot, err := readJSONArg(cmd.InOrStdin(), data)
			if err != nil {
				return fmt.Errorf("--data: %w", err)
			}
			body := snapshot
			if payload != "" {
				if body, err = readJSONArg(cmd.InOrStdin(), payload); err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
			}
			engine, err := app.openLocal()
			if err != nil {
				return err
			}
			op, err := engine.Write(commandContext(cmd), args[0], snapshot, offlinesync.Mutation{
				TargetID: args[0],
				Method:   method,
				Endpoint: endpoint,
				Payload:  body,
			})
			if err != nil {
				return err
			}
			if !op.CachePersisted {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s queued but local copy not saved: %s\n", args[0], op.CacheError)
			}
			return writeOutput(cmd.OutOrStdout(), output, op)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "entity snapshot as JSON, or - for stdin")
	cmd.Flags().StringVar(&payload, "payload", "", "request body if it differs from the snapshot")
	cmd.Flags().StringVar(&method, "method", http.MethodPut, "HTTP method to replay (POST, PUT, PATCH, DELETE)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "remote endpoint path")
	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "output format (json|yaml)")
	return cmd
}

func newGetCmd(app *cliApp) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show the cached copy of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.openLocal()
			if err != nil {
				return err
			}
			entity, ok, err := engine.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", args[0], offlinesync.ErrNotFound)
			}
			return writeOutput(cmd.OutOrStdout(), output, entity)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "output format (json|yaml)")
	return cmd
}

type statusOutput struct {
	Summary  offlinesync.StatusSummary         `json:"summary"`
	Entities map[string]offlinesync.SyncStatus `json:"entities"`
}

func newStatusCmd(app *cliApp) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show sync status for one entity or for all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.openLocal()
			if err != nil {
				return err
			}
			tracker := engine.Tracker()
			if len(args) == 1 {
				status, err := tracker.Status(args[0])
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				return writeOutput(cmd.OutOrStdout(), output, map[string]any{"id": args[0], "status": status})
			}
			statuses, err := tracker.Statuses()
			if err != nil {
				return err
			}
			summary, err := tracker.Summary()
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, statusOutput{Summary: summary, Entities: statuses})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "output format (json|yaml)")
	return cmd
}

func newDrainCmd(app *cliApp) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Probe the remote and replay queued operations once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			client := app.remoteClient()
			monitor := app.newMonitor(client, false)
			engine, err := app.openEngine(client, monitor)
			if err != nil {
				return err
			}
			monitor.Probe(ctx)
			result := engine.Drain(ctx)
			if err := writeOutput(cmd.OutOrStdout(), output, result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("drain did not run: %s", result.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "output format (json|yaml)")
	return cmd
}

func newOpsCmd(app *cliApp) *cobra.Command {
	var (
		target string
		output string
	)
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "List queued operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := app.openLocal()
			if err != nil {
				return err
			}
			ops, err := engine.Operations()
			if err != nil {
				return err
			}
			if target != "" {
				filtered := ops[:0]
				for _, op := range ops {
					if op.TargetID == target {
						filtered = append(filtered, op)
					}
				}
				ops = filtered
			}
			if ops == nil {
				ops = []offlinesync.QueuedOperation{}
			}
			return writeOutput(cmd.OutOrStdout(), output, ops)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "only show operations for this entity id")
	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "output format (json|yaml)")
	return cmd
}

// readJSONArg returns raw as JSON, reading it from stdin when raw is "-".
func readJSONArg(stdin io.Reader, raw string) (json.RawMessage, error) {
	if raw == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("a JSON value is required")
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("not valid JSON")
	}
	return json.RawMessage(raw), nil
}
