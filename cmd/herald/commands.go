package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Herald/internal/agent"
	"github.com/CZERTAINLY/Herald/internal/controller"
	"github.com/CZERTAINLY/Herald/internal/log"
	"github.com/CZERTAINLY/Herald/internal/message"
	"github.com/CZERTAINLY/Herald/internal/model"
	"github.com/CZERTAINLY/Herald/internal/service"
	"github.com/CZERTAINLY/Herald/internal/state"
	"github.com/CZERTAINLY/Herald/internal/store"
	"github.com/CZERTAINLY/Herald/internal/zkclient"
)

var (
	flagRunnable string        // value of send --runnable
	flagTimeout  time.Duration // value of send/stop --timeout
	flagLimit    int           // value of runs --limit
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the configured runnables and supervise their runs",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var sendCmd = &cobra.Command{
	Use:   "send <run-id> <command> [key=value...]",
	Short: "Send a command to a run",
	Args:  cobra.MinimumNArgs(2),
	RunE:  doSend,
}

var stopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Stop a run and wait until it is gone",
	Args:  cobra.ExactArgs(1),
	RunE:  doStop,
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  doStatus,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List the run history",
	Args:  cobra.NoArgs,
	RunE:  doRuns,
}

var agentCmd = &cobra.Command{
	Use:    agent.AgentCommand + " -- <path> [args...]",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	// the agent is configured through its environment, not herald.yaml
	PersistentPreRunE: func(*cobra.Command, []string) error {
		slog.SetDefault(log.New(flagVerbose))
		return nil
	},
	RunE: doAgent,
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer disconnect(client)

	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			_ = db.Close()
		}()
	}

	launcher := agent.Launcher{
		Connect:        config.ZooKeeper.Connect,
		SessionTimeout: config.ZooKeeper.Timeout(),
		Verbose:        flagVerbose || (config.Service.Verbose != nil && *config.Service.Verbose),
	}
	supervisor, err := service.NewSupervisor(ctx, config, client, launcher, db)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func doSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID, err := model.ParseRunID(args[0])
	if err != nil {
		return err
	}
	options, err := parseOptions(args[2:])
	if err != nil {
		return err
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer disconnect(client)

	ctrl := controller.New(client, runID)
	command := message.NewCommand(args[1], options)
	sent := ctrl.SendCommand(command)
	if flagRunnable != "" {
		sent = ctrl.SendCommandTo(flagRunnable, command)
	}

	ctx, cancel := context.WithTimeout(ctx, flagTimeout)
	defer cancel()
	if _, err := sent.Get(ctx); err != nil {
		return fmt.Errorf("sending %s to %s: %w", command, runID, err)
	}
	fmt.Printf("%s: consumed %s\n", runID, command)
	return nil
}

func doStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID, err := model.ParseRunID(args[0])
	if err != nil {
		return err
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer disconnect(client)

	ctx, cancel := context.WithTimeout(ctx, flagTimeout)
	defer cancel()
	live, err := client.Exists(message.InstancePath(runID), nil).Get(ctx)
	if err != nil {
		return err
	}
	if live == nil {
		fmt.Printf("%s: not running\n", runID)
		return nil
	}

	st, err := controller.New(client, runID).StopAndWait(ctx)
	if err != nil {
		return fmt.Errorf("stopping %s: %w", runID, err)
	}
	fmt.Printf("%s: %s\n", runID, st)
	return nil
}

func doStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID, err := model.ParseRunID(args[0])
	if err != nil {
		return err
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer disconnect(client)

	node := state.StateNode{State: state.Unknown}
	data, err := client.GetData(message.StatePath(runID), nil).Get(ctx)
	switch {
	case errors.Is(err, zk.ErrNoNode):
		fmt.Printf("%s: no state published\n", runID)
	case err != nil:
		return err
	default:
		node, err = state.Decode(data.Data)
		if err != nil {
			return err
		}
	}
	live, err := client.Exists(message.InstancePath(runID), nil).Get(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "run\t%s\n", runID)
	_, _ = fmt.Fprintf(w, "state\t%s\n", node.State)
	_, _ = fmt.Fprintf(w, "live\t%t\n", live != nil)
	for _, e := range node.StackTrace {
		_, _ = fmt.Fprintf(w, "\tat %s\n", e)
	}

	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			_ = db.Close()
		}()
		row, err := store.Get(ctx, db, runID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			_, _ = fmt.Fprintf(w, "runnable\t%s\n", row.Runnable)
			_, _ = fmt.Fprintf(w, "started\t%s\n", row.Started.Format(time.RFC3339))
			if row.Finished != nil {
				_, _ = fmt.Fprintf(w, "finished\t%s\n", row.Finished.Format(time.RFC3339))
			}
			if row.Failure != nil {
				_, _ = fmt.Fprintf(w, "failure\t%s\n", *row.Failure)
			}
		}
	}
	return w.Flush()
}

func doRuns(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		return errors.New("service.db is not configured")
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := store.List(ctx, db, flagLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tRUNNABLE\tSTATE\tSTARTED\tFINISHED")
	for _, row := range rows {
		finished := "-"
		if row.Finished != nil {
			finished = row.Finished.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			row.RunID, row.Runnable, row.State, row.Started.Format(time.RFC3339), finished)
	}
	return w.Flush()
}

func doAgent(cmd *cobra.Command, args []string) error {
	cfg, err := agent.ParseEnv()
	if err != nil {
		return err
	}
	runnable := model.Runnable{
		Name: cfg.Runnable,
		Path: args[0],
		Args: args[1:],
	}
	if cfg.Timeout > 0 {
		timeout := cfg.Timeout.String()
		runnable.Timeout = &timeout
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := zkclient.New(cfg.Connect, zkclient.WithSessionTimeout(cfg.SessionTimeout))
	if _, err := client.StartAndWait(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Connect, err)
	}
	defer disconnect(client)

	a := agent.New(client, cfg.RunID, runnable.Name, agent.NewProcessWorker(runnable, os.Stdout))
	return a.Run(ctx)
}

func connect(ctx context.Context) (*zkclient.Client, error) {
	client := zkclient.New(config.ZooKeeper.Connect, zkclient.WithSessionTimeout(config.ZooKeeper.Timeout()))
	if _, err := client.StartAndWait(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", config.ZooKeeper.Connect, err)
	}
	return client, nil
}

func disconnect(client *zkclient.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), config.ZooKeeper.Timeout())
	defer cancel()
	if _, err := client.StopAndWait(ctx); err != nil {
		slog.Warn("disconnecting", "err", err)
	}
}

// openDB opens the run history, nil when service.db is not configured.
func openDB(ctx context.Context) (*sql.DB, error) {
	if config.Service.DB == nil {
		return nil, nil
	}
	return store.InitDB(ctx, *config.Service.DB)
}

func parseOptions(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	options := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid option %q, expected key=value", arg)
		}
		options[k] = v
	}
	return options, nil
}
