package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcin-skalski/p4desk/internal/config"
	"github.com/marcin-skalski/p4desk/internal/desk"
	"github.com/marcin-skalski/p4desk/internal/logging"
	"github.com/marcin-skalski/p4desk/internal/p4"
	"github.com/marcin-skalski/p4desk/internal/reconcile"
)

const defaultConfigPath = "config.yaml"

// errFailed marks a command whose Result was printed but not successful.
var errFailed = errors.New("operation failed")

type app struct {
	configPath string
	client     string
	logLevel   string
	verbose    bool

	desk   *desk.Desk
	logger *slog.Logger
	closer io.Closer
}

func main() {
	a := &app{}
	root := a.rootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if a.closer != nil {
		_ = a.closer.Close()
	}
	if err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "p4desk",
		Short:         "Perforce workspace companion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", defaultConfigPath, "path to config file")
	f.StringVarP(&a.client, "client", "c", "", "workspace to use (overrides config and P4CLIENT)")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.BoolVarP(&a.verbose, "verbose", "v", false, "also log to stderr")

	root.AddCommand(
		a.infoCommand(),
		a.workspacesCommand(),
		a.changesCommand(),
		a.historyCommand(),
		a.describeCommand(),
		a.openedCommand(),
		a.diffCommand(),
		a.annotateCommand(),
		a.reconcileCommand(),
		a.graphCommand(),
		a.streamCommand(),
		a.usersCommand(),
		a.newChangeCommand(),
		a.submitCommand(),
		a.revertCommand(),
		a.shelveCommand(),
		a.unshelveCommand(),
		a.reopenCommand(),
		a.syncCommand(),
		a.reviewCommand(),
		a.watchCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	if a.client != "" {
		cfg.P4.Client = a.client
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, closer, err := logging.Setup(logging.Options{
		File:  cfg.LogFile,
		Level: cfg.Log.Level,
		Quiet: !a.verbose,
	})
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	a.logger, a.closer = logger, closer

	runner := p4.NewExec(p4.ExecConfig{
		Binary:  cfg.P4.Binary,
		Port:    cfg.P4.Port,
		User:    cfg.P4.User,
		Charset: cfg.P4.Charset,
	}, logger)
	a.desk = desk.New(cfg, runner, logger)
	logger.Debug("p4desk starting", "command", cmd.Name(), "config", a.configPath, "workspace", cfg.P4.Client)
	return nil
}

// loadConfig reads the config file. A missing file at the default path means
// defaults; an explicitly named file must exist.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, err
}

// emit prints res as indented JSON and turns failure into errFailed.
func emit[T any](cmd *cobra.Command, res desk.Result[T]) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if !res.Success {
		return errFailed
	}
	return nil
}

func changeArg(s string) (int, error) {
	if s == "default" {
		return p4.DefaultChange, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid changelist %q", s)
	}
	return n, nil
}

func (a *app) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show user, workspace and server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, a.desk.Info(cmd.Context()))
		},
	}
}

func (a *app) workspacesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workspaces",
		Short: "List your workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, a.desk.Workspaces(cmd.Context()))
		},
	}
}

func (a *app) changesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "changes",
		Short: "List pending changelists, including the default one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, a.desk.PendingChanges(cmd.Context()))
		},
	}
}

func (a *app) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [path]",
		Short: "List submitted changelists",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return emit(cmd, a.desk.History(cmd.Context(), path, limit))
		},
	}
	cmd.Flags().IntVarP(&limit, "max", "m", 50, "maximum number of changelists")
	return cmd
}

func (a *app) describeCommand() *cobra.Command {
	var shelved bool
	cmd := &cobra.Command{
		Use:   "describe <change>",
		Short: "Show a changelist with a unified diff of every file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := changeArg(args[0])
			if err != nil {
				return err
			}
			return emit(cmd, a.desk.Describe(cmd.Context(), n, shelved))
		},
	}
	cmd.Flags().BoolVar(&shelved, "shelved", false, "describe the shelved files")
	return cmd
}

func (a *app) openedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "opened",
		Short: "List open and shelved files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, a.desk.FileStatuses(cmd.Context()))
		},
	}
}

func (a *app) diffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <depot-path>",
		Short: "Diff an open or shelved file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, a.desk.FileDiff(cmd.Context(), args[0]))
		},
	}
}

func (a *app) annotateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "annotate <path>",
		Short: "Show the changelist and author of every line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, a.desk.Annotate(cmd.Context(), args[0]))
		},
	}
}

func (a *app) reconcileCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "reconcile [paths...]",
		Short: "Open local changes made outside Perforce",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := reconcile.ModeSmart
			if full {
				mode = reconcile.ModeFull
			}
			stderr := cmd.ErrOrStderr()
			sink := reconcile.SinkFunc(func(p reconcile.Progress) {
				if p.Total > 0 {
					fmt.Fprintf(stderr, "[%s] %d/%d %s\n", p.Phase, p.Completed, p.Total, p.Message)
					return
				}
				fmt.Fprintf(stderr, "[%s] %s\n", p.Phase, p.Message)
			})
			return emit(cmd, a.desk.Reconcile(cmd.Context(), mode, args, sink))
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "scan the whole workspace instead of source directories")
	return cmd
}

func (a *app) graphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <depot>",
		Short: "Show streams, workspaces and pending merges of a depot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, a.desk.StreamGraph(cmd.Context(), args[0]))
		},
	}
}

func (a *app) streamCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stream <path>",
		Short: "Show a stream spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, a.desk.Stream(cmd.Context(), args[0]))
		},
	}
}

func (a *app) usersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List server users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, a.desk.Users(cmd.Context()))
		},
	}
}

func (a *app) newChangeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new-change <description>",
		Short: "Create a pending changelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, a.desk.NewChangelist(cmd.Context(), args[0]))
		},
	}
}

func (a *app) submitCommand() *cobra.Command {
	var desc string
	cmd := &cobra.Command{
		Use:   "submit <change>",
		Short: "Submit a changelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := changeArg(args[0])
			if err != nil {
				return err
			}
			return emit(cmd, a.desk.Submit(cmd.Context(), n, desc))
		},
	}
	cmd.Flags().StringVarP(&desc, "description", "d", "", "description, required for the default changelist")
	return cmd
}

func (a *app) revertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revert <paths...>",
		Short: "Revert open files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, a.desk.Revert(cmd.Context(), args))
		},
	}
}

func (a *app) shelveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shelve <change>",
		Short: "Shelve the files of a changelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := changeArg(args[0])
			if err != nil {
				return err
			}
			return emit(cmd, a.desk.Shelve(cmd.Context(), n))
		},
	}
}

func (a *app) unshelveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unshelve <change>",
		Short: "Unshelve files into the same changelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := changeArg(args[0])
			if err != nil {
				return err
			}
			return emit(cmd, a.desk.Unshelve(cmd.Context(), n))
		},
	}
}

func (a *app) reopenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <change> <paths...>",
		Short: "Move open files to another changelist",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := changeArg(args[0])
			if err != nil {
				return err
			}
			return emit(cmd, a.desk.Reopen(cmd.Context(), n, args[1:]))
		},
	}
}

func (a *app) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [paths...]",
		Short: "Sync the workspace or the given paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, a.desk.Sync(cmd.Context(), args))
		},
	}
}

func (a *app) reviewCommand() *cobra.Command {
	var (
		desc      string
		reviewers []string
	)
	cmd := &cobra.Command{
		Use:   "review <change>",
		Short: "Request a Swarm review for a changelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := changeArg(args[0])
			if err != nil {
				return err
			}
			return emit(cmd, a.desk.CreateReview(cmd.Context(), n, desc, reviewers))
		},
	}
	cmd.Flags().StringVarP(&desc, "description", "d", "", "review description")
	cmd.Flags().StringSliceVarP(&reviewers, "reviewer", "r", nil, "reviewer to add (repeatable)")
	return cmd
}

func (a *app) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print a workspace snapshot on every refresh until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			a.desk.OnSnapshot(func(s desk.Snapshot) {
				if err := enc.Encode(s); err != nil {
					a.logger.Error("write snapshot", "error", err)
				}
			})
			return a.desk.Run(cmd.Context())
		},
	}
}
