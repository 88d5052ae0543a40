package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	jobqueue "github.com/glimte/mmate-jobqueue"
	"github.com/glimte/mmate-jobqueue/job"
	"github.com/glimte/mmate-jobqueue/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	os.Exit(worker.ExitCode(newRootCmd().Execute()))
}

func newRootCmd() *cobra.Command {
	var (
		envFiles  []string
		logLevel  string
		logFormat string
	)

	rootCmd := &cobra.Command{
		Use:   "jobqueue",
		Short: "Push and process jobs on a RabbitMQ retry queue",
		Long: `jobqueue runs a worker for a RabbitMQ backed job queue with exponential
retry queues and a terminal error queue. Configuration is read from
JOBQUEUE_* environment variables and optional .env files.

The listen command exits with status 75 when the broker connection is lost
so that a supervisor can restart it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "e", nil, "Environment file to load (repeatable)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")

	// open loads the configuration and connects with the example registry.
	open := func(ctx context.Context) (*jobqueue.Queue, *slog.Logger, error) {
		logger, err := newLogger(logLevel, logFormat)
		if err != nil {
			return nil, nil, err
		}

		cfg, err := jobqueue.LoadConfig(envFiles...)
		if err != nil {
			return nil, nil, err
		}

		q, err := jobqueue.Open(ctx, cfg, newRegistry(logger), jobqueue.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open queue: %w", err)
		}
		return q, logger, nil
	}

	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Consume and execute jobs until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			q, logger, err := open(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			err = q.Listen(ctx)
			if err != nil {
				logger.Error("worker stopped", "error", err, "exitCode", worker.ExitCode(err))
				return err
			}
			logger.Info("worker stopped")
			return nil
		},
	}

	var raw bool
	pushCmd := &cobra.Command{
		Use:   "push <kind|envelope> [props-json]",
		Short: "Push a job onto the queue",
		Long: `Push a job by kind with optional JSON props, for example

  jobqueue push ping '{"message":"hello"}'

or, with --raw, push a complete envelope as given:

  jobqueue push --raw '{"class":"ping","props":{}}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := pushBody(args, raw)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			q, logger, err := open(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			if err := q.PushRaw(ctx, body); err != nil {
				return err
			}
			logger.Info("job pushed", "bytes", len(body))
			return nil
		},
	}
	pushCmd.Flags().BoolVar(&raw, "raw", false, "Treat the argument as a complete JSON envelope")

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Declare the exchanges and queues, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, logger, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()

			logger.Info("topology declared")
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show depth and health of the main and error queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q, _, err := open(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			stats, err := q.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to inspect queues: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}

	kindsCmd := &cobra.Command{
		Use:   "kinds",
		Short: "List the job kinds this worker can execute",
		Run: func(cmd *cobra.Command, args []string) {
			for _, kind := range newRegistry(slog.Default()).Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
		},
	}

	rootCmd.AddCommand(listenCmd, pushCmd, topologyCmd, statsCmd, kindsCmd)
	return rootCmd
}

// pushBody builds the message body for the push command.
func pushBody(args []string, raw bool) ([]byte, error) {
	if raw {
		if len(args) != 1 {
			return nil, fmt.Errorf("--raw takes exactly one argument")
		}
		env, err := job.Decode([]byte(args[0]))
		if err != nil {
			return nil, err
		}
		return job.Encode(env)
	}

	env := job.Envelope{Kind: args[0], Props: map[string]any{}}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &env.Props); err != nil {
			return nil, fmt.Errorf("invalid props: %w", err)
		}
	}
	return job.Encode(env)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
