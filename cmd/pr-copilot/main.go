// Command pr-copilot is the PR monitoring agent. It exposes three tools
// (start, next_step, stop) over newline-delimited JSON-RPC on stdio and
// drives a deterministic decision loop around one pull request per session.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/m-nash/pr-copilot/internal/config"
	"github.com/m-nash/pr-copilot/internal/gh"
	"github.com/m-nash/pr-copilot/internal/monitor"
	"github.com/m-nash/pr-copilot/internal/rpc"
	"github.com/m-nash/pr-copilot/internal/shell"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "pr-copilot",
		Short:         "Supervisory agent that monitors a pull request",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (default: ~/.pr-copilot/config.yaml)")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(onceCmd(&configPath))
	return root
}

// newService builds the full stack: config, logger (stderr — stdout is the
// protocol stream), gh subprocess client, service.
func newService(configPath string) (*monitor.Service, *slog.Logger, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	client := gh.New(
		gh.WithRunner(&shell.Runner{Logger: logger}),
		gh.WithLogger(logger),
	)
	return monitor.NewService(client, cfg, logger), logger, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the tool surface over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, logger, err := newService(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer svc.Shutdown()

			logger.Info("pr-copilot serving on stdio")
			server := rpc.NewServer(svc, os.Stdin, os.Stdout, logger)
			return server.Run(ctx)
		},
	}
}

func onceCmd(configPath *string) *cobra.Command {
	var (
		method string
		params string
	)

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single tool call and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Shutdown()

			ctx := context.Background()
			var result any
			switch method {
			case "start":
				var p monitor.StartParams
				if err := json.Unmarshal([]byte(params), &p); err != nil {
					return fmt.Errorf("invalid start params: %w", err)
				}
				result, err = svc.Start(ctx, p)
			case "next_step":
				var p monitor.NextStepParams
				if err := json.Unmarshal([]byte(params), &p); err != nil {
					return fmt.Errorf("invalid next_step params: %w", err)
				}
				result, err = svc.NextStep(ctx, p, nil)
			case "stop":
				var p struct {
					MonitorID string `json:"monitor_id"`
				}
				if err := json.Unmarshal([]byte(params), &p); err != nil {
					return fmt.Errorf("invalid stop params: %w", err)
				}
				result, err = svc.Stop(ctx, p.MonitorID)
			default:
				return fmt.Errorf("unknown method %q (want start, next_step, or stop)", method)
			}
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "tool to call: start, next_step, or stop")
	cmd.Flags().StringVar(&params, "params", "{}", "JSON params for the call")
	cmd.MarkFlagRequired("method")
	return cmd
}
