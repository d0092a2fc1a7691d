// ABOUTME: Entry point for agent-relay, the resumable streaming relay for upstream agents
// ABOUTME: Provides serve plus the ask, resume, and health client subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/gateway"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _                      _
  __ _  __ _  ___ _ __ | |_      _ __ ___| | __ _ _   _
 / _' |/ _' |/ _ \ '_ \| __|____| '__/ _ \ |/ _' | | | |
| (_| | (_| |  __/ | | | ||_____| | |  __/ | (_| | |_| |
 \__,_|\__, |\___|_| |_|\__|    |_|  \___|_|\__,_|\__, |
       |___/                                      |___/
`

var configFlag string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent-relay",
		Short:         "Relay an upstream agent's stream as resumable, typed events",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default $XDG_CONFIG_HOME/agent-relay/relay.yaml)")

	root.AddCommand(newServeCmd(), newAskCmd(), newResumeCmd(), newHealthCmd())
	return root
}

// loadConfig resolves and loads the config file. A missing default file
// falls back to built-in defaults; an explicit path must exist.
func loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath(configFlag)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if configFlag == "" && os.Getenv(config.EnvConfigPath) == "" {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			cfg = config.Default()
			if err := cfg.Validate(); err != nil {
				return nil, path, fmt.Errorf("validating default config: %w", err)
			}
			return cfg, "(defaults)", nil
		}
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  %s ", cfg.Upstream.Endpoint)
	gray.Printf("(%s, %s)\n", cfg.Upstream.Shape, cfg.Upstream.Framing)
	green.Print("    ▶ ")
	fmt.Printf("Streams:   ")
	if cfg.Registry.Backend == config.BackendNone {
		yellow.Println("passthrough (resume disabled)")
	} else {
		cyan.Print(cfg.Registry.Backend)
		if cfg.Registry.Path != "" {
			gray.Printf(" %s", cfg.Registry.Path)
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting agent-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"upstream", cfg.Upstream.Endpoint,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
