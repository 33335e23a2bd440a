package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/streamvis/bridge/internal/app"
	"github.com/streamvis/bridge/internal/config"
	"github.com/streamvis/bridge/internal/logger"
	"github.com/streamvis/bridge/internal/metrics"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "streamvis bridge relays observable streams to browser clients",
	Long:  `WebSocket bridge that multiplexes server-side event streams across connected visualization clients.`,
	Example: `
  bridge start --ws-addr :8080
  bridge start --log-level debug --metrics-port 9181
  bridge start --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Command line flags override the loaded config.
		flags := cmd.Flags()
		if flags.Changed("ws-addr") {
			cfg.Bridge.WSAddr, _ = flags.GetString("ws-addr")
		}
		if flags.Changed("metrics-port") {
			portStr, _ := flags.GetString("metrics-port")
			cfg.Metrics.Port, _ = strconv.Atoi(portStr)
		}
		if flags.Changed("log-level") {
			lvl, _ := flags.GetString("log-level")
			if err := logger.UpdateLevel(lvl); err != nil {
				return fmt.Errorf("invalid log level: %v", err)
			}
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("ws-addr", ":8080", "WebSocket listen address")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("metrics-port", "9181", "Port for Prometheus metrics server")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of streamvis bridge",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bridge server",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					logger.Error("Failed to resolve absolute path for config", zap.Error(err))
					os.Exit(1)
				}
				logger.Info("Using config file", zap.String("config_file", absPath))
			}

			ctx := cmd.Context()

			metrics.RegisterMetrics()

			logger.Info("Starting bridge...")
			node, err := app.New(cfg)
			if err != nil {
				logger.Error("Failed to initialize the bridge", zap.Error(err))
				os.Exit(1)
			}

			go func() {
				<-ctx.Done()
				node.Shutdown()
			}()

			if err := node.Start(ctx); err != nil {
				logger.Error("Failed to start the bridge", zap.Error(err))
				os.Exit(1)
			}

			logger.Info("streamvis bridge started successfully")
		},
	}
	rootCmd.AddCommand(startCmd)
}
