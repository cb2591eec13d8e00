package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LumeraProtocol/trainpool/coordinator/config"
	"github.com/LumeraProtocol/trainpool/coordinator/node"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coordinator",
	Long: `Start the coordinator using the configuration file. The node joins the
DHT through the bootstrap peers and runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		logtrace.Setup("trainpool", cfg.Log.Env, logtrace.ParseLevel(cfg.LogLevel()))
		defer logtrace.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx = logtrace.CtxWithCorrelationID(ctx, "trainpool-start")

		logtrace.Info(ctx, "Starting coordinator with configuration", logtrace.Fields{
			"config_file": path,
			"listen":      cfg.ListenAddr(),
			"data_dir":    cfg.DataDirPath(),
			"standby":     cfg.Node.Standby,
		})

		n, err := node.NewNode(cfg)
		if err != nil {
			logtrace.Error(ctx, "Failed to initialize coordinator", logtrace.Fields{
				logtrace.FieldError: err.Error(),
			})
			return err
		}
		if err := n.Run(ctx); err != nil {
			logtrace.Error(ctx, "Coordinator stopped with error", logtrace.Fields{
				logtrace.FieldError: err.Error(),
			})
			return err
		}

		logtrace.Info(ctx, "Coordinator stopped", logtrace.Fields{})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
