package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/LumeraProtocol/trainpool/coordinator/config"
)

var (
	baseDir string
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trainpool",
	Short: "Coordinator for a peer-to-peer training pool",
	Long: `trainpool coordinates a pool of compute contributors: it routes over a
Kademlia DHT, watches node health, checkpoints sessions, scores contributions
and settles rewards.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// configPath returns the --config flag or the config file in the base directory
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := resolveBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.DefaultConfigFile), nil
}

func resolveBaseDir() (string, error) {
	if baseDir != "" {
		return baseDir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, config.DefaultBaseDir), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "basedir", "", "base directory (default ~/"+config.DefaultBaseDir+")")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default <basedir>/"+config.DefaultConfigFile+")")
}
