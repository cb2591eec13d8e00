package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/LumeraProtocol/trainpool/coordinator/config"
	"github.com/LumeraProtocol/trainpool/p2p/kademlia"
)

var (
	forceInit    bool
	acceptAll    bool
	initPeers    []string
	initPort     uint16
	initStandby  bool
	initCapacity float64
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new coordinator",
	Long: `Initialize a new coordinator by creating a configuration file.

This command will guide you through an interactive setup process to:
1. Create a config.yml file at ~/.trainpool
2. Generate a node id and a signing key seed
3. Configure the listen address, port and bootstrap peers
4. Choose whether this node stands by as a failover replacement

Example:
  trainpool init
  trainpool init --yes --port 4445 --peer 10.0.0.1:4445
  trainpool init --force  # Override existing installation`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if err := prepareConfigPath(path); err != nil {
			return err
		}

		cfg, err := newNodeConfig()
		if err != nil {
			return err
		}
		if acceptAll {
			applyInitFlags(cfg)
		} else if err := promptNodeConfig(cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := config.Save(cfg, path); err != nil {
			return err
		}
		printSuccessMessage(path, cfg)
		return nil
	},
}

// prepareConfigPath refuses to overwrite an existing config unless forced
func prepareConfigPath(path string) error {
	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("config file already exists at %s\nUse --force to overwrite it", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}
	fmt.Printf("Using config file: %s\n", path)
	return nil
}

// newNodeConfig returns the defaults with a fresh identity
func newNodeConfig() (*config.Config, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate key seed: %w", err)
	}
	cfg := config.DefaultConfig()
	cfg.Node.ID = kademlia.NewRandomID().String()
	cfg.Node.KeySeed = hex.EncodeToString(seed)
	return cfg, nil
}

func applyInitFlags(cfg *config.Config) {
	if initPort != 0 {
		cfg.Node.Port = initPort
	}
	cfg.Node.BootstrapPeers = initPeers
	cfg.Node.Standby = initStandby
	cfg.Node.Capacity = initCapacity
}

func promptNodeConfig(cfg *config.Config) error {
	listenPrompt := &survey.Input{
		Message: "Enter listen address:",
		Default: cfg.Node.ListenAddress,
	}
	if err := survey.AskOne(listenPrompt, &cfg.Node.ListenAddress, survey.WithValidator(survey.Required)); err != nil {
		return err
	}

	var portStr string
	portPrompt := &survey.Input{
		Message: "Enter DHT port:",
		Default: strconv.Itoa(int(cfg.Node.Port)),
	}
	if err := survey.AskOne(portPrompt, &portStr); err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %s", portStr)
	}
	cfg.Node.Port = uint16(port)

	var peers string
	peersPrompt := &survey.Input{
		Message: "Enter bootstrap peers (host:port, comma separated):",
		Help:    "Leave empty to start a new pool",
		Default: strings.Join(initPeers, ","),
	}
	if err := survey.AskOne(peersPrompt, &peers); err != nil {
		return err
	}
	cfg.Node.BootstrapPeers = splitPeers(peers)

	standbyPrompt := &survey.Confirm{
		Message: "Register this node as a failover standby?",
		Default: initStandby,
	}
	if err := survey.AskOne(standbyPrompt, &cfg.Node.Standby); err != nil {
		return err
	}
	return nil
}

func splitPeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printSuccessMessage(path string, cfg *config.Config) {
	fmt.Println("\nYour coordinator has been initialized successfully!")
	fmt.Printf("  Node ID: %s\n", cfg.Node.ID)
	fmt.Printf("  Config:  %s\n", path)
	fmt.Println("You can now start it with:")
	fmt.Println("  trainpool start")
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&forceInit, "force", false, "Force initialization, overwriting an existing config file")
	initCmd.Flags().BoolVarP(&acceptAll, "yes", "y", false, "Skip prompts and use defaults plus flags")
	initCmd.Flags().StringSliceVar(&initPeers, "peer", nil, "Bootstrap peer host:port (repeatable)")
	initCmd.Flags().Uint16Var(&initPort, "port", 0, "DHT port")
	initCmd.Flags().BoolVar(&initStandby, "standby", false, "Register as a failover standby")
	initCmd.Flags().Float64Var(&initCapacity, "capacity", 0, "Standby capacity, probed from the host when 0")
}
