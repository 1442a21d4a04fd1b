// hil - network provisioning engine operator tool
//
// Manages the HIL database and the networking-action queue: initializes
// the schema and VLAN pool, drains queued switch changes once or as a
// long-running worker, and inspects actions and the audit trail.
//
// Examples:
//
//	hil db init
//	hil switch register sw0 dell 10.0.0.2 --user admin
//	hil port revert sw0 gi1/0/3
//	hil apply
//	hil worker --interval 10s
//	hil action list --status ERROR
//	hil audit list --switch sw0 --last 24h
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hil-network/hil/pkg/cli"
	"github.com/hil-network/hil/pkg/config"
	"github.com/hil-network/hil/pkg/util"
	"github.com/hil-network/hil/pkg/version"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.Red("error:"), err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "hil",
	Short:             "HIL network provisioning operator tool",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd || cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := util.ConfigureLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
		if verbose {
			util.SetLogLevel("debug")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Networking Actions:"},
		&cobra.Group{ID: "inventory", Title: "Inventory:"},
		&cobra.Group{ID: "meta", Title: "Database & Meta:"},
	)

	for _, cmd := range []*cobra.Command{applyCmd, workerCmd, actionCmd, auditCmd} {
		cmd.GroupID = "queue"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{switchCmd, portCmd, networkCmd} {
		cmd.GroupID = "inventory"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{dbCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

// addOutputFlags registers --json on commands with structured output.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("hil " + version.Info())
	},
}
