// vtepsync - Hardware VTEP southbound reconciliation daemon
//
// vtepsync keeps the device database of each hardware VTEP gateway in line
// with the intent declared for it. Changes to intent are batched into
// dependency-ordered device transactions; entities whose dependencies are
// not yet declared or not yet confirmed wait in a per-node queue.
//
// Commands:
//
//	run         Drive every configured gateway until interrupted
//	reconcile   One-shot full reconciliation of a gateway
//	diff        Show what a reconciliation would change
//	status      Query a running daemon for per-node status
//	audit       Show the audit trail of device transactions
//	settings    Inspect the configuration file
//
// Examples:
//
//	vtepsync run
//	vtepsync -N hwvtep-1 diff
//	vtepsync -N hwvtep-1 reconcile
//	vtepsync status --json
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/vtepsync/pkg/settings"
	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/version"
)

var (
	// Global flags
	configPath string
	nodeName   string // -N, --node
	verbose    bool
	jsonOutput bool

	// Global state
	cfg *settings.Settings
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "vtepsync",
	Short:             "Hardware VTEP southbound reconciliation daemon",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `vtepsync reconciles declared intent into the device database of
hardware VTEP gateways.

  vtepsync [-N <node>] <command> [flags]`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isMetaCommand(cmd) {
			return nil
		}

		var err error
		cfg, err = settings.LoadFrom(configPath)
		if err != nil {
			return err
		}

		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		if err := util.SetLogLevel(level); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		if cfg.LogJSON {
			util.SetJSONFormat()
		}

		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", settings.DefaultSettingsPath, "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&nodeName, "node", "N", "", "Gateway node name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	for _, cmd := range []*cobra.Command{diffCmd, statusCmd, reconcileCmd, auditCmd} {
		addOutputFlags(cmd)
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: "engine", Title: "Engine:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)

	for _, cmd := range []*cobra.Command{runCmd, reconcileCmd, diffCmd, statusCmd} {
		cmd.GroupID = "engine"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{auditCmd, settingsCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion("vtepsync")
	},
}

func printVersion(tool string) {
	if version.IsDev() {
		fmt.Printf("%s dev build\n", tool)
		return
	}
	fmt.Printf("%s %s\n", tool, version.Info())
}

// isMetaCommand reports whether cmd runs without loading settings.
func isMetaCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "version", "settings":
			return true
		}
	}
	return false
}

// addOutputFlags registers --json as a local flag.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
}

// requireNode returns the settings of the node selected with -N.
func requireNode() (*settings.NodeSettings, error) {
	if nodeName == "" {
		if len(cfg.Nodes) == 1 {
			return &cfg.Nodes[0], nil
		}
		return nil, fmt.Errorf("node required: use -N <node> (configured: %v)", cfg.NodeNames())
	}
	return cfg.Node(nodeName)
}
