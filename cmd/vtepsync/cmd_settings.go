package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/newtron-network/vtepsync/pkg/cli"
	"github.com/newtron-network/vtepsync/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect the configuration file",
	Long: `Inspect the configuration stored in ~/.vtepsync/config.yaml (or the
file given with --config).

Examples:
  vtepsync settings show
  vtepsync settings validate
  vtepsync settings init`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.LoadFrom(configPath)
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		fmt.Printf("Settings file: %s\n\n", configPath)

		shown := *s
		shown.Nodes = append([]settings.NodeSettings(nil), s.Nodes...)
		for i := range shown.Nodes {
			if ssh := shown.Nodes[i].SSH; ssh != nil && ssh.Password != "" {
				masked := *ssh
				masked.Password = "********"
				shown.Nodes[i].SSH = &masked
			}
		}
		data, err := yaml.Marshal(&shown)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var settingsPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the settings file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(configPath)
	},
}

var settingsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the settings file",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.LoadFrom(configPath)
		if err != nil {
			return err
		}
		if err := s.Validate(); err != nil {
			return err
		}

		t := cli.NewTable("NODE", "DEVICE", "DB", "SSH")
		for _, name := range s.NodeNames() {
			n, _ := s.Node(name)
			via := "-"
			if n.SSH != nil {
				via = n.SSH.User + "@" + n.SSH.Host
			}
			t.Row(n.Name, n.Device.Addr, fmt.Sprint(n.Device.DB), via)
		}
		t.Flush()
		if t.Len() == 0 {
			fmt.Println(cli.Yellow("No nodes configured."))
		}
		fmt.Println(cli.Green("Settings valid."))
		return nil
	},
}

var settingsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default settings file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		s := &settings.Settings{}
		s.ApplyDefaults()
		if err := s.SaveTo(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsPathCmd)
	settingsCmd.AddCommand(settingsValidateCmd)
	settingsCmd.AddCommand(settingsInitCmd)
}
