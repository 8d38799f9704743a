package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/config"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create or inspect the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path, _ := cmd.Flags().GetString("path")
		if path == "" {
			path = filepath.Join(config.DataDir(), config.FileName)
		}

		if err := config.WriteDefault(path, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if !force {
				fmt.Fprintf(os.Stderr, "   Use --force to overwrite it.\n")
			}
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Long: `Print the settings after applying the config file, LEDGER_* environment
variables and command-line flags.`,
	Run: func(cmd *cobra.Command, args []string) {
		sections := cfg.Sections()
		if structured(os.Stdout, sections) {
			return
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# from %s\n", used)
		} else {
			fmt.Println("# no config file found; built-in defaults")
		}
		if err := toml.NewEncoder(os.Stdout).Encode(sections); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configInitCmd.Flags().String("path", "", "file to write (default ledger.toml in the data directory)")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
