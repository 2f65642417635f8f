package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/positrack/positrack/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or scaffold configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if flagJSON {
			printJSON(cfg)
			return
		}
		out, err := cfg.Render()
		if err != nil {
			fail(err)
		}
		fmt.Print(string(out))
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write the default configuration to a file",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := config.DefaultFile
		if len(args) > 0 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			fail(fmt.Errorf("%s already exists", path))
		}
		out, err := config.Default().Render()
		if err != nil {
			fail(err)
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			fail(err)
		}
		fmt.Printf("wrote %s\n", path)
	},
}

func init() {
	configCmd.AddCommand(configPrintCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
