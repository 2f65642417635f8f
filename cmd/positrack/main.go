// Command positrack runs the GPS telemetry engine: a long-lived daemon
// (serve) plus one-shot operator commands for partitions, scoped queries
// and health, all against the same database and config tree.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/positrack/positrack/internal/config"
	"github.com/positrack/positrack/internal/storage/mysql"
)

// Version is stamped at release build time via -ldflags.
var Version = "0.4.0"

var (
	flagConfig  string
	flagJSON    bool
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "positrack",
	Short: "GPS telemetry storage and lifecycle engine",
	Long: `Positrack stores high-volume tracker telemetry in a month-partitioned
MySQL table, runs the partition lifecycle (create, compress, archive,
drop), and fans live updates out to role-scoped realtime subscribers.

'positrack serve' runs the daemon. Everything else is a one-shot
operator command sharing the same config file.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("positrack version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"Config file (default: ./positrack.yaml, /etc/positrack/positrack.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug output")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// fail prints err the way cobra prints command errors and exits non-zero.
// One-shot commands use it instead of threading errors back up.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// loadConfig resolves the effective config for a one-shot command.
func loadConfig() *config.Config {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		fail(err)
	}
	return cfg
}

// openStore dials MySQL for a one-shot command. The caller owns the
// returned store.
func openStore(ctx context.Context, cfg *config.Config) *mysql.Store {
	store, err := mysql.Open(ctx, mysql.Config{
		Addr:         cfg.MySQL.Addr,
		User:         cfg.MySQL.User,
		Password:     cfg.MySQL.Password,
		Database:     cfg.MySQL.Database,
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		QueryTimeout: cfg.Partition.QueryTimeout(),
	})
	if err != nil {
		fail(fmt.Errorf("connecting to %s: %w", cfg.MySQL.Database, err))
	}
	return store
}

// printJSON writes v as indented JSON on stdout for --json consumers.
func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(out))
}

// newTable builds a stdout-backed table writer.
func newTable() table.Writer {
	w := table.NewWriter()
	w.SetOutputMirror(os.Stdout)
	return w
}
