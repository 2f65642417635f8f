package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/positrack/positrack/internal/health"
	"github.com/positrack/positrack/internal/lockfile"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Database health, partition tiers and daemon state",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		store := openStore(ctx, cfg)
		defer store.Close()

		mon := health.NewMonitor(store, health.MonitorConfig{
			Thresholds: cfg.Thresholds(),
			TierPolicy: cfg.TierPolicy(),
		})
		snap, err := mon.Sweep(ctx)
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(snap)
			return
		}

		switch info, err := lockfile.Read(cfg.DataDir); {
		case err == nil && info.Alive():
			fmt.Printf("daemon:    running (pid %d on %s since %s)\n",
				info.PID, info.Hostname, info.StartedAt)
		case err == nil:
			fmt.Printf("daemon:    stale lock (pid %d gone)\n", info.PID)
		case errors.Is(err, lockfile.ErrNotLocked):
			fmt.Println("daemon:    not running")
		default:
			fmt.Printf("daemon:    unknown (%v)\n", err)
		}

		fmt.Printf("database:  %s, %s across %d partition(s)\n",
			cfg.MySQL.Database, humanize.IBytes(uint64(snap.TotalBytes)), len(snap.Partitions))
		if snap.PingOK {
			fmt.Printf("ping:      ok, sentinel %s over %s row(s)\n",
				snap.SentinelElapsed.Round(time.Millisecond), humanize.Comma(snap.SentinelRows))
		} else {
			fmt.Printf("ping:      FAILED: %s\n", snap.PingError)
		}
		if snap.DeadlockSeen {
			fmt.Println("deadlock:  seen in recent InnoDB status")
		}
		fmt.Printf("status:    %s\n", snap.Status)

		if len(snap.Partitions) == 0 {
			return
		}
		w := newTable()
		w.AppendHeader(table.Row{"Partition", "Rows", "Size", "Age", "Tier", "Health"})
		for _, ph := range snap.Partitions {
			w.AppendRow(table.Row{
				ph.Info.Name,
				humanize.Comma(ph.Info.Rows),
				humanize.IBytes(uint64(ph.Info.TotalBytes())),
				fmt.Sprintf("%dmo", ph.AgeMonths),
				ph.Tier,
				ph.Status,
			})
		}
		w.Render()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
