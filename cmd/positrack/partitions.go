package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/positrack/positrack/internal/archive"
	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/types"
)

var partitionsCmd = &cobra.Command{
	Use:     "partitions",
	Aliases: []string{"part"},
	Short:   "Inspect and manage the monthly partitions",
}

var partitionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List partitions with rows, size, tier and health",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		store := openStore(ctx, cfg)
		defer store.Close()

		parts, err := store.PartitionsFresh(ctx)
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(parts)
			return
		}

		policy := cfg.TierPolicy()
		thresholds := cfg.Thresholds()
		now := time.Now()

		w := newTable()
		w.AppendHeader(table.Row{"Partition", "Rows", "Data", "Index", "Tier", "Health"})
		for _, p := range parts {
			tier, status := "-", "-"
			if y, m, err := types.ParsePartitionName(p.Name); err == nil {
				age := rawtime.MonthsBetween(y, m, now.Year(), int(now.Month()))
				tier = string(policy.TierFor(age))
				status = string(thresholds.Classify(p.SizeMB(), p.Rows))
			}
			name := p.Name
			if p.Compressed {
				name += " (compressed)"
			}
			w.AppendRow(table.Row{
				name,
				humanize.Comma(p.Rows),
				humanize.IBytes(uint64(p.DataBytes)),
				humanize.IBytes(uint64(p.IndexBytes)),
				tier,
				status,
			})
		}
		w.Render()
	},
}

var partitionsCreateCmd = &cobra.Command{
	Use:   "create YYYY-MM",
	Short: "Create the partition for one month",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		year, month, err := parseMonth(args[0])
		if err != nil {
			fail(err)
		}
		cfg := loadConfig()
		ctx := cmd.Context()
		store := openStore(ctx, cfg)
		defer store.Close()

		if err := store.CreatePartition(ctx, year, month); err != nil {
			fail(err)
		}
		fmt.Printf("%s ready\n", types.PartitionName(year, month))
	},
}

var flagDropForce bool

var partitionsDropCmd = &cobra.Command{
	Use:   "drop PARTITION",
	Short: "Drop a partition and every row in it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		if _, _, err := types.ParsePartitionName(name); err != nil {
			fail(err)
		}
		if !flagDropForce {
			fail(fmt.Errorf("drop deletes data; re-run with --force, or use 'partitions archive' to keep a dump"))
		}
		cfg := loadConfig()
		ctx := cmd.Context()
		store := openStore(ctx, cfg)
		defer store.Close()

		if err := store.DropPartition(ctx, name); err != nil {
			fail(err)
		}
		fmt.Printf("%s dropped\n", name)
	},
}

var partitionsCompressCmd = &cobra.Command{
	Use:   "compress PARTITION",
	Short: "Rebuild a partition with page compression",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		store := openStore(ctx, cfg)
		defer store.Close()

		res, err := store.CompressPartition(ctx, args[0])
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(res)
			return
		}
		fmt.Printf("%s: %s -> %s (saved %s)\n", res.Name,
			humanize.IBytes(uint64(res.BeforeBytes)),
			humanize.IBytes(uint64(res.AfterBytes)),
			humanize.IBytes(uint64(res.Saved())))
	},
}

var partitionsOptimizeCmd = &cobra.Command{
	Use:   "optimize PARTITION",
	Short: "Rebuild a partition to reclaim free space",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		store := openStore(ctx, cfg)
		defer store.Close()

		if err := store.OptimizePartition(ctx, args[0]); err != nil {
			fail(err)
		}
		fmt.Printf("%s optimized\n", args[0])
	},
}

var partitionsAnalyzeCmd = &cobra.Command{
	Use:   "analyze PARTITION",
	Short: "Refresh index statistics for a partition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		store := openStore(ctx, cfg)
		defer store.Close()

		if err := store.AnalyzePartition(ctx, args[0]); err != nil {
			fail(err)
		}
		fmt.Printf("%s analyzed\n", args[0])
	},
}

var flagConvertFutureMonths int

var partitionsConvertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Install the monthly RANGE scheme on an unpartitioned table",
	Long: `Convert rebuilds an unpartitioned positions table as monthly RANGE
partitions over the device_ts month, seeding one partition per existing
month of data plus the configured number of future months. An already
partitioned table is left alone, so convert is safe to re-run.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		months := flagConvertFutureMonths
		if months <= 0 {
			months = cfg.Partition.FutureMonths
		}
		ctx := cmd.Context()
		store := openStore(ctx, cfg)
		defer store.Close()

		if err := store.ConvertToPartitioned(ctx, months); err != nil {
			fail(err)
		}
		fmt.Println("reports table partitioned")
	},
}

var (
	flagArchiveKeep bool
	flagArchiveDir  string
)

var partitionsArchiveCmd = &cobra.Command{
	Use:   "archive PARTITION [PARTITION...]",
	Short: "Export partitions to verified dumps, then drop them",
	Long: `Archive dumps each partition to the archive directory as standalone
INSERT statements, verifies the dump by re-reading it against its
checksum, appends a manifest entry and only then drops the partition.
--keep exports and verifies without dropping.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		store := openStore(ctx, cfg)
		defer store.Close()

		dir := flagArchiveDir
		if dir == "" {
			dir = cfg.Archive.Path
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(cfg.DataDir, dir)
			}
		}
		arch, err := archive.New(store, archive.Config{
			Dir:          dir,
			Compress:     cfg.Archive.Compress,
			ParallelJobs: cfg.Archive.ParallelJobs,
		})
		if err != nil {
			fail(err)
		}

		if flagArchiveKeep {
			for _, name := range args {
				if err := arch.Backup(ctx, name); err != nil {
					fail(err)
				}
				fmt.Printf("%s backed up\n", name)
			}
			return
		}
		if err := arch.Archive(ctx, args); err != nil {
			fail(err)
		}
		fmt.Printf("%d partition(s) archived to %s\n", len(args), arch.Dir())
	},
}

func init() {
	partitionsDropCmd.Flags().BoolVar(&flagDropForce, "force", false, "Confirm the drop")
	partitionsConvertCmd.Flags().IntVar(&flagConvertFutureMonths, "future-months", 0,
		"Months ahead to pre-create (default: partition.future_months)")
	partitionsArchiveCmd.Flags().BoolVar(&flagArchiveKeep, "keep", false,
		"Export and verify only, keep the partition")
	partitionsArchiveCmd.Flags().StringVar(&flagArchiveDir, "dir", "", "Override the archive directory")
	partitionsCmd.AddCommand(partitionsListCmd, partitionsCreateCmd, partitionsDropCmd,
		partitionsCompressCmd, partitionsOptimizeCmd, partitionsAnalyzeCmd,
		partitionsConvertCmd, partitionsArchiveCmd)
	rootCmd.AddCommand(partitionsCmd)
}

// parseMonth accepts YYYY-MM or a partition name like p_202506.
func parseMonth(s string) (year, month int, err error) {
	if y, m, perr := types.ParsePartitionName(s); perr == nil {
		return y, m, nil
	}
	before, after, ok := strings.Cut(s, "-")
	if ok {
		year, err1 := strconv.Atoi(before)
		month, err2 := strconv.Atoi(after)
		if err1 == nil && err2 == nil && month >= 1 && month <= 12 {
			return year, month, nil
		}
	}
	return 0, 0, fmt.Errorf("want YYYY-MM, got %q", s)
}
