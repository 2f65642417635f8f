package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/positrack/positrack/internal/config"
	"github.com/positrack/positrack/internal/query"
	"github.com/positrack/positrack/internal/timewin"
	"github.com/positrack/positrack/internal/types"
)

var (
	flagRole   string
	flagUserID int64
	flagDevice string
	flagFrom   string
	flagTo     string
)

var queryCmd = &cobra.Command{
	Use:     "query",
	Aliases: []string{"q"},
	Short:   "Read telemetry through the scoped query path",
	Long: `Query commands run the same principal-scoped reads the daemon serves.
--role and --id set the principal; the default SUPERADMIN sees the
whole fleet. Time bounds accept '2006-01-02 15:04:05', date-only,
relative offsets (-24h, -7d, -1m) and a few natural forms.`,
}

var queryHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Raw reports for a device in a window",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		q, done := newQuery(ctx, cfg)
		defer done()

		reports, err := q.History(ctx, cliPrincipal(), requireDevice(), cliWindow())
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(reports)
			return
		}
		w := newTable()
		w.AppendHeader(table.Row{"Device TS", "Lat", "Lon", "Speed", "Course", "Ignition", "Status"})
		for _, r := range reports {
			w.AppendRow(table.Row{r.DeviceTS, r.Lat, r.Lon, r.Speed, r.Course, r.Ignition, r.Status})
		}
		w.Render()
		fmt.Printf("%d report(s)\n", len(reports))
	},
}

var queryLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Last known position of a device",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		q, done := newQuery(ctx, cfg)
		defer done()

		lk, err := q.Latest(ctx, cliPrincipal(), requireDevice())
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(lk)
			return
		}
		fmt.Printf("%s  %s  lat %.6f  lon %.6f  %.1f km/h  ignition %s  (projected %s)\n",
			lk.DeviceID, lk.DeviceTS, lk.Lat, lk.Lon, lk.Speed, lk.Ignition,
			lk.UpdatedAt.Format(time.RFC3339))
	},
}

var flagBBox string

var queryRouteCmd = &cobra.Command{
	Use:   "route",
	Short: "Slim track points for a device, fixes only",
	Run: func(cmd *cobra.Command, args []string) {
		box, err := parseBBox(flagBBox)
		if err != nil {
			fail(err)
		}
		cfg := loadConfig()
		ctx := cmd.Context()
		q, done := newQuery(ctx, cfg)
		defer done()

		pts, err := q.RoutePoints(ctx, cliPrincipal(), requireDevice(), cliWindow(), box)
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(pts)
			return
		}
		w := newTable()
		w.AppendHeader(table.Row{"Device TS", "Lat", "Lon", "Speed", "Course"})
		for _, p := range pts {
			w.AppendRow(table.Row{p.DeviceTS, p.Lat, p.Lon, p.Speed, p.Course})
		}
		w.Render()
		fmt.Printf("%d point(s)\n", len(pts))
	},
}

var querySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Per-day aggregates for a device",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		q, done := newQuery(ctx, cfg)
		defer done()

		rows, err := q.DailySummary(ctx, cliPrincipal(), requireDevice(), cliWindow())
		if err != nil {
			fail(err)
		}
		renderSummaries(rows)
	},
}

var flagFleetAdmin int64

var queryFleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Per-day aggregates across an admin's fleet",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		q, done := newQuery(ctx, cfg)
		defer done()

		admin := flagFleetAdmin
		if admin == 0 {
			admin = flagUserID
		}
		rows, err := q.FleetSummary(ctx, cliPrincipal(), admin, cliWindow())
		if err != nil {
			fail(err)
		}
		renderSummaries(rows)
	},
}

var queryParkingCmd = &cobra.Command{
	Use:   "parking",
	Short: "Parked intervals for a device",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		q, done := newQuery(ctx, cfg)
		defer done()

		spans, err := q.ParkingDurations(ctx, cliPrincipal(), requireDevice(), cliWindow())
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(spans)
			return
		}
		w := newTable()
		w.AppendHeader(table.Row{"From", "To", "Duration", "Lat", "Lon"})
		for _, s := range spans {
			w.AppendRow(table.Row{s.From, s.To, s.Duration, s.Lat, s.Lon})
		}
		w.Render()
	},
}

var queryPanicsCmd = &cobra.Command{
	Use:   "panics",
	Short: "Panic-flagged reports for a device",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		q, done := newQuery(ctx, cfg)
		defer done()

		reports, err := q.PanicEvents(ctx, cliPrincipal(), requireDevice(), cliWindow())
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(reports)
			return
		}
		w := newTable()
		w.AppendHeader(table.Row{"Device TS", "Lat", "Lon", "Speed"})
		for _, r := range reports {
			w.AppendRow(table.Row{r.DeviceTS, r.Lat, r.Lon, r.Speed})
		}
		w.Render()
	},
}

var flagSpeedLimit float64

var querySpeedingCmd = &cobra.Command{
	Use:   "speeding",
	Short: "Reports above a speed limit for a device",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		q, done := newQuery(ctx, cfg)
		defer done()

		reports, err := q.SpeedViolations(ctx, cliPrincipal(), requireDevice(), cliWindow(), flagSpeedLimit)
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(reports)
			return
		}
		w := newTable()
		w.AppendHeader(table.Row{"Device TS", "Lat", "Lon", "Speed"})
		for _, r := range reports {
			w.AppendRow(table.Row{r.DeviceTS, r.Lat, r.Lon, r.Speed})
		}
		w.Render()
	},
}

var queryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Device and alert counts visible to the principal",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		q, done := newQuery(ctx, cfg)
		defer done()

		st, err := q.Stats(ctx, cliPrincipal())
		if err != nil {
			fail(err)
		}
		if flagJSON {
			printJSON(st)
			return
		}
		fmt.Printf("devices %d  live %d  open alerts %d\n",
			st.TotalDevices, st.LiveDevices, st.OpenAlerts)
	},
}

func init() {
	queryCmd.PersistentFlags().StringVar(&flagRole, "role", "SUPERADMIN", "Principal role")
	queryCmd.PersistentFlags().Int64Var(&flagUserID, "id", 0, "Principal id in the role's namespace")
	queryCmd.PersistentFlags().StringVar(&flagDevice, "device", "", "Device id")
	queryCmd.PersistentFlags().StringVar(&flagFrom, "from", "-24h", "Window start")
	queryCmd.PersistentFlags().StringVar(&flagTo, "to", "", "Window end (default now)")
	queryRouteCmd.Flags().StringVar(&flagBBox, "bbox", "", "Clip to minLat,minLon,maxLat,maxLon")
	querySpeedingCmd.Flags().Float64Var(&flagSpeedLimit, "limit", 80, "Speed limit in km/h")
	queryFleetCmd.Flags().Int64Var(&flagFleetAdmin, "admin", 0, "Admin id (default: --id)")
	queryCmd.AddCommand(queryHistoryCmd, queryLatestCmd, queryRouteCmd, querySummaryCmd,
		queryFleetCmd, queryParkingCmd, queryPanicsCmd, querySpeedingCmd, queryStatsCmd)
	rootCmd.AddCommand(queryCmd)
}

// newQuery wires a query service over a fresh store connection. The
// returned func closes the store.
func newQuery(ctx context.Context, cfg *config.Config) (*query.Service, func()) {
	store := openStore(ctx, cfg)
	q := query.New(store, nil, nil, query.Config{Timeout: cfg.Partition.QueryTimeout()})
	return q, func() { _ = store.Close() }
}

func cliPrincipal() types.Principal {
	role, err := types.ParseRole(flagRole)
	if err != nil {
		fail(err)
	}
	p := types.Principal{ID: flagUserID, Role: role}
	if err := p.Validate(); err != nil {
		fail(err)
	}
	return p
}

func cliWindow() types.Window {
	w, err := timewin.Window(flagFrom, flagTo, time.Now())
	if err != nil {
		fail(err)
	}
	return w
}

func requireDevice() string {
	if flagDevice == "" {
		fail(fmt.Errorf("--device is required"))
	}
	return flagDevice
}

// parseBBox turns "minLat,minLon,maxLat,maxLon" into a box, nil when empty.
func parseBBox(s string) (*types.BBox, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("want minLat,minLon,maxLat,maxLon, got %q", s)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad bbox coordinate %q", p)
		}
		vals[i] = v
	}
	return &types.BBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}, nil
}

func renderSummaries(rows []types.DailySummary) {
	if flagJSON {
		printJSON(rows)
		return
	}
	w := newTable()
	w.AppendHeader(table.Row{"Date", "Device", "Rows", "Avg", "Max", "Panics", "Ignition On"})
	for _, d := range rows {
		w.AppendRow(table.Row{d.Date, d.DeviceID, d.Rows,
			fmt.Sprintf("%.1f", d.AvgSpeed), fmt.Sprintf("%.1f", d.MaxSpeed),
			d.PanicCount, d.IgnitionOn})
	}
	w.Render()
}
